// Package health reconciles what workers report with what the OS says
// about their pids, and tells subscribers when a run changes or dies.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/chatvisor/internal/history"
	"github.com/loykin/chatvisor/internal/metrics"
	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
	"github.com/loykin/chatvisor/internal/terminal"
)

const (
	DefaultInterval   = time.Second
	DefaultPendingTTL = time.Minute

	crashMessage   = "worker exited unexpectedly"
	silentMessage  = "worker never reported status"
	sampleDeadline = 500 * time.Millisecond
)

type Options struct {
	Interval   time.Duration
	PendingTTL time.Duration
	// SampleResources enables worker CPU/memory gauges.
	SampleResources bool
}

// Checker watches tracked runs. Its loop runs only while at least one run
// is tracked; Ensure restarts it.
type Checker struct {
	layout session.Layout
	reg    *run.Registry
	bus    *run.Bus
	reader *status.Reader
	export *history.Exporter
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	base    context.Context
	running bool
}

type Option func(*Checker)

func WithLogger(l *slog.Logger) Option        { return func(c *Checker) { c.logger = l } }
func WithExporter(x *history.Exporter) Option { return func(c *Checker) { c.export = x } }

func New(layout session.Layout, reg *run.Registry, bus *run.Bus, opts Options, o ...Option) *Checker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	c := &Checker{
		layout: layout,
		reg:    reg,
		bus:    bus,
		logger: slog.Default(),
		opts:   opts,
		now:    time.Now,
		base:   context.Background(),
	}
	for _, fn := range o {
		fn(c)
	}
	c.reader = status.NewReader(layout, c.logger)
	return c
}

// Bind ties future loops to ctx, so they stop on shutdown.
func (c *Checker) Bind(ctx context.Context) {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()
}

// Ensure starts the watch loop if runs are tracked and it is not running.
func (c *Checker) Ensure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.reg.TrackedCount() == 0 || c.base.Err() != nil {
		return
	}
	c.running = true
	go c.loop(c.base)
}

// Running reports whether the watch loop is active.
func (c *Checker) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Checker) loop(ctx context.Context) {
	c.logger.Debug("health watch started")
	t := time.NewTicker(c.opts.Interval)
	defer t.Stop()
	for {
		c.CheckOnce(ctx)
		c.mu.Lock()
		if c.reg.TrackedCount() == 0 || ctx.Err() != nil {
			c.running = false
			c.mu.Unlock()
			c.logger.Debug("health watch stopped")
			return
		}
		c.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

// CheckOnce runs a single reconciliation pass over the tracked runs.
func (c *Checker) CheckOnce(ctx context.Context) {
	now := c.now()
	for _, id := range c.reg.ExpirePending(c.opts.PendingTTL, now) {
		if _, ok := c.reader.Read(id); !ok {
			c.logger.Warn("terminal launch never reported status", "run", id)
		}
	}
	for _, t := range c.reg.Tracked() {
		if ctx.Err() != nil {
			return
		}
		c.check(ctx, t, now)
	}
	metrics.SetTrackedRuns(c.reg.TrackedCount())
}

func (c *Checker) check(ctx context.Context, t run.Tracked, now time.Time) {
	rec, ok := c.reader.Read(t.RunID)
	if !ok || rec.UpdatedAt.Before(t.Since.Truncate(time.Millisecond)) {
		c.checkSilent(t, now)
		return
	}
	c.reg.ClearPending(t.RunID)

	switch {
	case rec.State == status.StateExited:
		c.settle(t, rec, run.EventExited, rec.CurrentMessage)
	case !status.Alive(rec):
		c.logger.Warn("worker died without reporting", "run", t.RunID, "pid", rec.PID, "state", rec.State)
		c.settle(t, rec, run.EventCrashed, crashMessage)
	default:
		if c.reg.Observe(t.RunID, rec) {
			c.bus.Publish(run.Event{Kind: run.EventStatus, RunID: t.RunID, PID: rec.PID, Mode: t.Mode, State: rec.State, Message: rec.CurrentMessage})
		}
		if c.opts.SampleResources {
			c.sample(ctx, t.RunID, rec.PID)
		}
	}
}

// settle ends the watch of a run whose record rec shows it exited or dead.
// It holds the run's dispatch lock and backs off while a dispatch is in
// flight or once the run has moved past rec, so a relaunched worker keeps
// its status and watch.
func (c *Checker) settle(t run.Tracked, rec status.Record, kind run.EventKind, msg string) {
	unlock, ok := c.reg.TryLock(t.RunID)
	if !ok {
		c.logger.Debug("dispatch in flight, deferring", "run", t.RunID)
		return
	}
	defer unlock()
	if cur, ok := c.reader.Read(t.RunID); !ok || !sameRecord(cur, rec) {
		return
	}
	if !c.reg.UntrackIf(t.RunID, t.Since) {
		return
	}
	if kind == run.EventCrashed {
		rec = status.Record{RunID: t.RunID, PID: rec.PID, State: status.StateExited, CurrentMessage: crashMessage}
		if res := status.WriteRecord(c.reader.Path(t.RunID), rec); res.Err != nil {
			c.logger.Debug("status write failed", "run", t.RunID, "error", res.Err)
		}
	}
	c.finish(t, rec, kind, msg)
}

func sameRecord(a, b status.Record) bool {
	return a.PID == b.PID && a.State == b.State && a.CurrentMessage == b.CurrentMessage && a.UpdatedAt.Equal(b.UpdatedAt)
}

// checkSilent handles a run whose worker has not written a record since
// launch. It is given up once nothing can still produce one.
func (c *Checker) checkSilent(t run.Tracked, now time.Time) {
	if c.reg.Pending(t.RunID) {
		return
	}
	if _, ok := c.reg.LiveHandle(t.RunID); ok {
		return
	}
	if now.Sub(t.Since) < c.opts.PendingTTL {
		return
	}
	unlock, ok := c.reg.TryLock(t.RunID)
	if !ok {
		return
	}
	defer unlock()
	if rec, ok := c.reader.Read(t.RunID); ok && !rec.UpdatedAt.Before(t.Since.Truncate(time.Millisecond)) {
		return
	}
	if !c.reg.UntrackIf(t.RunID, t.Since) {
		return
	}
	c.finish(t, status.Record{RunID: t.RunID, State: status.StateExited}, run.EventExited, silentMessage)
}

// finish reports a run that is no longer watched.
func (c *Checker) finish(t run.Tracked, rec status.Record, kind run.EventKind, msg string) {
	metrics.ForgetWorker(t.RunID)
	typ := history.EventExit
	exitKind := "clean"
	if kind == run.EventCrashed {
		typ, exitKind = history.EventCrash, "crashed"
	}
	metrics.IncExit(exitKind)
	if err := terminal.Cleanup(c.layout.TerminalsDir(), t.RunID); err != nil {
		c.logger.Debug("launch script cleanup failed", "run", t.RunID, "error", err)
	}
	c.logger.Info("run finished", "run", t.RunID, "kind", kind, "pid", rec.PID)
	c.bus.Publish(run.Event{Kind: kind, RunID: t.RunID, PID: rec.PID, Mode: t.Mode, State: status.StateExited, Message: msg})
	c.export.Emit(history.Event{Type: typ, Record: history.Record{
		RunID: t.RunID, PID: rec.PID, WorkspaceRoot: t.WorkspaceRoot, Mode: string(t.Mode),
		State: string(status.StateExited), Message: msg,
	}})
}

func (c *Checker) sample(ctx context.Context, runID string, pid int) {
	ctx, cancel := context.WithTimeout(ctx, sampleDeadline)
	defer cancel()
	s, err := metrics.SampleWorker(ctx, pid)
	if err != nil {
		c.logger.Debug("resource sample failed", "run", runID, "error", err)
		return
	}
	metrics.SetWorkerResources(runID, s.CPUPercent, s.RSSBytes)
}
