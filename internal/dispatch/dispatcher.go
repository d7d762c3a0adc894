// Package dispatch delivers messages to run workers, starting a worker
// first when none is alive and arbitrating busy runs.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/chatvisor/internal/control"
	"github.com/loykin/chatvisor/internal/env"
	"github.com/loykin/chatvisor/internal/history"
	"github.com/loykin/chatvisor/internal/metrics"
	"github.com/loykin/chatvisor/internal/process"
	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
	"github.com/loykin/chatvisor/internal/terminal"
)

// Dispatcher is the run supervisor's front door.
type Dispatcher struct {
	opts    Options
	layout  session.Layout
	reg     *run.Registry
	bus     *run.Bus
	status  *status.Reader
	control *control.Log
	runs    *history.RunLog

	launcher terminal.Launcher
	spawn    Spawner
	output   OutputFunc
	watcher  Watcher
	env      *env.Env
	export   *history.Exporter
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
	wait     func(ctx context.Context, runID string, timeout time.Duration, since time.Time) (status.Record, bool)
}

// New returns a Dispatcher for the session in layout. reg and bus are
// shared with the health checker and the API server.
func New(layout session.Layout, reg *run.Registry, bus *run.Bus, opts Options, o ...Option) *Dispatcher {
	opts.applyDefaults()
	d := &Dispatcher{
		opts:    opts,
		layout:  layout,
		reg:     reg,
		bus:     bus,
		control: control.NewLog(layout),
		runs:    history.NewRunLog(layout.HistoryFile()),
		spawn:   spawnProcess,
		env:     env.New(),
		logger:  slog.Default(),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, fn := range o {
		fn(d)
	}
	if d.launcher == nil {
		d.launcher = terminal.New(terminal.FamilyFor(opts.GOOS), terminal.WithLogger(d.logger))
	}
	d.status = status.NewReader(layout, d.logger)
	d.wait = d.status.Wait
	return d
}

// Layout returns the session layout served by d.
func (d *Dispatcher) Layout() session.Layout { return d.layout }

// StatusReader exposes the status channel for observers.
func (d *Dispatcher) StatusReader() *status.Reader { return d.status }

// RunLog exposes the session's launch log.
func (d *Dispatcher) RunLog() *history.RunLog { return d.runs }

// EnsureOptions override the workspace and launch mode of a new worker.
type EnsureOptions struct {
	Cwd  string
	Mode run.Mode
}

// Launch describes what EnsureRunning did.
type Launch struct {
	Launched bool
	Mode     run.Mode
	PID      int // zero for terminal launches
	At       time.Time
}

// EnsureRunning starts a worker for runID unless one is alive or a terminal
// launch for it is still pending.
func (d *Dispatcher) EnsureRunning(ctx context.Context, runID string, eo EnsureOptions) (Launch, error) {
	if err := session.ValidateRunID(runID); err != nil {
		return Launch{}, err
	}
	unlock := d.reg.Lock(runID)
	defer unlock()
	return d.ensure(ctx, runID, eo)
}

func (d *Dispatcher) ensure(ctx context.Context, runID string, eo EnsureOptions) (Launch, error) {
	log := d.logger.With("run", runID)
	// an exited record is dead even if its pid now belongs to something else
	rec, hasStatus := d.status.Read(runID)
	if hasStatus && status.Alive(rec) {
		return Launch{}, nil
	}
	if !hasStatus && d.legacyAlive(runID) {
		log.Debug("worker without status is alive, not relaunching")
		return Launch{}, nil
	}
	if d.reg.Pending(runID) {
		log.Debug("terminal launch pending, not relaunching")
		return Launch{}, nil
	}
	if _, ok := d.reg.LiveHandle(runID); ok {
		return Launch{}, nil
	}

	cwd := d.resolveCwd(runID, eo.Cwd)
	mode := eo.Mode
	if mode == "" || mode == run.ModeAuto {
		mode = d.opts.DefaultMode
	}
	mode = mode.Resolve(d.opts.GOOS)

	if mode == run.ModeSystem {
		at := d.now()
		ok := d.launcher.Launch(ctx, terminal.Request{
			RunID:        runID,
			Cwd:          cwd,
			Runtime:      d.opts.Runtime,
			CLIPath:      d.opts.CLIPath,
			Subcommand:   d.opts.Subcommand,
			SessionRoot:  d.layout.Root(),
			TerminalsDir: d.layout.TerminalsDir(),
			Env:          d.env.Vars(),
		})
		metrics.IncLaunch(string(run.ModeSystem), ok)
		if ok {
			d.reg.MarkPending(runID, at)
			d.launched(runID, cwd, run.ModeSystem, 0, at)
			return Launch{Launched: true, Mode: run.ModeSystem, At: at}, nil
		}
		log.Warn("terminal launch refused, falling back to headless")
	}

	at := d.now()
	spec := process.SpawnSpec{
		Path:     d.opts.Runtime,
		Args:     []string{d.opts.CLIPath, d.opts.Subcommand},
		Dir:      cwd,
		Env:      d.env.Merge(env.WorkerVars(d.layout.Root(), runID, false)),
		Detached: true,
	}
	if d.output != nil {
		spec.Stdout, spec.Stderr = d.output(runID)
	}
	proc, err := d.spawn(spec)
	metrics.IncLaunch(string(run.ModeHeadless), err == nil)
	if err != nil {
		closeOutput(spec)
		log.Warn("headless spawn failed", "error", err)
		return Launch{}, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	d.reg.SetHandle(runID, run.Handle{Proc: proc, Mode: run.ModeHeadless, StartedAt: at})
	d.launched(runID, cwd, run.ModeHeadless, proc.PID(), at)
	go d.observeExit(runID, proc)
	return Launch{Launched: true, Mode: run.ModeHeadless, PID: proc.PID(), At: at}, nil
}

// closeOutput releases worker output files a failed spawn never handed over.
func closeOutput(spec process.SpawnSpec) {
	for _, w := range []io.Writer{spec.Stdout, spec.Stderr} {
		if c, ok := w.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// launched records a new worker in the launch log, the health watch and
// for subscribers.
func (d *Dispatcher) launched(runID, cwd string, mode run.Mode, pid int, at time.Time) {
	d.logger.Info("worker launched", "run", runID, "mode", mode, "pid", pid, "cwd", cwd)
	if err := d.runs.Append(history.Launch{RunID: runID, WorkspaceRoot: cwd, PID: pid, Mode: string(mode), StartedAt: at.UTC()}); err != nil {
		d.logger.Debug("run log append failed", "run", runID, "error", err)
	}
	d.reg.Track(run.Tracked{RunID: runID, WorkspaceRoot: cwd, Mode: mode, Since: at})
	if d.watcher != nil {
		d.watcher.Ensure()
	}
	d.bus.Publish(run.Event{Kind: run.EventLaunched, RunID: runID, PID: pid, Mode: mode})
	d.export.Emit(history.Event{Type: history.EventLaunch, Record: history.Record{
		RunID: runID, PID: pid, WorkspaceRoot: cwd, Mode: string(mode),
	}})
}

// observeExit waits for a headless worker to exit and clears its handle.
func (d *Dispatcher) observeExit(runID string, proc run.Process) {
	<-proc.Done()
	pid := proc.PID()
	if !d.reg.ClearHandle(runID, pid) {
		return
	}
	var exitErr error
	if c, ok := proc.(interface{ ExitErr() error }); ok {
		exitErr = c.ExitErr()
	}
	d.logger.Info("worker process exited", "run", runID, "pid", pid, "error", exitErr)
	e := run.Event{Kind: run.EventExited, RunID: runID, PID: pid, Mode: run.ModeHeadless, State: status.StateExited}
	if exitErr != nil {
		e.Message = exitErr.Error()
	}
	d.bus.Publish(e)
	d.export.Emit(history.Event{Type: history.EventExit, Record: history.Record{
		RunID: runID, PID: pid, Mode: string(run.ModeHeadless), State: string(status.StateExited), Message: e.Message,
	}})
}

// legacyAlive reports whether the launch log names a live worker for runID.
func (d *Dispatcher) legacyAlive(runID string) bool {
	l, ok := d.runs.Latest(runID)
	return ok && l.PID > 0 && process.IsAlive(l.PID) && !process.StartedAfter(l.PID, l.StartedAt)
}

// resolveCwd picks the workspace: explicit override, the last workspace in
// the launch log, then the supervisor's own directory.
func (d *Dispatcher) resolveCwd(runID, override string) string {
	if override != "" {
		return override
	}
	if l, ok := d.runs.Latest(runID); ok && l.WorkspaceRoot != "" {
		return l.WorkspaceRoot
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
