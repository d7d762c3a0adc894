package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/chatvisor/internal/history"
	"github.com/loykin/chatvisor/internal/metrics"
	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
)

// Request is one message for a run. An empty RunID starts a new run.
type Request struct {
	Text  string   `json:"text"`
	RunID string   `json:"runId,omitempty"`
	Force bool     `json:"force,omitempty"`
	Cwd   string   `json:"cwd,omitempty"`
	Mode  run.Mode `json:"mode,omitempty"`
}

// Dispatch commits req.Text to the run's control log once a worker is
// ready. Only malformed requests return an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Outcome{}, ErrEmptyText
	}
	runID, created := req.RunID, false
	if runID == "" {
		runID, created = d.newID(), true
	}
	if err := session.ValidateRunID(runID); err != nil {
		return Outcome{}, err
	}

	unlock := d.reg.Lock(runID)
	defer unlock()

	out, err := d.dispatch(ctx, runID, created, req)
	if err != nil {
		return Outcome{}, err
	}
	metrics.IncDispatch(out.label())
	d.logger.Debug("dispatch", "run", runID, "ok", out.OK, "reason", out.Reason, "created", created)
	return out, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, runID string, created bool, req Request) (Outcome, error) {
	launch, err := d.ensure(ctx, runID, EnsureOptions{Cwd: req.Cwd, Mode: req.Mode})
	if err != nil {
		if errors.Is(err, ErrLaunchFailed) {
			return rejected(runID, created, ReasonNotReady,
				fmt.Sprintf("could not start a worker for run %s (%v); check the worker runtime and CLI path", runID, err)), nil
		}
		return Outcome{}, err
	}

	rec, ok := d.awaitStatus(ctx, runID, created, launch, req.Mode)
	if !ok {
		return d.noStatus(runID, created, launch, req.Mode), nil
	}
	d.reg.ClearPending(runID)

	if !d.alive(runID, rec) {
		return rejected(runID, created, ReasonNotReady,
			fmt.Sprintf("worker for run %s is not running; send again to start a new one", runID)), nil
	}

	if rec.Busy() {
		if !req.Force {
			o := rejected(runID, created, ReasonBusy,
				fmt.Sprintf("run %s is busy; wait for it to finish or resend with force to interrupt it", runID))
			o.CurrentMessage = rec.CurrentMessage
			return o, nil
		}
		if err := d.control.AppendStop(runID); err != nil {
			return Outcome{}, err
		}
		d.logger.Info("interrupting busy run", "run", runID, "current", rec.CurrentMessage)
	}
	if err := d.control.AppendMessage(runID, req.Text); err != nil {
		return Outcome{}, err
	}
	d.export.Emit(history.Event{Type: history.EventDispatch, Record: history.Record{
		RunID: runID, PID: rec.PID, State: string(rec.State), Message: req.Text,
	}})
	return accepted(runID, created), nil
}

// awaitStatus returns the run's status record, waiting for one to appear
// if needed. After a launch only records written since the launch count.
func (d *Dispatcher) awaitStatus(ctx context.Context, runID string, created bool, launch Launch, reqMode run.Mode) (status.Record, bool) {
	var since time.Time
	if launch.Launched {
		// workers outside Go may stamp with millisecond precision
		since = launch.At.Truncate(time.Millisecond)
	}
	if rec, ok := d.status.Read(runID); ok && !rec.UpdatedAt.Before(since) {
		return rec, true
	}

	mode := launch.Mode
	if mode == "" {
		mode = d.resolveMode(reqMode)
	}
	timeout := d.opts.ExistingTimeout
	if created {
		timeout = d.opts.HeadlessNewTimeout
		if mode == run.ModeSystem {
			timeout = d.opts.SystemNewTimeout
		}
	}

	start := d.now()
	rec, ok := d.wait(ctx, runID, timeout, since)
	if !ok && d.reg.Pending(runID) && ctx.Err() == nil {
		rec, ok = d.wait(ctx, runID, d.opts.PendingGrace, since)
	}
	metrics.ObserveReadinessWait(string(mode), ok, d.now().Sub(start).Seconds())
	return rec, ok
}

func (d *Dispatcher) resolveMode(m run.Mode) run.Mode {
	if m == "" || m == run.ModeAuto {
		m = d.opts.DefaultMode
	}
	return m.Resolve(d.opts.GOOS)
}

// noStatus builds the outcome for a run whose worker never reported.
func (d *Dispatcher) noStatus(runID string, created bool, launch Launch, reqMode run.Mode) Outcome {
	if d.legacyAlive(runID) {
		l, _ := d.runs.Latest(runID)
		if d.reg.Launched(runID) {
			return rejected(runID, created, ReasonNotReady,
				fmt.Sprintf("worker for run %s (pid %d) is still starting; try again shortly", runID, l.PID))
		}
		return rejected(runID, created, ReasonUnmanaged,
			fmt.Sprintf("run %s is served by pid %d, which does not report status; close its terminal and send again", runID, l.PID))
	}
	mode := launch.Mode
	if mode == "" {
		mode = d.resolveMode(reqMode)
	}
	if mode == run.ModeSystem {
		return rejected(runID, created, ReasonNotReady,
			fmt.Sprintf("worker for run %s did not report readiness; check that terminal windows can be opened, or set CHATVISOR_LAUNCH_MODE=headless", runID))
	}
	return rejected(runID, created, ReasonNotReady,
		fmt.Sprintf("worker for run %s did not report readiness; check the worker runtime and CLI path, or set CHATVISOR_LAUNCH_MODE=system to watch it start", runID))
}

// alive decides liveness from the status pid, falling back to the launch
// log for records without one.
func (d *Dispatcher) alive(runID string, rec status.Record) bool {
	if rec.PID > 0 {
		return status.Alive(rec)
	}
	return rec.State != status.StateExited && d.legacyAlive(runID)
}
