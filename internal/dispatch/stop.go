package dispatch

import (
	"context"
	"slices"

	"github.com/loykin/chatvisor/internal/history"
	"github.com/loykin/chatvisor/internal/process"
	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
	"github.com/loykin/chatvisor/internal/terminal"
)

const stoppedMessage = "stopped by supervisor"

// Stop interrupts runID. A soft stop asks the worker through its control
// log; a hard stop kills the worker's process tree and records it exited.
func (d *Dispatcher) Stop(ctx context.Context, runID string, hard bool) error {
	if err := session.ValidateRunID(runID); err != nil {
		return err
	}
	unlock := d.reg.Lock(runID)
	defer unlock()

	if !hard {
		if err := d.control.AppendStop(runID); err != nil {
			return err
		}
		d.logger.Info("stop requested", "run", runID)
		d.export.Emit(history.Event{Type: history.EventStop, Record: history.Record{RunID: runID}})
		return nil
	}

	rec, hasStatus := d.status.Read(runID)
	roots := d.rootPIDs(runID, rec, hasStatus)
	if len(roots) > 0 {
		for _, err := range process.TerminateTree(ctx, roots, d.opts.KillGrace) {
			d.logger.Debug("terminate", "run", runID, "error", err)
		}
	}
	d.reg.ClearPending(runID)

	if !hasStatus || rec.State != status.StateExited {
		res := status.WriteRecord(d.status.Path(runID), status.Record{
			RunID: runID, PID: rec.PID, State: status.StateExited, CurrentMessage: stoppedMessage,
		})
		if res.Err != nil {
			d.logger.Debug("status write failed", "run", runID, "error", res.Err)
		}
	}
	if err := terminal.Cleanup(d.layout.TerminalsDir(), runID); err != nil {
		d.logger.Debug("launch script cleanup failed", "run", runID, "error", err)
	}
	d.logger.Info("run killed", "run", runID, "pids", roots)
	d.bus.Publish(run.Event{Kind: run.EventExited, RunID: runID, PID: rec.PID, State: status.StateExited, Message: stoppedMessage})
	d.export.Emit(history.Event{Type: history.EventStop, Record: history.Record{
		RunID: runID, PID: rec.PID, State: string(status.StateExited), Message: stoppedMessage,
	}})
	return nil
}

// rootPIDs collects every pid that may be this run's worker: the headless
// handle, the status pid and the launch log pid. Pids that were recycled
// since they were recorded are left alone.
func (d *Dispatcher) rootPIDs(runID string, rec status.Record, hasStatus bool) []int {
	var roots []int
	add := func(pid int) {
		if pid > 0 && !slices.Contains(roots, pid) {
			roots = append(roots, pid)
		}
	}
	if h, ok := d.reg.LiveHandle(runID); ok {
		add(h.Proc.PID())
	}
	if hasStatus && process.IsAlive(rec.PID) && !process.StartedAfter(rec.PID, rec.UpdatedAt) {
		add(rec.PID)
	}
	if l, ok := d.runs.Latest(runID); ok && process.IsAlive(l.PID) && !process.StartedAfter(l.PID, l.StartedAt) {
		add(l.PID)
	}
	return roots
}
