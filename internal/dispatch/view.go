package dispatch

import (
	"os"
	"sort"

	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
)

// RunView is the supervisor's combined knowledge of one run.
type RunView struct {
	RunID         string         `json:"runId"`
	Status        *status.Record `json:"status,omitempty"`
	Alive         bool           `json:"alive"`
	Pending       bool           `json:"pending"`
	Headless      bool           `json:"headless"`
	Tracked       bool           `json:"tracked"`
	WorkspaceRoot string         `json:"workspaceRoot,omitempty"`
}

// View describes runID.
func (d *Dispatcher) View(runID string) (RunView, error) {
	if err := session.ValidateRunID(runID); err != nil {
		return RunView{}, err
	}
	v := RunView{RunID: runID, Pending: d.reg.Pending(runID)}
	if rec, ok := d.status.Read(runID); ok {
		v.Status = &rec
		v.Alive = d.alive(runID, rec)
	}
	if _, ok := d.reg.LiveHandle(runID); ok {
		v.Headless = true
		v.Alive = true
	}
	for _, t := range d.reg.Tracked() {
		if t.RunID == runID {
			v.Tracked = true
			v.WorkspaceRoot = t.WorkspaceRoot
		}
	}
	if v.WorkspaceRoot == "" {
		if l, ok := d.runs.Latest(runID); ok {
			v.WorkspaceRoot = l.WorkspaceRoot
		}
	}
	return v, nil
}

// List describes every run with a directory in the session or under watch.
func (d *Dispatcher) List() []RunView {
	ids := map[string]struct{}{}
	if entries, err := os.ReadDir(d.layout.RunsDir()); err == nil {
		for _, e := range entries {
			if e.IsDir() && session.ValidateRunID(e.Name()) == nil {
				ids[e.Name()] = struct{}{}
			}
		}
	}
	for _, t := range d.reg.Tracked() {
		ids[t.RunID] = struct{}{}
	}
	names := make([]string, 0, len(ids))
	for id := range ids {
		names = append(names, id)
	}
	sort.Strings(names)
	out := make([]RunView, 0, len(names))
	for _, id := range names {
		if v, err := d.View(id); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Registry returns the shared run registry.
func (d *Dispatcher) Registry() *run.Registry { return d.reg }

// Bus returns the event bus runs are published on.
func (d *Dispatcher) Bus() *run.Bus { return d.bus }

// Adopt tracks runs that a previous supervisor left alive so their health
// is watched again, and returns their ids.
func (d *Dispatcher) Adopt() []string {
	var ids []string
	for _, v := range d.List() {
		if v.Tracked || v.Status == nil || !v.Alive || v.Status.State == status.StateExited {
			continue
		}
		mode := run.ModeSystem
		if l, ok := d.runs.Latest(v.RunID); ok && l.Mode != "" {
			mode = run.Mode(l.Mode)
		}
		d.reg.Track(run.Tracked{RunID: v.RunID, WorkspaceRoot: v.WorkspaceRoot, Mode: mode, PID: v.Status.PID})
		ids = append(ids, v.RunID)
	}
	if len(ids) > 0 {
		d.logger.Info("adopted running workers", "runs", ids)
		if d.watcher != nil {
			d.watcher.Ensure()
		}
	}
	return ids
}
