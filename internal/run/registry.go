// Package run holds the supervisor's in-memory view of runs: launched
// worker handles, pending terminal launches, runs under health watch and
// the per-run dispatch locks.
package run

import (
	"sort"
	"sync"
	"time"

	"github.com/loykin/chatvisor/internal/status"
)

// Process is a launched worker the supervisor holds a handle to.
type Process interface {
	PID() int
	Done() <-chan struct{}
}

// Handle is the in-memory record of a headless worker.
type Handle struct {
	Proc      Process
	Mode      Mode
	StartedAt time.Time
}

func (h Handle) exited() bool {
	select {
	case <-h.Proc.Done():
		return true
	default:
		return false
	}
}

// Tracked is a run under health watch.
type Tracked struct {
	RunID         string
	WorkspaceRoot string
	Mode          Mode
	Since         time.Time
	PID           int
	State         status.State
	Message       string
	Seen          bool // a status record has been observed
}

// runLock is a per-run mutex shared by everyone holding or waiting on it.
type runLock struct {
	mu   sync.Mutex
	refs int
}

// Registry is the only shared mutable state of the supervisor.
type Registry struct {
	mu       sync.Mutex
	locks    map[string]*runLock
	handles  map[string]Handle
	pending  map[string]time.Time
	tracked  map[string]*Tracked
	launched map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		locks:    make(map[string]*runLock),
		handles:  make(map[string]Handle),
		pending:  make(map[string]time.Time),
		tracked:  make(map[string]*Tracked),
		launched: make(map[string]bool),
	}
}

// Lock serializes dispatch work on runID and returns the unlock function.
// The lock is dropped from the registry once nobody holds or awaits it.
func (r *Registry) Lock(runID string) func() {
	l := r.acquire(runID)
	l.mu.Lock()
	return r.unlocker(runID, l)
}

// TryLock is Lock without waiting; ok is false while runID is locked.
func (r *Registry) TryLock(runID string) (unlock func(), ok bool) {
	l := r.acquire(runID)
	if !l.mu.TryLock() {
		r.release(runID, l)
		return nil, false
	}
	return r.unlocker(runID, l), true
}

func (r *Registry) acquire(runID string) *runLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[runID]
	if !ok {
		l = &runLock{}
		r.locks[runID] = l
	}
	l.refs++
	return l
}

func (r *Registry) release(runID string, l *runLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(r.locks, runID)
	}
}

func (r *Registry) unlocker(runID string, l *runLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			r.release(runID, l)
		})
	}
}

// lockCount is the number of per-run locks currently held or awaited.
func (r *Registry) lockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// SetHandle records a headless worker for runID.
func (r *Registry) SetHandle(runID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[runID] = h
	r.launched[runID] = true
}

// LiveHandle returns the handle of runID if its process has not exited.
func (r *Registry) LiveHandle(runID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	if !ok || h.exited() {
		return Handle{}, false
	}
	return h, true
}

// ClearHandle drops the handle of runID if it still belongs to pid, so a
// late exit of an old worker cannot erase its replacement.
func (r *Registry) ClearHandle(runID string, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	if !ok || h.Proc.PID() != pid {
		return false
	}
	delete(r.handles, runID)
	return true
}

// MarkPending notes a system terminal launch accepted at `at`.
func (r *Registry) MarkPending(runID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[runID] = at
	r.launched[runID] = true
}

// Pending reports whether a terminal launch for runID awaits its first status.
func (r *Registry) Pending(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[runID]
	return ok
}

func (r *Registry) ClearPending(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, runID)
}

// ExpirePending drops pending launches older than ttl and returns their ids.
func (r *Registry) ExpirePending(ttl time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, at := range r.pending {
		if now.Sub(at) > ttl {
			delete(r.pending, id)
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Launched reports whether this supervisor started a worker for runID.
func (r *Registry) Launched(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launched[runID]
}

// Track puts runID under health watch, keeping any state already observed.
func (r *Registry) Track(t Tracked) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tracked[t.RunID]; ok {
		cur.WorkspaceRoot = t.WorkspaceRoot
		cur.Mode = t.Mode
		cur.Since = t.Since
		return
	}
	cp := t
	r.tracked[t.RunID] = &cp
}

func (r *Registry) Untrack(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, runID)
}

// UntrackIf untracks runID only if it is still watched since the given
// launch time, so a relaunch in between keeps its watch.
func (r *Registry) UntrackIf(runID string, since time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracked[runID]
	if !ok || !t.Since.Equal(since) {
		return false
	}
	delete(r.tracked, runID)
	return true
}

// Observe stores the latest status of a tracked run and reports whether
// state or message changed. Untracked runs are ignored.
func (r *Registry) Observe(runID string, rec status.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracked[runID]
	if !ok {
		return false
	}
	changed := !t.Seen || t.State != rec.State || t.Message != rec.CurrentMessage
	t.Seen = true
	t.PID = rec.PID
	t.State = rec.State
	t.Message = rec.CurrentMessage
	return changed
}

// Tracked returns a snapshot of the watched runs ordered by id.
func (r *Registry) Tracked() []Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tracked, 0, len(r.tracked))
	for _, t := range r.tracked {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

func (r *Registry) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}
