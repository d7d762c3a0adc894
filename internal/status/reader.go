package status

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/chatvisor/internal/session"
)

// DefaultPollInterval backs up fsnotify, which can miss events on network
// filesystems and is unavailable on some platforms.
const DefaultPollInterval = 200 * time.Millisecond

// Reader is the supervisor-side view of status files.
type Reader struct {
	layout session.Layout
	poll   time.Duration
	logger *slog.Logger
}

// NewReader returns a Reader for layout.
func NewReader(layout session.Layout, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{layout: layout, poll: DefaultPollInterval, logger: logger}
}

// SetPollInterval overrides the polling fallback interval.
func (r *Reader) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.poll = d
	}
}

// Path returns the status file of runID.
func (r *Reader) Path(runID string) string { return r.layout.StatusFile(runID) }

// Read returns the current record of runID, or false if there is none.
func (r *Reader) Read(runID string) (Record, bool) {
	return ReadFile(r.layout.StatusFile(runID))
}

// Wait blocks until runID has a record updated no earlier than since, the
// timeout elapses, or ctx is done. A zero since accepts any record.
func (r *Reader) Wait(ctx context.Context, runID string, timeout time.Duration, since time.Time) (Record, bool) {
	check := func() (Record, bool) {
		rec, ok := r.Read(runID)
		if !ok || rec.UpdatedAt.Before(since) {
			return Record{}, false
		}
		return rec, true
	}
	if rec, ok := check(); ok {
		return rec, true
	}
	if timeout <= 0 {
		return Record{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, errs, closeWatch := r.watch(r.layout.RunDir(runID))
	defer closeWatch()

	tick := time.NewTicker(r.poll)
	defer tick.Stop()
	want := filepath.Base(r.layout.StatusFile(runID))
	for {
		select {
		case <-ctx.Done():
			return check()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != want || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.Debug("status watcher error", "run", runID, "error", err)
			continue
		case <-tick.C:
		}
		if rec, ok := check(); ok {
			return rec, true
		}
	}
}

// watch sets up an fsnotify watch on dir (creating it first, since workers
// may not have written anything yet). On failure the returned channels are
// nil and Wait falls back to polling.
func (r *Reader) watch(dir string) (<-chan fsnotify.Event, <-chan error, func()) {
	noop := func() {}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		r.logger.Debug("status dir unavailable, polling", "dir", dir, "error", err)
		return nil, nil, noop
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Debug("fsnotify unavailable, polling", "error", err)
		return nil, nil, noop
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		r.logger.Debug("status watch failed, polling", "dir", dir, "error", err)
		return nil, nil, noop
	}
	return w.Events, w.Errors, func() { _ = w.Close() }
}
