package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/chatvisor/internal/session"
)

const (
	// MaxCriticalAttempts bounds retries of running/exited writes.
	MaxCriticalAttempts = 3
	defaultBackoff      = 25 * time.Millisecond
)

// Result describes what a status write did. Err is informational: status
// writes never fail the caller, who logs it at debug level and moves on.
type Result struct {
	Written  bool
	Skipped  bool // identical to the previous write
	Attempts int
	Err      error
}

// writeFile is the single place status bytes hit the disk; tests count calls.
var writeFile = writeAtomic

// Writer is the worker-side status reporter for one run.
type Writer struct {
	path    string
	runID   string
	pid     int
	backoff time.Duration
	now     func() time.Time

	mu   sync.Mutex
	last []byte
}

// NewWriter returns a Writer reporting runID for the process pid.
func NewWriter(layout session.Layout, runID string, pid int) *Writer {
	return &Writer{
		path:    layout.StatusFile(runID),
		runID:   runID,
		pid:     pid,
		backoff: defaultBackoff,
		now:     time.Now,
	}
}

// Write records a state transition. A record identical to the previous one
// (ignoring the timestamp) is skipped.
func (w *Writer) Write(state State, currentMessage string) Result {
	rec := Record{RunID: w.runID, PID: w.pid, State: state, CurrentMessage: currentMessage}
	key, err := json.Marshal(rec)
	if err != nil {
		return Result{Err: fmt.Errorf("status: encode: %w", err)}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last != nil && bytes.Equal(w.last, key) {
		return Result{Skipped: true}
	}
	rec.UpdatedAt = w.now().UTC()
	res := writeRecord(w.path, rec, w.backoff)
	if res.Written {
		w.last = key
	}
	return res
}

// WriteRecord atomically replaces the status file at path with rec, retrying
// critical states. It is used by the supervisor to record crashes a dead
// worker can no longer report.
func WriteRecord(path string, rec Record) Result {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return writeRecord(path, rec, defaultBackoff)
}

func writeRecord(path string, rec Record, backoff time.Duration) Result {
	data, err := json.Marshal(rec)
	if err != nil {
		return Result{Err: fmt.Errorf("status: encode: %w", err)}
	}
	attempts := 1
	if rec.State.Critical() {
		attempts = MaxCriticalAttempts
	}
	var res Result
	for i := 1; i <= attempts; i++ {
		res.Attempts = i
		if err = writeFile(path, data); err == nil {
			res.Written = true
			res.Err = nil
			return res
		}
		res.Err = fmt.Errorf("status: write %s (attempt %d/%d): %w", path, i, attempts, err)
		if i < attempts {
			time.Sleep(backoff * time.Duration(i))
		}
	}
	return res
}

// writeAtomic writes data to a temp file next to path and renames it over
// path, so readers see either the old or the new record, never a torn one.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
