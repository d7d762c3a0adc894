package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/chatvisor/internal/session"
)

// Log appends entries to the control logs of a session. Appends to one
// file are serialized, so entries land in call order.
type Log struct {
	layout session.Layout
	now    func() time.Time

	mu    sync.Mutex
	files map[string]*fileLock
}

// fileLock serializes appends to one file while anyone needs it.
type fileLock struct {
	mu   sync.Mutex
	refs int
}

// NewLog returns a Log writing under layout.
func NewLog(layout session.Layout) *Log {
	return &Log{layout: layout, now: time.Now, files: make(map[string]*fileLock)}
}

// Path returns the control log of runID.
func (l *Log) Path(runID string) string { return l.layout.ControlFile(runID) }

// AppendMessage appends a message entry carrying text.
func (l *Log) AppendMessage(runID, text string) error {
	return l.Append(runID, Entry{Type: TypeMessage, Text: text})
}

// AppendStop appends a stop entry.
func (l *Log) AppendStop(runID string) error {
	return l.Append(runID, Entry{Type: TypeStop})
}

// Append writes e as one JSON line. A zero TS is stamped with the current time.
func (l *Log) Append(runID string, e Entry) error {
	if err := session.ValidateRunID(runID); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.TS.IsZero() {
		e.TS = l.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("control: encode entry: %w", err)
	}
	data = append(data, '\n')

	path := l.Path(runID)
	defer l.lock(path)()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("control: create run dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("control: open log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("control: append: %w", err)
	}
	return f.Close()
}

// lock takes the append lock of path and returns its release.
func (l *Log) lock(path string) func() {
	l.mu.Lock()
	fl, ok := l.files[path]
	if !ok {
		fl = &fileLock{}
		l.files[path] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		l.mu.Lock()
		if fl.refs--; fl.refs == 0 {
			delete(l.files, path)
		}
		l.mu.Unlock()
	}
}
