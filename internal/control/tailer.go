package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultTailPoll = 250 * time.Millisecond

// Tailer reads a control log incrementally. It is used by workers and is
// not safe for concurrent use.
type Tailer struct {
	path   string
	offset int64
	poll   time.Duration
	logger *slog.Logger
}

// NewTailer returns a Tailer positioned at the start of the log at path.
func NewTailer(path string, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{path: path, poll: defaultTailPoll, logger: logger}
}

// Offset is the number of bytes consumed so far.
func (t *Tailer) Offset() int64 { return t.offset }

// SetOffset positions the tailer at offset, e.g. to resume after a restart.
func (t *Tailer) SetOffset(offset int64) {
	if offset < 0 {
		offset = 0
	}
	t.offset = offset
}

// Next returns the entries appended since the previous call. A trailing
// line without a newline is left for a later call.
func (t *Tailer) Next() ([]Entry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("control: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("control: stat log: %w", err)
	}
	if fi.Size() < t.offset {
		t.logger.Warn("control log shrank, rereading", "path", t.path, "offset", t.offset, "size", fi.Size())
		t.offset = 0
	}
	if fi.Size() == t.offset {
		return nil, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("control: seek log: %w", err)
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("control: read log: %w", err)
	}
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil, nil
	}
	out, err := readEntries(bytes.NewReader(buf[:end+1]))
	if err != nil {
		return nil, err
	}
	t.offset += int64(end + 1)
	return out, nil
}

// Follow calls fn for every entry, present and future, until ctx is done.
func (t *Tailer) Follow(ctx context.Context, fn func(Entry)) error {
	drain := func() error {
		entries, err := t.Next()
		for _, e := range entries {
			fn(e)
		}
		return err
	}
	if err := drain(); err != nil {
		return err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o750); err == nil {
		if w, err := fsnotify.NewWatcher(); err == nil {
			defer func() { _ = w.Close() }()
			if err := w.Add(dir); err == nil {
				events, errs = w.Events, w.Errors
			} else {
				t.logger.Debug("control watch failed, polling", "dir", dir, "error", err)
			}
		}
	}

	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	name := filepath.Base(t.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.logger.Debug("control watcher error", "error", err)
			continue
		case <-tick.C:
		}
		if err := drain(); err != nil {
			t.logger.Debug("control read failed", "path", t.path, "error", err)
		}
	}
}
