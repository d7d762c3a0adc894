package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Launch is one runs.jsonl line: a worker started for a run.
type Launch struct {
	RunID         string    `json:"runId"`
	WorkspaceRoot string    `json:"workspaceRoot"`
	PID           int       `json:"pid"`
	Mode          string    `json:"mode,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
}

// RunLog is the append-only launch log of a session. Older writers used
// other field names, so reads go through gjson rather than a struct.
type RunLog struct {
	path string
	mu   sync.Mutex
}

// NewRunLog returns the log stored at path.
func NewRunLog(path string) *RunLog { return &RunLog{path: path} }

// Path returns the log file location.
func (l *RunLog) Path() string { return l.path }

// Append records a launch.
func (l *RunLog) Append(e Launch) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: encode launch: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("history: create session dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("history: open run log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("history: append run log: %w", err)
	}
	return f.Close()
}

var (
	runIDKeys     = []string{"runId", "run_id", "id"}
	workspaceKeys = []string{"workspaceRoot", "workspace_root", "cwd", "workspace"}
	pidKeys       = []string{"pid", "processId", "process_id"}
	modeKeys      = []string{"mode", "launchMode"}
	startedKeys   = []string{"startedAt", "started_at", "ts"}
)

func first(line []byte, keys []string) gjson.Result {
	for _, r := range gjson.GetManyBytes(line, keys...) {
		if r.Exists() && r.String() != "" {
			return r
		}
	}
	return gjson.Result{}
}

func parseLaunch(line []byte) (Launch, bool) {
	if !gjson.ValidBytes(line) {
		return Launch{}, false
	}
	id := first(line, runIDKeys).String()
	if id == "" {
		return Launch{}, false
	}
	e := Launch{
		RunID:         id,
		WorkspaceRoot: first(line, workspaceKeys).String(),
		PID:           int(first(line, pidKeys).Int()),
		Mode:          first(line, modeKeys).String(),
	}
	if ts := first(line, startedKeys); ts.Exists() {
		if ts.Type == gjson.Number {
			e.StartedAt = time.UnixMilli(ts.Int()).UTC()
		} else {
			e.StartedAt = ts.Time()
		}
	}
	return e, true
}

// Latest returns the most recent launch of runID. Missing or unreadable
// logs and malformed lines are treated as absent.
func (l *RunLog) Latest(runID string) (Launch, bool) {
	var out Launch
	found := false
	_ = l.scan(func(e Launch) {
		if e.RunID != runID {
			return
		}
		out = merge(out, e)
		found = true
	})
	return out, found
}

// All returns the latest launch of every run in the log, in first-seen order.
func (l *RunLog) All() ([]Launch, error) {
	idx := map[string]int{}
	var out []Launch
	err := l.scan(func(e Launch) {
		if i, ok := idx[e.RunID]; ok {
			out[i] = merge(out[i], e)
			return
		}
		idx[e.RunID] = len(out)
		out = append(out, e)
	})
	return out, err
}

// merge replaces prev with next. A launch is a whole record: its pid, mode
// and start time belong together, so only the workspace carries over from
// earlier entries that lack one.
func merge(prev, next Launch) Launch {
	if next.WorkspaceRoot == "" {
		next.WorkspaceRoot = prev.WorkspaceRoot
	}
	return next
}

func (l *RunLog) scan(fn func(Launch)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: open run log: %w", err)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if e, ok := parseLaunch(sc.Bytes()); ok {
			fn(e)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("history: scan run log: %w", err)
	}
	return nil
}
