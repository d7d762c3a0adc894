// Package status implements the worker -> supervisor half of the file
// protocol: one JSON record per run, overwritten on every state change.
package status

import (
	"encoding/json"
	"os"
	"time"

	"github.com/loykin/chatvisor/internal/process"
)

// State is the worker-reported lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateExited  State = "exited"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateRunning, StateExited:
		return true
	}
	return false
}

// Critical states are written with bounded retry because the supervisor's
// busy arbitration and crash detection depend on them.
func (s State) Critical() bool { return s == StateRunning || s == StateExited }

// Record is the last-known state of a run.
type Record struct {
	RunID          string    `json:"runId"`
	PID            int       `json:"pid"`
	State          State     `json:"state"`
	CurrentMessage string    `json:"currentMessage"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Busy reports whether the worker is processing a message.
func (r Record) Busy() bool { return r.State == StateRunning }

// Alive reports whether rec describes a worker that still exists: the state
// is not exited, the pid is alive, and the pid has not been recycled since
// the record was written. Status wins over pid: an exited record is dead
// even if some process now holds its pid.
func Alive(rec Record) bool {
	if rec.State == StateExited {
		return false
	}
	return process.IsAlive(rec.PID) && !process.StartedAfter(rec.PID, rec.UpdatedAt)
}

// ReadFile parses the status file at path. Missing, empty or unparsable
// files (including a record without a valid state) report false.
func ReadFile(path string) (Record, bool) {
	// #nosec G304
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false
	}
	if !rec.State.Valid() {
		return Record{}, false
	}
	return rec, true
}
