package dispatch

import "errors"

var (
	// ErrEmptyText is returned when a dispatch carries no message.
	ErrEmptyText = errors.New("dispatch: empty text")
	// ErrLaunchFailed means neither launch strategy could start a worker.
	ErrLaunchFailed = errors.New("dispatch: worker launch failed")
)

// Reason classifies a rejected dispatch.
type Reason string

const (
	ReasonBusy      Reason = "busy"
	ReasonNotReady  Reason = "not_ready"
	ReasonUnmanaged Reason = "unmanaged"
)

// Outcome is the result reported to the caller of Dispatch. Expected
// failures (busy, not ready, unmanaged) are outcomes, not errors.
type Outcome struct {
	OK             bool   `json:"ok"`
	RunID          string `json:"runId"`
	Created        bool   `json:"created"`
	Reason         Reason `json:"reason,omitempty"`
	Message        string `json:"message,omitempty"`
	CurrentMessage string `json:"currentMessage,omitempty"`
}

func (o Outcome) label() string {
	if o.OK {
		return "ok"
	}
	return string(o.Reason)
}

func accepted(runID string, created bool) Outcome {
	return Outcome{OK: true, RunID: runID, Created: created}
}

func rejected(runID string, created bool, reason Reason, msg string) Outcome {
	return Outcome{RunID: runID, Created: created, Reason: reason, Message: msg}
}
