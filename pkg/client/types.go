package client

import "time"

// DispatchRequest asks the supervisor to deliver Text to a run. An empty
// RunID creates a new run.
type DispatchRequest struct {
	Text  string `json:"text"`
	RunID string `json:"runId,omitempty"`
	Force bool   `json:"force,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// Outcome is the supervisor's answer to a dispatch. Reason is one of
// busy, not_ready or unmanaged when OK is false.
type Outcome struct {
	OK             bool   `json:"ok"`
	RunID          string `json:"runId"`
	Created        bool   `json:"created"`
	Reason         string `json:"reason,omitempty"`
	Message        string `json:"message,omitempty"`
	CurrentMessage string `json:"currentMessage,omitempty"`
}

// Status is the record a worker last reported.
type Status struct {
	RunID          string    `json:"runId"`
	PID            int       `json:"pid"`
	State          string    `json:"state"`
	CurrentMessage string    `json:"currentMessage,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Run describes one run as the supervisor sees it.
type Run struct {
	RunID         string  `json:"runId"`
	Status        *Status `json:"status,omitempty"`
	Alive         bool    `json:"alive"`
	Pending       bool    `json:"pending"`
	Headless      bool    `json:"headless"`
	Tracked       bool    `json:"tracked"`
	WorkspaceRoot string  `json:"workspaceRoot,omitempty"`
}

// Event is a run lifecycle notification from the event stream.
type Event struct {
	Kind    string    `json:"kind"`
	RunID   string    `json:"runId"`
	PID     int       `json:"pid,omitempty"`
	Mode    string    `json:"mode,omitempty"`
	State   string    `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
