// Package history records run lifecycle: the session's runs.jsonl launch log
// and optional export of lifecycle events to analytics sinks.
package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch   EventType = "launch"
	EventExit     EventType = "exit"
	EventCrash    EventType = "crash"
	EventDispatch EventType = "dispatch"
	EventStop     EventType = "stop"
)

// Record is the run snapshot attached to an event.
type Record struct {
	RunID         string `json:"run_id"`
	PID           int    `json:"pid"`
	WorkspaceRoot string `json:"workspace_root,omitempty"`
	Mode          string `json:"mode,omitempty"`
	State         string `json:"state,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const sendTimeout = 5 * time.Second

// Exporter fans events out to sinks without blocking the caller.
type Exporter struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewExporter returns an Exporter for sinks. A nil logger uses slog.Default.
func NewExporter(logger *slog.Logger, sinks ...Sink) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{sinks: sinks, logger: logger}
}

// Emit sends e to every sink in the background. Sink failures are logged
// at debug level and otherwise dropped.
func (x *Exporter) Emit(e Event) {
	if x == nil || len(x.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range x.sinks {
		go func(s Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				x.logger.Debug("history sink send failed", "type", e.Type, "run", e.Record.RunID, "error", err)
			}
		}(s)
	}
}

// Close closes every sink that supports it.
func (x *Exporter) Close() error {
	if x == nil {
		return nil
	}
	var first error
	for _, s := range x.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
