// Package history exports worker lifecycle and deploy events to external
// stores for auditing. Sinks are write-only; the running supervisor never
// reads them back.
package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of event.
type EventType string

const (
	EventStart  EventType = "start"
	EventStop   EventType = "stop"
	EventCrash  EventType = "crash"
	EventDeploy EventType = "deploy"
)

// Record is the flat payload shared by every event type. Worker events fill
// the worker fields, deploy events the attempt fields.
type Record struct {
	Name     string `json:"name,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Status   string `json:"status"`
	Restarts int    `json:"restarts,omitempty"`

	AttemptID string `json:"attempt_id,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Commit    string `json:"commit,omitempty"`

	Error string `json:"error,omitempty"`
}

// Event represents one exported event.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SendTimeout bounds a single Send made by Publish.
const SendTimeout = 5 * time.Second

// Publish sends e to every sink. Failures are logged and otherwise ignored:
// history must never block or fail supervision.
func Publish(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) {
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, SendTimeout)
		if err := s.Send(sctx, e); err != nil && log != nil {
			log.Warn("history sink failed", "type", e.Type, "name", e.Record.Name, "error", err)
		}
		cancel()
	}
}

// CloseAll closes every sink that holds resources.
func CloseAll(sinks []Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
