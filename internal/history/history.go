package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of tunnel event.
type EventType string

const (
	EventProcessStart     EventType = "process_start"
	EventProcessExit      EventType = "process_exit"
	EventURLDetected      EventType = "url_detected"
	EventNotified         EventType = "notified"
	EventNotifyFailed     EventType = "notify_failed"
	EventRestartExhausted EventType = "restart_exhausted"
)

// Event is one row of tunnel history exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	URL        string    `json:"url,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Sink.Send made through Emit.
const DefaultSendTimeout = 5 * time.Second

// Emit delivers e to every sink. History is best-effort: failures are logged
// and never returned.
func Emit(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) {
	EmitWithin(ctx, log, sinks, e, DefaultSendTimeout)
}

// EmitWithin is Emit with a per-sink deadline of d (DefaultSendTimeout when
// d <= 0). A sink that does not answer in time is logged like any other failure.
func EmitWithin(ctx context.Context, log *slog.Logger, sinks []Sink, e Event, d time.Duration) {
	if d <= 0 {
		d = DefaultSendTimeout
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, d)
		err := s.Send(sctx, e)
		cancel()
		if err != nil && log != nil {
			log.Warn("history sink failed", "event", string(e.Type), "timeout", d, "error", err)
		}
	}
}

// NullIfEmpty maps "" to SQL NULL.
func NullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
