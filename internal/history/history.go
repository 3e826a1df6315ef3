package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of stream lifecycle event.
type EventType string

const (
	EventStarted         EventType = "stream_started"
	EventResumed         EventType = "stream_resumed"
	EventRestarted       EventType = "capture_restarted"
	EventEnded           EventType = "stream_ended"
	EventFailed          EventType = "stream_failed"
	EventReportScheduled EventType = "report_scheduled"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	TenantID   string    `json:"tenant_id"`
	StreamID   string    `json:"stream_id"`
	RoomID     string    `json:"room_id"`
	AccountID  string    `json:"account_id"`
	Reason     string    `json:"reason,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Broadcast sends e to every sink, logging failures; history delivery is
// best-effort and never blocks a lifecycle transition.
func Broadcast(ctx context.Context, sinks []Sink, e Event) {
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink send failed", "type", string(e.Type), "stream", e.StreamID, "err", err)
		}
	}
}
