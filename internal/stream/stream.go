package stream

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a capture session.
type Status string

const (
	StatusCapturing Status = "capturing"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state (ended_at must be set).
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Stream is the durable record of one capture attempt over a broadcast.
// At most one Stream per (TenantID, RoomID) may be capturing at a time;
// the registry enforces this with a uniqueness constraint, not application
// logic, because concurrent ticks and worker restarts can race.
type Stream struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	RoomID    string `json:"room_id"`
	AccountID string `json:"account_id"`

	Status    Status     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	PeakViewers  int        `json:"peak_viewers"`
	RawMetadata  string     `json:"raw_metadata,omitempty"`
	ReportSentAt *time.Time `json:"report_sent_at,omitempty"`
}

// NewCapturing builds a fresh capturing Stream for a detected broadcast.
func NewCapturing(tenantID, roomID, accountID, rawMetadata string, now time.Time) Stream {
	return Stream{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		RoomID:      roomID,
		AccountID:   accountID,
		Status:      StatusCapturing,
		StartedAt:   now.UTC(),
		RawMetadata: rawMetadata,
	}
}

// Heartbeat is one append-only statistics row persisted by a running capture
// worker. Its only consumer is the staleness check ("is this capture still
// receiving data"); rows are never updated after insert.
type Heartbeat struct {
	StreamID    string    `json:"stream_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	EventsSeen  int64     `json:"events_seen"`
	ViewerCount int       `json:"viewer_count"`
}
