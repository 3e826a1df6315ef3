package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event is a bridge event re-keyed by stream id, so downstream consumers
// never see external account identifiers.
type Event struct {
	StreamID    string          `json:"stream_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ViewerCount int             `json:"viewer_count,omitempty"`
	At          time.Time       `json:"at"`
}

// Publisher forwards capture events to the downstream topic.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Memory is an in-process Publisher used for embedding and tests. It keeps
// the most recent events per stream up to a fixed cap.
type Memory struct {
	mu     sync.Mutex
	events map[string][]Event
	cap    int
}

// NewMemory creates a Memory publisher keeping up to cap events per stream
// (min 1, default 256).
func NewMemory(cap int) *Memory {
	if cap < 1 {
		cap = 256
	}
	return &Memory{events: make(map[string][]Event), cap: cap}
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := append(m.events[e.StreamID], e)
	if len(evs) > m.cap {
		evs = evs[len(evs)-m.cap:]
	}
	m.events[e.StreamID] = evs
	return nil
}

// Events returns a copy of the retained events for a stream.
func (m *Memory) Events(streamID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[streamID]...)
}

func (m *Memory) Close() error { return nil }
