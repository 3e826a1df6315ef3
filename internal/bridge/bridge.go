package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies translated bridge events.
type EventType string

const (
	EventGeneric      EventType = "generic"
	EventStreamEnded  EventType = "stream_ended"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
)

// Terminal reports whether the event ends the capture that receives it.
func (t EventType) Terminal() bool {
	switch t {
	case EventStreamEnded, EventDisconnected, EventError:
		return true
	}
	return false
}

// Event is one translated real-time event for an account's broadcast.
// ViewerCount is best-effort and zero when the bridge did not report one.
type Event struct {
	AccountID   string          `json:"account_id"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ViewerCount int             `json:"viewer_count,omitempty"`
	At          time.Time       `json:"at"`
}

// Bridge is the external real-time event source. Connect returning
// alreadyConnected=true is success, not an error.
type Bridge interface {
	Connect(ctx context.Context, accountID string) (alreadyConnected bool, err error)
	Disconnect(ctx context.Context, accountID string) error
}

// Feed is the single shared fan-out of bridge events. Every capture worker
// subscribes to the same feed and filters on its own account id. Publish never
// blocks: a subscriber whose buffer is full loses the event rather than
// stalling the pump (the worker's idle-timeout path covers the loss).
type Feed struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	buf  int
}

// NewFeed creates a feed with the given per-subscriber buffer (min 1).
func NewFeed(buf int) *Feed {
	if buf < 1 {
		buf = 1
	}
	return &Feed{subs: make(map[chan Event]struct{}), buf: buf}
}

// Subscribe registers a new event channel. The caller must Unsubscribe it.
func (f *Feed) Subscribe() chan Event {
	ch := make(chan Event, f.buf)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from the feed. Safe to call more than once.
func (f *Feed) Unsubscribe(ch chan Event) {
	f.mu.Lock()
	delete(f.subs, ch)
	f.mu.Unlock()
}

// Publish fans e out to all subscribers without blocking.
func (f *Feed) Publish(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
