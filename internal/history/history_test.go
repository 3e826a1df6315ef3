package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memSink struct {
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestBroadcastDeliversToAllSinks(t *testing.T) {
	a := &memSink{}
	b := &memSink{}
	e := Event{Type: EventStarted, OccurredAt: time.Now(), TenantID: "acme", StreamID: "s1"}

	Broadcast(context.Background(), []Sink{a, b}, e)

	for name, s := range map[string]*memSink{"a": a, "b": b} {
		if len(s.events) != 1 || s.events[0].StreamID != "s1" {
			t.Fatalf("%s: event not delivered: %+v", name, s.events)
		}
	}
}

func TestBroadcastToleratesFailingSink(t *testing.T) {
	bad := &memSink{err: errors.New("sink down")}
	good := &memSink{}

	Broadcast(context.Background(), []Sink{bad, good}, Event{Type: EventEnded, StreamID: "s1"})

	if len(good.events) != 1 {
		t.Fatal("failing sink blocked delivery to the healthy one")
	}
}

func TestBroadcastWithNoSinksIsNoop(t *testing.T) {
	Broadcast(context.Background(), nil, Event{Type: EventResumed})
}
