package relay

import (
	"context"
	"strconv"
	"testing"
)

func TestMemoryKeepsPerStreamHistory(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Publish(ctx, Event{StreamID: "s1", Type: "generic", ViewerCount: i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := m.Publish(ctx, Event{StreamID: "s2", Type: "stream_ended"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := m.Events("s1"); len(got) != 3 {
		t.Fatalf("expected 3 events for s1, got %d", len(got))
	}
	if got := m.Events("s2"); len(got) != 1 || got[0].Type != "stream_ended" {
		t.Fatalf("unexpected events for s2: %+v", got)
	}
	if got := m.Events("missing"); len(got) != 0 {
		t.Fatalf("expected no events for unknown stream, got %d", len(got))
	}
}

func TestMemoryCapsRetainedEvents(t *testing.T) {
	m := NewMemory(5)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_ = m.Publish(ctx, Event{StreamID: "s1", Type: strconv.Itoa(i)})
	}
	got := m.Events("s1")
	if len(got) != 5 {
		t.Fatalf("expected cap of 5, got %d", len(got))
	}
	if got[0].Type != "7" || got[4].Type != "11" {
		t.Fatalf("expected newest events kept, got %+v", got)
	}
}
