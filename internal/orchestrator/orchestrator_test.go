package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/silvermint/livecap/internal/bridge"
	"github.com/silvermint/livecap/internal/history"
	"github.com/silvermint/livecap/internal/jobs"
	"github.com/silvermint/livecap/internal/probe"
	"github.com/silvermint/livecap/internal/registry/sqlite"
	"github.com/silvermint/livecap/internal/relay"
	"github.com/silvermint/livecap/internal/report"
	"github.com/silvermint/livecap/internal/staleness"
	"github.com/silvermint/livecap/internal/stream"
	"github.com/silvermint/livecap/internal/worker"
)

type fakeBridge struct{}

func (fakeBridge) Connect(context.Context, string) (bool, error) { return false, nil }
func (fakeBridge) Disconnect(context.Context, string) error      { return nil }

// fakeProber serves scripted results per account.
type fakeProber struct {
	mu      sync.Mutex
	results map[string]probe.Result
	errs    map[string]error
}

func newFakeProber() *fakeProber {
	return &fakeProber{results: make(map[string]probe.Result), errs: make(map[string]error)}
}

func (p *fakeProber) set(account string, r probe.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[account] = r
	delete(p.errs, account)
}

func (p *fakeProber) fail(account string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[account] = err
}

func (p *fakeProber) Probe(_ context.Context, account string) (probe.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[account]; err != nil {
		return probe.Result{}, err
	}
	return p.results[account], nil
}

// recordSink captures history events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *recordSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordSink) count(typ history.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	db     *sqlite.DB
	prober *fakeProber
	queue  *jobs.Queue
	sink   *recordSink
	orc    *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	q := jobs.NewQueue()
	t.Cleanup(func() { q.Stop(time.Second) })

	prober := newFakeProber()
	sink := &recordSink{}
	stale := staleness.New(db, 0, 0)
	handoff := report.NewHandoff(db, q, nil, nil, time.Minute)
	tenants := []Tenant{{ID: "acme", Accounts: []string{"acct-1"}}}
	orc := New(db, prober, q, bridge.NewFeed(16), fakeBridge{}, relay.NewMemory(0),
		handoff, stale, []history.Sink{sink}, tenants, cfg)
	return &fixture{db: db, prober: prober, queue: q, sink: sink, orc: orc}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) mustActive(t *testing.T, room string) stream.Stream {
	t.Helper()
	st, err := f.db.FindActive(context.Background(), "acme", room)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	return st
}

func TestTickStartsCaptureForNewBroadcast(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1", ViewerCount: 5})
	f.orc.Tick(ctx)

	st := f.mustActive(t, "room-1")
	if st.AccountID != "acct-1" || st.Status != stream.StatusCapturing {
		t.Fatalf("unexpected stream: %+v", st)
	}
	if st.RawMetadata == "" {
		t.Fatal("probe metadata not persisted")
	}
	if f.queue.Len() == 0 {
		t.Fatal("no capture job enqueued")
	}
}

func TestTickIsIdempotentWhileHealthy(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)
	first := f.mustActive(t, "room-1")

	f.orc.Tick(ctx)
	f.orc.Tick(ctx)

	all, err := f.db.List(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != first.ID {
		t.Fatalf("repeated ticks changed the registry: %+v", all)
	}
}

func TestTickEndsCaptureWhenOffline(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)
	st := f.mustActive(t, "room-1")

	f.prober.set("acct-1", probe.Result{Live: false})
	f.orc.Tick(ctx)

	got, err := f.db.Get(ctx, st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != stream.StatusEnded || got.EndedAt == nil {
		t.Fatalf("stream not ended: %+v", got)
	}
	if got.ReportSentAt == nil {
		t.Fatal("offline end did not claim the report")
	}
}

func TestTickResumesRecentlyEndedStream(t *testing.T) {
	f := newFixture(t, Config{ResumeWindow: 10 * time.Minute})
	ctx := context.Background()

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)
	st := f.mustActive(t, "room-1")

	f.prober.set("acct-1", probe.Result{Live: false})
	f.orc.Tick(ctx)

	// Blip: back online inside the resume window.
	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)

	got := f.mustActive(t, "room-1")
	if got.ID != st.ID {
		t.Fatalf("expected resume of %s, got new stream %s", st.ID, got.ID)
	}
	if got.EndedAt != nil || got.ReportSentAt != nil {
		t.Fatalf("resume did not reset end state: %+v", got)
	}
}

func TestTickResumesLongGapSameSession(t *testing.T) {
	f := newFixture(t, Config{ResumeWindow: 10 * time.Minute, LongResumeWindow: 6 * time.Hour})
	ctx := context.Background()

	st := stream.NewCapturing("acme", "room-1", "acct-1", "", time.Now().Add(-time.Hour))
	if _, _, err := f.db.CreateCapturing(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Ended half an hour ago: outside the short window, inside the long one.
	if _, err := f.db.EndStream(ctx, st.ID, stream.StatusEnded, time.Now().Add(-30*time.Minute)); err != nil {
		t.Fatalf("end: %v", err)
	}

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)

	got := f.mustActive(t, "room-1")
	if got.ID != st.ID {
		t.Fatalf("expected long-gap resume of %s, got %s", st.ID, got.ID)
	}
}

func TestTickStartsFreshStreamAfterLongWindow(t *testing.T) {
	f := newFixture(t, Config{ResumeWindow: 10 * time.Minute, LongResumeWindow: time.Hour})
	ctx := context.Background()

	st := stream.NewCapturing("acme", "room-1", "acct-1", "", time.Now().Add(-3*time.Hour))
	if _, _, err := f.db.CreateCapturing(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.db.EndStream(ctx, st.ID, stream.StatusEnded, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("end: %v", err)
	}

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)

	got := f.mustActive(t, "room-1")
	if got.ID == st.ID {
		t.Fatal("expected a fresh stream, got a resume beyond the long window")
	}
}

func TestTickRestartsStaleCapture(t *testing.T) {
	// Zero heartbeats plus a 1ns grace makes every capture look stale.
	f := newFixture(t, Config{})
	f.orc.stale = staleness.New(f.db, time.Nanosecond, time.Nanosecond)
	ctx := context.Background()

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)
	st := f.mustActive(t, "room-1")

	time.Sleep(time.Millisecond)
	f.orc.Tick(ctx)

	// Same stream row, capture job re-enqueued (or still running).
	got := f.mustActive(t, "room-1")
	if got.ID != st.ID {
		t.Fatalf("restart must keep the stream row, got %s want %s", got.ID, st.ID)
	}
	key := worker.JobKey(st.ID)
	if !f.queue.Pending(key) && !f.queue.Running(key) {
		t.Fatal("no capture job held after restart")
	}
}

func TestRestartDeferredWhileWorkerRunning(t *testing.T) {
	f := newFixture(t, Config{})
	f.orc.stale = staleness.New(f.db, time.Nanosecond, time.Nanosecond)
	ctx := context.Background()

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)
	st := f.mustActive(t, "room-1")

	// Wait until the capture job has left pending; CancelPending can no
	// longer free the key, so the restart cannot enqueue a replacement.
	key := worker.JobKey(st.ID)
	waitFor(t, "capture job to start running", func() bool { return f.queue.Running(key) })

	time.Sleep(time.Millisecond)
	f.orc.Tick(ctx)

	if n := f.sink.count(history.EventRestarted); n != 0 {
		t.Fatalf("restart recorded while the worker was still running: %d events", n)
	}
	if !f.queue.Running(key) {
		t.Fatal("running worker lost its job key")
	}
}

func TestProbeErrorDoesNotMutateState(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.prober.set("acct-1", probe.Result{Live: true, RoomID: "room-1"})
	f.orc.Tick(ctx)
	st := f.mustActive(t, "room-1")

	f.prober.fail("acct-1", errors.New("upstream 500"))
	f.orc.Tick(ctx)

	got, err := f.db.Get(ctx, st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != stream.StatusCapturing {
		t.Fatalf("probe error changed stream state: %+v", got)
	}
}

func TestTickPurgesOldHeartbeats(t *testing.T) {
	f := newFixture(t, Config{HeartbeatRetention: time.Hour})
	ctx := context.Background()

	st := stream.NewCapturing("acme", "room-1", "acct-1", "", time.Now())
	if _, _, err := f.db.CreateCapturing(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.db.AddHeartbeat(ctx, stream.Heartbeat{StreamID: st.ID, RecordedAt: time.Now().Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("add heartbeat: %v", err)
	}

	f.prober.set("acct-1", probe.Result{Live: false})
	f.orc.Tick(ctx)

	if _, err := f.db.LatestHeartbeat(ctx, st.ID); err == nil {
		t.Fatal("expected old heartbeat to be purged")
	}
}
