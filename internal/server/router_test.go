package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/silvermint/livecap/internal/jobs"
	"github.com/silvermint/livecap/internal/registry/sqlite"
	"github.com/silvermint/livecap/internal/stream"
)

func newTestRouter(t *testing.T) (*Router, *sqlite.DB) {
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
	return NewRouter(db, nil, q, "/api"), db
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doReq(t, r.Handler(), http.MethodGet, "/api/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status %d", w.Code)
	}
}

func TestStreamsEndpoints(t *testing.T) {
	r, db := newTestRouter(t)
	h := r.Handler()
	ctx := context.Background()

	a := stream.NewCapturing("acme", "room-1", "acct-1", "", time.Now().Add(-time.Minute))
	b := stream.NewCapturing("acme", "room-2", "acct-2", "", time.Now())
	for _, st := range []stream.Stream{a, b} {
		if _, _, err := db.CreateCapturing(ctx, st); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := db.EndStream(ctx, a.ID, stream.StatusEnded, time.Now()); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Tenant is mandatory.
	if w := doReq(t, h, http.MethodGet, "/api/streams"); w.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant: status %d", w.Code)
	}

	w := doReq(t, h, http.MethodGet, "/api/streams?tenant=acme")
	if w.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", w.Code, w.Body.String())
	}
	var all []stream.Stream
	if err := json.Unmarshal(w.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(all))
	}

	w = doReq(t, h, http.MethodGet, "/api/streams/capturing?tenant=acme")
	var capturing []stream.Stream
	if err := json.Unmarshal(w.Body.Bytes(), &capturing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(capturing) != 1 || capturing[0].ID != b.ID {
		t.Fatalf("unexpected capturing: %+v", capturing)
	}

	w = doReq(t, h, http.MethodGet, "/api/streams/"+a.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("get status %d", w.Code)
	}
	var got stream.Stream
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != a.ID || got.Status != stream.StatusEnded {
		t.Fatalf("unexpected stream: %+v", got)
	}

	if w := doReq(t, h, http.MethodGet, "/api/streams/nope"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown stream: status %d", w.Code)
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	r, db := newTestRouter(t)
	h := r.Handler()
	ctx := context.Background()

	st := stream.NewCapturing("acme", "room-1", "acct-1", "", time.Now())
	if _, _, err := db.CreateCapturing(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}

	if w := doReq(t, h, http.MethodGet, "/api/streams/"+st.ID+"/heartbeat"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before heartbeats, got %d", w.Code)
	}

	if err := db.AddHeartbeat(ctx, stream.Heartbeat{StreamID: st.ID, RecordedAt: time.Now(), EventsSeen: 4, ViewerCount: 11}); err != nil {
		t.Fatalf("add heartbeat: %v", err)
	}
	w := doReq(t, h, http.MethodGet, "/api/streams/"+st.ID+"/heartbeat")
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat status %d", w.Code)
	}
	var hb stream.Heartbeat
	if err := json.Unmarshal(w.Body.Bytes(), &hb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hb.EventsSeen != 4 || hb.ViewerCount != 11 {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}
}

func TestStatusEndpoint(t *testing.T) {
	r, db := newTestRouter(t)
	h := r.Handler()
	ctx := context.Background()

	st := stream.NewCapturing("acme", "room-1", "acct-1", "", time.Now())
	if _, _, err := db.CreateCapturing(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}

	w := doReq(t, h, http.MethodGet, "/api/status?tenant=acme")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp statusResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Capturing != 1 {
		t.Fatalf("expected 1 capturing, got %d", resp.Capturing)
	}
}

func TestDebugTickWithoutOrchestrator(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := doReq(t, r.Handler(), http.MethodPost, "/api/debug/tick"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without orchestrator, got %d", w.Code)
	}
}
