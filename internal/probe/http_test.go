package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProberDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("account"); got != "acct-1" {
			t.Errorf("unexpected account param %q", got)
		}
		_ = json.NewEncoder(w).Encode(Result{Live: true, RoomID: "room-1", Title: "hello", ViewerCount: 42})
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL, 0)
	res, err := p.Probe(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !res.Live || res.RoomID != "room-1" || res.ViewerCount != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTPProberRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL, 0)
	if _, err := p.Probe(context.Background(), "acct-1"); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestFuncAdapter(t *testing.T) {
	p := Func(func(ctx context.Context, accountID string) (Result, error) {
		return Result{Live: true, RoomID: accountID + "-room"}, nil
	})
	res, err := p.Probe(context.Background(), "x")
	if err != nil || res.RoomID != "x-room" {
		t.Fatalf("unexpected: %+v err=%v", res, err)
	}
}
