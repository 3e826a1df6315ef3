package probe

import "context"

// Result is one liveness answer for a monitored account. RoomID is opaque and
// only meaningful while Live is true; Title and ViewerCount are best-effort
// metadata captured at probe time.
type Result struct {
	Live        bool   `json:"live"`
	RoomID      string `json:"room_id,omitempty"`
	Title       string `json:"title,omitempty"`
	ViewerCount int    `json:"viewer_count,omitempty"`
}

// Prober answers "is this account broadcasting right now". Implementations
// wrap whatever third-party liveness endpoint the platform offers; a probe
// error is informational and must never mutate orchestrator state.
type Prober interface {
	Probe(ctx context.Context, accountID string) (Result, error)
}

// Func adapts a plain function to the Prober interface.
type Func func(ctx context.Context, accountID string) (Result, error)

func (f Func) Probe(ctx context.Context, accountID string) (Result, error) {
	return f(ctx, accountID)
}
