// Package staleness decides whether a capturing stream is still alive based
// on its age and the freshness of its worker heartbeats.
package staleness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/silvermint/livecap/internal/registry"
	"github.com/silvermint/livecap/internal/stream"
)

const (
	// DefaultGrace covers captures too young to have emitted a heartbeat.
	DefaultGrace = 2 * time.Minute
	// DefaultFreshness is about six missed heartbeat intervals at a 30s
	// cadence, comfortably beyond normal jitter.
	DefaultFreshness = 3 * time.Minute
)

// Detector classifies capturing streams as healthy or stale.
type Detector struct {
	reg       registry.Registry
	grace     time.Duration
	freshness time.Duration
	now       func() time.Time
}

func New(reg registry.Registry, grace, freshness time.Duration) *Detector {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Detector{reg: reg, grace: grace, freshness: freshness, now: time.Now}
}

// Healthy reports whether st's capture is presumed alive: either the stream
// started less than the grace period ago, or its latest heartbeat falls
// inside the freshness window. A stream failing both checks is stale.
func (d *Detector) Healthy(ctx context.Context, st stream.Stream) (bool, error) {
	now := d.now()
	if now.Sub(st.StartedAt) < d.grace {
		return true, nil
	}
	hb, err := d.reg.LatestHeartbeat(ctx, st.ID)
	if errors.Is(err, registry.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("latest heartbeat for %s: %w", st.ID, err)
	}
	return now.Sub(hb.RecordedAt) <= d.freshness, nil
}
