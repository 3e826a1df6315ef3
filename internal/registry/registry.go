package registry

import (
	"context"
	"errors"
	"time"

	"github.com/silvermint/livecap/internal/stream"
)

// ErrNotFound is returned by lookups when no matching stream or heartbeat exists.
var ErrNotFound = errors.New("not found")

// Registry is the durable store of capture sessions and their heartbeats.
// All mutating operations are single-row compare-and-set; the boolean results
// (created/resumed/ended/claimed) are expected outcomes that callers must
// branch on, never errors. Losing a race means another process already did
// the work.
type Registry interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	// CreateCapturing inserts s as a capturing stream. If another process
	// already holds the capturing row for (tenant, room), the existing row is
	// returned with created=false.
	CreateCapturing(ctx context.Context, s stream.Stream) (out stream.Stream, created bool, err error)

	// FindActive returns the capturing stream for (tenant, room), or ErrNotFound.
	FindActive(ctx context.Context, tenantID, roomID string) (stream.Stream, error)

	// FindActiveByAccount returns all capturing streams for an account.
	FindActiveByAccount(ctx context.Context, tenantID, accountID string) ([]stream.Stream, error)

	// FindEndedWithin returns the most recently ended stream for (tenant, room)
	// whose ended_at falls inside the window ending now, or ErrNotFound.
	FindEndedWithin(ctx context.Context, tenantID, roomID string, window time.Duration) (stream.Stream, error)

	// FindStartedWithin returns the most recent stream for (tenant, room)
	// started inside the window ending now, regardless of status, or ErrNotFound.
	FindStartedWithin(ctx context.Context, tenantID, roomID string, window time.Duration) (stream.Stream, error)

	// Resume flips a terminal stream back to capturing, clearing ended_at and
	// re-arming the report claim. resumed=false means the row is not in a
	// terminal state anymore (someone else resumed it) or does not exist.
	Resume(ctx context.Context, id string) (resumed bool, err error)

	// EndStream performs the capturing -> final transition, guarded by
	// "not already ended". Exactly one concurrent caller observes ended=true.
	EndStream(ctx context.Context, id string, final stream.Status, endedAt time.Time) (ended bool, err error)

	// ClaimReport sets report_sent_at once per end transition. Exactly one of
	// N concurrent callers observes claimed=true.
	ClaimReport(ctx context.Context, id string, at time.Time) (claimed bool, err error)

	Get(ctx context.Context, id string) (stream.Stream, error)
	List(ctx context.Context, tenantID string, limit int) ([]stream.Stream, error)
	ListCapturing(ctx context.Context, tenantID string) ([]stream.Stream, error)

	// RaisePeakViewers lifts peak_viewers to n if n is higher.
	RaisePeakViewers(ctx context.Context, id string, n int) error

	AddHeartbeat(ctx context.Context, hb stream.Heartbeat) error
	LatestHeartbeat(ctx context.Context, streamID string) (stream.Heartbeat, error)
	PurgeHeartbeats(ctx context.Context, olderThan time.Time) (int64, error)
}
