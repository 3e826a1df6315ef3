package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/silvermint/livecap/internal/registry"
	"github.com/silvermint/livecap/internal/stream"
)

// DB implements registry.Registry for PostgreSQL via the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams(
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL,
			peak_viewers INTEGER NOT NULL DEFAULT 0,
			raw_metadata TEXT NOT NULL DEFAULT '',
			report_sent_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_streams_active
			ON streams(tenant_id, room_id) WHERE status='capturing';`,
		`CREATE INDEX IF NOT EXISTS idx_streams_room ON streams(tenant_id, room_id);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_account ON streams(tenant_id, account_id);`,
		`CREATE TABLE IF NOT EXISTS heartbeats(
			id BIGSERIAL PRIMARY KEY,
			stream_id TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			events_seen BIGINT NOT NULL,
			viewer_count INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeats_stream ON heartbeats(stream_id, recorded_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) CreateCapturing(ctx context.Context, st stream.Stream) (stream.Stream, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO streams(id, tenant_id, room_id, account_id, status, started_at, ended_at, peak_viewers, raw_metadata, report_sent_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, NULL, $7, $8, NULL, $9)
		ON CONFLICT (tenant_id, room_id) WHERE status='capturing' DO NOTHING;`,
		st.ID, st.TenantID, st.RoomID, st.AccountID, string(stream.StatusCapturing),
		st.StartedAt.UTC(), st.PeakViewers, st.RawMetadata, time.Now().UTC())
	if err != nil {
		return stream.Stream{}, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		existing, err := p.FindActive(ctx, st.TenantID, st.RoomID)
		if err != nil {
			return stream.Stream{}, false, err
		}
		return existing, false, nil
	}
	st.Status = stream.StatusCapturing
	return st, true, nil
}

const streamCols = `id, tenant_id, room_id, account_id, status, started_at, ended_at, peak_viewers, raw_metadata, report_sent_at`

func (p *DB) FindActive(ctx context.Context, tenantID, roomID string) (stream.Stream, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=$1 AND room_id=$2 AND status=$3
		LIMIT 1;`, tenantID, roomID, string(stream.StatusCapturing))
	return scanStream(row)
}

func (p *DB) FindActiveByAccount(ctx context.Context, tenantID, accountID string) ([]stream.Stream, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=$1 AND account_id=$2 AND status=$3
		ORDER BY started_at DESC;`, tenantID, accountID, string(stream.StatusCapturing))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func (p *DB) FindEndedWithin(ctx context.Context, tenantID, roomID string, window time.Duration) (stream.Stream, error) {
	cutoff := time.Now().UTC().Add(-window)
	row := p.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=$1 AND room_id=$2 AND ended_at IS NOT NULL AND ended_at >= $3
		ORDER BY ended_at DESC
		LIMIT 1;`, tenantID, roomID, cutoff)
	return scanStream(row)
}

func (p *DB) FindStartedWithin(ctx context.Context, tenantID, roomID string, window time.Duration) (stream.Stream, error) {
	cutoff := time.Now().UTC().Add(-window)
	row := p.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=$1 AND room_id=$2 AND started_at >= $3
		ORDER BY started_at DESC
		LIMIT 1;`, tenantID, roomID, cutoff)
	return scanStream(row)
}

func (p *DB) Resume(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE streams
		SET status=$1, ended_at=NULL, report_sent_at=NULL, updated_at=$2
		WHERE id=$3 AND status IN ($4, $5);`,
		string(stream.StatusCapturing), time.Now().UTC(), id,
		string(stream.StatusEnded), string(stream.StatusFailed))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *DB) EndStream(ctx context.Context, id string, final stream.Status, endedAt time.Time) (bool, error) {
	if !final.Terminal() {
		return false, errors.New("final status must be terminal")
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE streams
		SET status=$1, ended_at=$2, updated_at=$3
		WHERE id=$4 AND status=$5;`,
		string(final), endedAt.UTC(), time.Now().UTC(), id, string(stream.StatusCapturing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *DB) ClaimReport(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE streams
		SET report_sent_at=$1, updated_at=$2
		WHERE id=$3 AND report_sent_at IS NULL;`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *DB) Get(ctx context.Context, id string) (stream.Stream, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM streams WHERE id=$1;`, id)
	return scanStream(row)
}

func (p *DB) List(ctx context.Context, tenantID string, limit int) ([]stream.Stream, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=$1
		ORDER BY started_at DESC
		LIMIT $2;`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func (p *DB) ListCapturing(ctx context.Context, tenantID string) ([]stream.Stream, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=$1 AND status=$2
		ORDER BY started_at DESC;`, tenantID, string(stream.StatusCapturing))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func (p *DB) RaisePeakViewers(ctx context.Context, id string, n int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE streams SET peak_viewers=$1, updated_at=$2
		WHERE id=$3 AND peak_viewers < $4;`, n, time.Now().UTC(), id, n)
	return err
}

func (p *DB) AddHeartbeat(ctx context.Context, hb stream.Heartbeat) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO heartbeats(stream_id, recorded_at, events_seen, viewer_count)
		VALUES($1, $2, $3, $4);`,
		hb.StreamID, hb.RecordedAt.UTC(), hb.EventsSeen, hb.ViewerCount)
	return err
}

func (p *DB) LatestHeartbeat(ctx context.Context, streamID string) (stream.Heartbeat, error) {
	var hb stream.Heartbeat
	row := p.db.QueryRowContext(ctx, `
		SELECT stream_id, recorded_at, events_seen, viewer_count FROM heartbeats
		WHERE stream_id=$1
		ORDER BY recorded_at DESC
		LIMIT 1;`, streamID)
	err := row.Scan(&hb.StreamID, &hb.RecordedAt, &hb.EventsSeen, &hb.ViewerCount)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Heartbeat{}, registry.ErrNotFound
	}
	if err != nil {
		return stream.Heartbeat{}, err
	}
	return hb, nil
}

func (p *DB) PurgeHeartbeats(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE recorded_at < $1;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (stream.Stream, error) {
	var st stream.Stream
	var status string
	var endedAt, reportAt sql.NullTime
	err := row.Scan(&st.ID, &st.TenantID, &st.RoomID, &st.AccountID, &status,
		&st.StartedAt, &endedAt, &st.PeakViewers, &st.RawMetadata, &reportAt)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Stream{}, registry.ErrNotFound
	}
	if err != nil {
		return stream.Stream{}, err
	}
	st.Status = stream.Status(status)
	if endedAt.Valid {
		t := endedAt.Time
		st.EndedAt = &t
	}
	if reportAt.Valid {
		t := reportAt.Time
		st.ReportSentAt = &t
	}
	return st, nil
}

func scanStreams(rows *sql.Rows) ([]stream.Stream, error) {
	out := make([]stream.Stream, 0)
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
