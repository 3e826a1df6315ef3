package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/silvermint/livecap/internal/registry"
	"github.com/silvermint/livecap/internal/stream"
)

// DB implements registry.Registry for SQLite (modernc.org/sqlite driver,
// CGO-free). Path is a filesystem path; use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// each pooled connection to ":memory:" would get its own database
	if strings.Contains(p, ":memory:") || strings.Contains(p, "mode=memory") {
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams(
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NULL,
			peak_viewers INTEGER NOT NULL DEFAULT 0,
			raw_metadata TEXT NOT NULL DEFAULT '',
			report_sent_at TIMESTAMP NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		// one capturing stream per (tenant, room); this is the registry-level
		// guard behind every create/resume race
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_streams_active
			ON streams(tenant_id, room_id) WHERE status='capturing';`,
		`CREATE INDEX IF NOT EXISTS idx_streams_room ON streams(tenant_id, room_id);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_account ON streams(tenant_id, account_id);`,
		`CREATE TABLE IF NOT EXISTS heartbeats(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			events_seen INTEGER NOT NULL,
			viewer_count INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeats_stream ON heartbeats(stream_id, recorded_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) CreateCapturing(ctx context.Context, st stream.Stream) (stream.Stream, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO streams(id, tenant_id, room_id, account_id, status, started_at, ended_at, peak_viewers, raw_metadata, report_sent_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL, ?)
		ON CONFLICT(tenant_id, room_id) WHERE status='capturing' DO NOTHING;`,
		st.ID, st.TenantID, st.RoomID, st.AccountID, string(stream.StatusCapturing),
		st.StartedAt.UTC(), st.PeakViewers, st.RawMetadata, time.Now().UTC())
	if err != nil {
		return stream.Stream{}, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// lost the insert race; the winner's row is the active stream
		existing, err := s.FindActive(ctx, st.TenantID, st.RoomID)
		if err != nil {
			return stream.Stream{}, false, err
		}
		return existing, false, nil
	}
	st.Status = stream.StatusCapturing
	return st, true, nil
}

const streamCols = `id, tenant_id, room_id, account_id, status, started_at, ended_at, peak_viewers, raw_metadata, report_sent_at`

func (s *DB) FindActive(ctx context.Context, tenantID, roomID string) (stream.Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=? AND room_id=? AND status=?
		LIMIT 1;`, tenantID, roomID, string(stream.StatusCapturing))
	return scanStream(row)
}

func (s *DB) FindActiveByAccount(ctx context.Context, tenantID, accountID string) ([]stream.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=? AND account_id=? AND status=?
		ORDER BY started_at DESC;`, tenantID, accountID, string(stream.StatusCapturing))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func (s *DB) FindEndedWithin(ctx context.Context, tenantID, roomID string, window time.Duration) (stream.Stream, error) {
	cutoff := time.Now().UTC().Add(-window)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=? AND room_id=? AND ended_at IS NOT NULL AND ended_at >= ?
		ORDER BY ended_at DESC
		LIMIT 1;`, tenantID, roomID, cutoff)
	return scanStream(row)
}

func (s *DB) FindStartedWithin(ctx context.Context, tenantID, roomID string, window time.Duration) (stream.Stream, error) {
	cutoff := time.Now().UTC().Add(-window)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=? AND room_id=? AND started_at >= ?
		ORDER BY started_at DESC
		LIMIT 1;`, tenantID, roomID, cutoff)
	return scanStream(row)
}

func (s *DB) Resume(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET status=?, ended_at=NULL, report_sent_at=NULL, updated_at=?
		WHERE id=? AND status IN (?, ?);`,
		string(stream.StatusCapturing), time.Now().UTC(), id,
		string(stream.StatusEnded), string(stream.StatusFailed))
	if err != nil {
		if isUniqueViolation(err) {
			// another stream already captures this room; no-op
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

func (s *DB) EndStream(ctx context.Context, id string, final stream.Status, endedAt time.Time) (bool, error) {
	if !final.Terminal() {
		return false, errors.New("final status must be terminal")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET status=?, ended_at=?, updated_at=?
		WHERE id=? AND status=?;`,
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

func (s *DB) ClaimReport(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET report_sent_at=?, updated_at=?
		WHERE id=? AND report_sent_at IS NULL;`,
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

func (s *DB) Get(ctx context.Context, id string) (stream.Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM streams WHERE id=?;`, id)
	return scanStream(row)
}

func (s *DB) List(ctx context.Context, tenantID string, limit int) ([]stream.Stream, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=?
		ORDER BY started_at DESC
		LIMIT ?;`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func (s *DB) ListCapturing(ctx context.Context, tenantID string) ([]stream.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamCols+` FROM streams
		WHERE tenant_id=? AND status=?
		ORDER BY started_at DESC;`, tenantID, string(stream.StatusCapturing))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStreams(rows)
}

func (s *DB) RaisePeakViewers(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams SET peak_viewers=?, updated_at=?
		WHERE id=? AND peak_viewers < ?;`, n, time.Now().UTC(), id, n)
	return err
}

func (s *DB) AddHeartbeat(ctx context.Context, hb stream.Heartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats(stream_id, recorded_at, events_seen, viewer_count)
		VALUES(?, ?, ?, ?);`,
		hb.StreamID, hb.RecordedAt.UTC(), hb.EventsSeen, hb.ViewerCount)
	return err
}

func (s *DB) LatestHeartbeat(ctx context.Context, streamID string) (stream.Heartbeat, error) {
	var hb stream.Heartbeat
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_id, recorded_at, events_seen, viewer_count FROM heartbeats
		WHERE stream_id=?
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

func (s *DB) PurgeHeartbeats(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE recorded_at < ?;`, olderThan.UTC())
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
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
