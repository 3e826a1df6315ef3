// Package worker runs the per-stream capture loop: connect the bridge,
// forward translated events downstream, heartbeat, and hand the stream off to
// reporting when a terminal event arrives.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/silvermint/livecap/internal/bridge"
	"github.com/silvermint/livecap/internal/jobs"
	"github.com/silvermint/livecap/internal/metrics"
	"github.com/silvermint/livecap/internal/registry"
	"github.com/silvermint/livecap/internal/relay"
	"github.com/silvermint/livecap/internal/report"
	"github.com/silvermint/livecap/internal/stream"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultConnectRetry      = 15 * time.Second
)

// Config carries the worker timing knobs. Zero values fall back to defaults.
type Config struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	ConnectRetry      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ConnectRetry <= 0 {
		c.ConnectRetry = DefaultConnectRetry
	}
	return c
}

// Worker captures one stream. It is enqueued as a job keyed by the stream id,
// so the queue guarantees at most one live worker per stream.
type Worker struct {
	st      stream.Stream
	reg     registry.Registry
	feed    *bridge.Feed
	br      bridge.Bridge
	pub     relay.Publisher
	handoff *report.Handoff
	cfg     Config
	now     func() time.Time
}

func New(st stream.Stream, reg registry.Registry, feed *bridge.Feed, br bridge.Bridge, pub relay.Publisher, handoff *report.Handoff, cfg Config) *Worker {
	return &Worker{
		st:      st,
		reg:     reg,
		feed:    feed,
		br:      br,
		pub:     pub,
		handoff: handoff,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// JobKey is the queue idempotency key for a stream's capture job.
func JobKey(streamID string) string { return "capture:" + streamID }

// Job wraps the worker as a queue job.
func (w *Worker) Job() jobs.Job {
	return jobs.Job{Key: JobKey(w.st.ID), Run: w.Run}
}

// Run executes the capture loop. The subscription is taken before the bridge
// connects so no event can slip between connect and listen; a failed connect
// releases it and asks for a retry. After a successful connect every exit path
// goes through the single deferred cleanup.
func (w *Worker) Run(ctx context.Context) jobs.Outcome {
	events := w.feed.Subscribe()

	already, err := w.br.Connect(ctx, w.st.AccountID)
	if err != nil {
		w.feed.Unsubscribe(events)
		slog.Warn("bridge connect failed", "stream", w.st.ID, "account", w.st.AccountID, "err", err)
		return jobs.RetryAfter(w.cfg.ConnectRetry)
	}
	if already {
		slog.Debug("bridge already connected", "account", w.st.AccountID)
	}
	defer w.terminate(events)

	slog.Info("capture started", "stream", w.st.ID, "tenant", w.st.TenantID, "room", w.st.RoomID)

	hb := time.NewTicker(w.cfg.HeartbeatInterval)
	defer hb.Stop()
	idle := time.NewTimer(w.cfg.IdleTimeout)
	defer idle.Stop()

	var eventsSeen int64
	var lastViewers, peak int

	for {
		select {
		case ev := <-events:
			if ev.AccountID != w.st.AccountID {
				continue
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.cfg.IdleTimeout)

			eventsSeen++
			lastViewers = ev.ViewerCount
			if ev.ViewerCount > peak {
				peak = ev.ViewerCount
				if err := w.reg.RaisePeakViewers(ctx, w.st.ID, peak); err != nil {
					slog.Warn("raise peak viewers failed", "stream", w.st.ID, "err", err)
				}
			}
			w.forward(ctx, ev)
			if ev.Type.Terminal() {
				final, reason := finalFor(ev.Type)
				if _, err := w.handoff.End(ctx, w.st, final, reason); err != nil {
					slog.Error("end handoff failed", "stream", w.st.ID, "err", err)
				}
				return jobs.Done()
			}

		case <-hb.C:
			err := w.reg.AddHeartbeat(ctx, stream.Heartbeat{
				StreamID:    w.st.ID,
				RecordedAt:  w.now().UTC(),
				EventsSeen:  eventsSeen,
				ViewerCount: lastViewers,
			})
			if err != nil {
				slog.Warn("heartbeat write failed", "stream", w.st.ID, "err", err)
				continue
			}
			metrics.IncHeartbeat()

		case <-idle.C:
			// Quiet too long: re-read the registry. If the orchestrator ended
			// or restarted this stream in the meantime, this worker is
			// obsolete and exits; otherwise it keeps monitoring.
			cur, err := w.reg.Get(ctx, w.st.ID)
			if errors.Is(err, registry.ErrNotFound) || (err == nil && cur.Status != stream.StatusCapturing) {
				slog.Info("capture no longer active, exiting", "stream", w.st.ID)
				return jobs.Done()
			}
			if err != nil {
				slog.Warn("idle re-read failed", "stream", w.st.ID, "err", err)
			}
			idle.Reset(w.cfg.IdleTimeout)

		case <-ctx.Done():
			slog.Info("capture stopping", "stream", w.st.ID)
			return jobs.Done()
		}
	}
}

// forward publishes ev downstream re-keyed by stream id. Delivery is
// best-effort; the relay drops are surfaced via logs and metrics only.
func (w *Worker) forward(ctx context.Context, ev bridge.Event) {
	e := relay.Event{
		StreamID:    w.st.ID,
		Type:        string(ev.Type),
		Payload:     ev.Payload,
		ViewerCount: ev.ViewerCount,
		At:          ev.At,
	}
	if err := w.pub.Publish(ctx, e); err != nil {
		slog.Warn("relay publish failed", "stream", w.st.ID, "type", e.Type, "err", err)
		return
	}
	metrics.IncWorkerEvent(e.Type)
}

// terminate is the single cleanup point after a successful connect.
func (w *Worker) terminate(events chan bridge.Event) {
	w.feed.Unsubscribe(events)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.br.Disconnect(ctx, w.st.AccountID); err != nil {
		slog.Warn("bridge disconnect failed", "account", w.st.AccountID, "err", err)
	}
}

func finalFor(t bridge.EventType) (stream.Status, string) {
	if t == bridge.EventError {
		return stream.StatusFailed, "bridge error"
	}
	return stream.StatusEnded, string(t)
}
