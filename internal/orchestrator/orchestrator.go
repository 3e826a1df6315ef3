// Package orchestrator drives the periodic liveness scan: probe every
// monitored account per tenant, reconcile the result against the registry, and
// start, resume, restart or end captures accordingly.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/silvermint/livecap/internal/bridge"
	"github.com/silvermint/livecap/internal/history"
	"github.com/silvermint/livecap/internal/jobs"
	"github.com/silvermint/livecap/internal/metrics"
	"github.com/silvermint/livecap/internal/probe"
	"github.com/silvermint/livecap/internal/registry"
	"github.com/silvermint/livecap/internal/relay"
	"github.com/silvermint/livecap/internal/report"
	"github.com/silvermint/livecap/internal/staleness"
	"github.com/silvermint/livecap/internal/stream"
	"github.com/silvermint/livecap/internal/worker"
)

const (
	DefaultInterval           = 2 * time.Minute
	DefaultResumeWindow       = 10 * time.Minute
	DefaultLongResumeWindow   = 6 * time.Hour
	DefaultHeartbeatRetention = 24 * time.Hour
)

// Tenant is one monitored customer: an id plus the external account ids whose
// broadcasts it wants captured.
type Tenant struct {
	ID       string
	Accounts []string
}

// Config carries the reconciliation windows. Zero values fall back to defaults.
type Config struct {
	Interval           time.Duration
	ResumeWindow       time.Duration
	LongResumeWindow   time.Duration
	HeartbeatRetention time.Duration
	Worker             worker.Config
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = DefaultResumeWindow
	}
	if c.LongResumeWindow <= 0 {
		c.LongResumeWindow = DefaultLongResumeWindow
	}
	if c.HeartbeatRetention <= 0 {
		c.HeartbeatRetention = DefaultHeartbeatRetention
	}
	return c
}

// Orchestrator owns the scan loop. It never talks to the bridge feed itself;
// capture workers it enqueues do. Probe failures are logged and skipped, so
// one flaky account cannot stall a whole tenant's tick.
type Orchestrator struct {
	reg     registry.Registry
	prober  probe.Prober
	queue   *jobs.Queue
	feed    *bridge.Feed
	br      bridge.Bridge
	pub     relay.Publisher
	handoff *report.Handoff
	stale   *staleness.Detector
	sinks   []history.Sink
	tenants []Tenant
	cfg     Config
	now     func() time.Time
}

func New(reg registry.Registry, prober probe.Prober, queue *jobs.Queue, feed *bridge.Feed, br bridge.Bridge, pub relay.Publisher, handoff *report.Handoff, stale *staleness.Detector, sinks []history.Sink, tenants []Tenant, cfg Config) *Orchestrator {
	return &Orchestrator{
		reg:     reg,
		prober:  prober,
		queue:   queue,
		feed:    feed,
		br:      br,
		pub:     pub,
		handoff: handoff,
		stale:   stale,
		sinks:   sinks,
		tenants: tenants,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Tick runs one full scan across all tenants, then prunes heartbeat rows past
// their retention. Errors inside a tenant are contained there.
func (o *Orchestrator) Tick(ctx context.Context) {
	for _, t := range o.tenants {
		start := o.now()
		o.tickTenant(ctx, t)
		metrics.ObserveTick(t.ID, o.now().Sub(start).Seconds())
	}
	cutoff := o.now().Add(-o.cfg.HeartbeatRetention)
	if n, err := o.reg.PurgeHeartbeats(ctx, cutoff); err != nil {
		slog.Warn("heartbeat purge failed", "err", err)
	} else if n > 0 {
		slog.Debug("purged heartbeats", "rows", n)
	}
}

func (o *Orchestrator) tickTenant(ctx context.Context, t Tenant) {
	for _, account := range t.Accounts {
		res, err := o.prober.Probe(ctx, account)
		if err != nil {
			metrics.IncProbe(t.ID, "error")
			slog.Warn("probe failed", "tenant", t.ID, "account", account, "err", err)
			continue
		}
		if res.Live {
			metrics.IncProbe(t.ID, "live")
			o.handleLive(ctx, t.ID, account, res)
		} else {
			metrics.IncProbe(t.ID, "offline")
			o.handleOffline(ctx, t.ID, account)
		}
	}

	capturing, err := o.reg.ListCapturing(ctx, t.ID)
	if err != nil {
		slog.Warn("list capturing failed", "tenant", t.ID, "err", err)
		return
	}
	metrics.SetStreamsCapturing(t.ID, len(capturing))
}

// handleLive reconciles a live probe against the registry. The decision order
// is: healthy active capture wins, a stale one is restarted, a recently ended
// stream is resumed, a long-gap terminal stream from the same session is
// resumed, and only then is a brand-new stream created. Losing the create
// race to a concurrent tick is a no-op, the winner already owns the worker.
func (o *Orchestrator) handleLive(ctx context.Context, tenantID, account string, res probe.Result) {
	active, err := o.reg.FindActive(ctx, tenantID, res.RoomID)
	switch {
	case err == nil:
		healthy, herr := o.stale.Healthy(ctx, active)
		if herr != nil {
			slog.Warn("staleness check failed", "stream", active.ID, "err", herr)
			return
		}
		if healthy {
			// Re-enqueue is a no-op while the worker is alive; after a process
			// restart it re-attaches a worker to the surviving row.
			o.enqueueWorker(active)
			return
		}
		o.restart(ctx, active)
	case errors.Is(err, registry.ErrNotFound):
		o.startOrResume(ctx, tenantID, account, res)
	default:
		slog.Warn("find active failed", "tenant", tenantID, "room", res.RoomID, "err", err)
	}
}

func (o *Orchestrator) restart(ctx context.Context, st stream.Stream) {
	o.queue.CancelPending(worker.JobKey(st.ID))
	if !o.enqueueWorker(st) {
		// The stale worker job is still running. It will exit on its own idle
		// check; the next tick enqueues the replacement.
		slog.Info("restart deferred, worker still running", "stream", st.ID, "tenant", st.TenantID, "room", st.RoomID)
		return
	}
	metrics.IncCapture(st.TenantID, "restarted")
	slog.Info("capture restarted", "stream", st.ID, "tenant", st.TenantID, "room", st.RoomID)
	history.Broadcast(ctx, o.sinks, history.Event{
		Type:       history.EventRestarted,
		OccurredAt: o.now().UTC(),
		TenantID:   st.TenantID,
		StreamID:   st.ID,
		RoomID:     st.RoomID,
		AccountID:  st.AccountID,
		Reason:     "stale capture",
	})
}

func (o *Orchestrator) startOrResume(ctx context.Context, tenantID, account string, res probe.Result) {
	if st, ok := o.findResumable(ctx, tenantID, res.RoomID); ok {
		reason := "ended within resume window"
		if st.EndedAt != nil && o.now().Sub(*st.EndedAt) > o.cfg.ResumeWindow {
			reason = "long gap, same session"
		}
		resumed, err := o.reg.Resume(ctx, st.ID)
		if err != nil {
			slog.Warn("resume failed", "stream", st.ID, "err", err)
			return
		}
		if !resumed {
			// Another tick resumed it (or a fresh capture claimed the room)
			// between the lookup and the flip; nothing to do here.
			return
		}
		st.Status = stream.StatusCapturing
		st.EndedAt = nil
		st.ReportSentAt = nil
		o.enqueueWorker(st)
		metrics.IncCapture(tenantID, "resumed")
		slog.Info("capture resumed", "stream", st.ID, "tenant", tenantID, "room", st.RoomID, "reason", reason)
		history.Broadcast(ctx, o.sinks, history.Event{
			Type:       history.EventResumed,
			OccurredAt: o.now().UTC(),
			TenantID:   tenantID,
			StreamID:   st.ID,
			RoomID:     st.RoomID,
			AccountID:  st.AccountID,
			Reason:     reason,
		})
		return
	}

	raw, _ := json.Marshal(res)
	st, created, err := o.reg.CreateCapturing(ctx, stream.NewCapturing(tenantID, res.RoomID, account, string(raw), o.now()))
	if err != nil {
		slog.Warn("create capture failed", "tenant", tenantID, "room", res.RoomID, "err", err)
		return
	}
	if !created {
		return
	}
	o.enqueueWorker(st)
	metrics.IncCapture(tenantID, "started")
	slog.Info("capture started", "stream", st.ID, "tenant", tenantID, "room", st.RoomID)
	history.Broadcast(ctx, o.sinks, history.Event{
		Type:       history.EventStarted,
		OccurredAt: o.now().UTC(),
		TenantID:   tenantID,
		StreamID:   st.ID,
		RoomID:     st.RoomID,
		AccountID:  account,
	})
}

// findResumable picks the terminal stream a live room should reattach to: the
// most recent one ended inside the short resume window, or failing that the
// most recent one started inside the long window (interrupted session that
// ended longer ago, e.g. during a deploy).
func (o *Orchestrator) findResumable(ctx context.Context, tenantID, roomID string) (stream.Stream, bool) {
	st, err := o.reg.FindEndedWithin(ctx, tenantID, roomID, o.cfg.ResumeWindow)
	if err == nil {
		return st, true
	}
	if !errors.Is(err, registry.ErrNotFound) {
		slog.Warn("find ended failed", "tenant", tenantID, "room", roomID, "err", err)
		return stream.Stream{}, false
	}
	st, err = o.reg.FindStartedWithin(ctx, tenantID, roomID, o.cfg.LongResumeWindow)
	if err == nil && st.Status.Terminal() {
		return st, true
	}
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		slog.Warn("find started failed", "tenant", tenantID, "room", roomID, "err", err)
	}
	return stream.Stream{}, false
}

// handleOffline ends every capturing stream held for an account whose probe
// says offline. The worker usually beats the orchestrator to the end
// transition via a terminal bridge event; losing that race is expected.
func (o *Orchestrator) handleOffline(ctx context.Context, tenantID, account string) {
	actives, err := o.reg.FindActiveByAccount(ctx, tenantID, account)
	if err != nil {
		slog.Warn("find active by account failed", "tenant", tenantID, "account", account, "err", err)
		return
	}
	for _, st := range actives {
		o.queue.CancelPending(worker.JobKey(st.ID))
		ended, err := o.handoff.End(ctx, st, stream.StatusEnded, "liveness lost")
		if err != nil {
			slog.Warn("end capture failed", "stream", st.ID, "err", err)
			continue
		}
		if ended {
			slog.Info("capture ended", "stream", st.ID, "tenant", tenantID, "room", st.RoomID)
		}
	}
}

// enqueueWorker returns false when a job for the stream is already pending or
// running, mirroring Queue.Enqueue.
func (o *Orchestrator) enqueueWorker(st stream.Stream) bool {
	w := worker.New(st, o.reg, o.feed, o.br, o.pub, o.handoff, o.cfg.Worker)
	return o.queue.Enqueue(w.Job())
}
