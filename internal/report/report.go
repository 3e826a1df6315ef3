// Package report owns the capturing -> ended handoff: the atomic end
// transition, the claim that makes downstream reporting at-most-once, and the
// delayed report job itself.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/silvermint/livecap/internal/history"
	"github.com/silvermint/livecap/internal/jobs"
	"github.com/silvermint/livecap/internal/metrics"
	"github.com/silvermint/livecap/internal/registry"
	"github.com/silvermint/livecap/internal/stream"
)

// DefaultDelay absorbs false-positive "ended" detections from transient probe
// failures or deploy timing before the report leaves the building.
const DefaultDelay = 10 * time.Minute

const retryInterval = time.Minute

// Reporter delivers the final report for an ended stream. It is an external
// collaborator; delivery failures are retried by the job substrate.
type Reporter interface {
	Report(ctx context.Context, st stream.Stream) error
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, st stream.Stream) error

func (f ReporterFunc) Report(ctx context.Context, st stream.Stream) error { return f(ctx, st) }

// Handoff coordinates end transitions and report scheduling. Both the
// orchestrator (liveness lost) and the capture worker (terminal bridge event)
// call End; the registry's compare-and-set picks exactly one winner and only
// the winner schedules the report.
type Handoff struct {
	reg      registry.Registry
	queue    *jobs.Queue
	reporter Reporter
	sinks    []history.Sink
	delay    time.Duration
	now      func() time.Time
}

func NewHandoff(reg registry.Registry, queue *jobs.Queue, reporter Reporter, sinks []history.Sink, delay time.Duration) *Handoff {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Handoff{
		reg:      reg,
		queue:    queue,
		reporter: reporter,
		sinks:    sinks,
		delay:    delay,
		now:      time.Now,
	}
}

// End attempts the capturing -> final transition for st. ended=false means a
// concurrent caller already performed it; that is a no-op for the loser, not
// an error. The winner claims the report slot and schedules the report job.
func (h *Handoff) End(ctx context.Context, st stream.Stream, final stream.Status, reason string) (bool, error) {
	ended, err := h.reg.EndStream(ctx, st.ID, final, h.now())
	if err != nil {
		return false, fmt.Errorf("end stream %s: %w", st.ID, err)
	}
	if !ended {
		return false, nil
	}
	metrics.IncCapture(st.TenantID, "ended")
	evType := history.EventEnded
	if final == stream.StatusFailed {
		evType = history.EventFailed
	}
	history.Broadcast(ctx, h.sinks, history.Event{
		Type:       evType,
		OccurredAt: h.now().UTC(),
		TenantID:   st.TenantID,
		StreamID:   st.ID,
		RoomID:     st.RoomID,
		AccountID:  st.AccountID,
		Reason:     reason,
	})
	h.scheduleReport(ctx, st)
	return true, nil
}

func (h *Handoff) scheduleReport(ctx context.Context, st stream.Stream) {
	token := h.now().UTC()
	claimed, err := h.reg.ClaimReport(ctx, st.ID, token)
	if err != nil {
		slog.Error("claim report failed", "stream", st.ID, "err", err)
		return
	}
	if !claimed {
		metrics.IncReportClaim("already_claimed")
		return
	}
	metrics.IncReportClaim("claimed")

	// The key carries the claim token: a report job from a previous end of the
	// same stream may still be pending (it aborts on its own token check) and
	// must not block this one.
	h.queue.Enqueue(jobs.Job{
		Key:   "report:" + st.ID + ":" + strconv.FormatInt(token.UnixNano(), 10),
		Delay: h.delay,
		Run: func(jctx context.Context) jobs.Outcome {
			return h.runReport(jctx, st.ID, token)
		},
	})
	history.Broadcast(ctx, h.sinks, history.Event{
		Type:       history.EventReportScheduled,
		OccurredAt: token,
		TenantID:   st.TenantID,
		StreamID:   st.ID,
		RoomID:     st.RoomID,
		AccountID:  st.AccountID,
	})
}

// runReport executes after the delay. It re-reads the stream and aborts
// without side effects when the stream resumed in the interim, or when its
// claim token no longer matches (a resume re-armed the claim and a newer end
// owns reporting now).
func (h *Handoff) runReport(ctx context.Context, streamID string, token time.Time) jobs.Outcome {
	st, err := h.reg.Get(ctx, streamID)
	if err != nil {
		return jobs.Failed(fmt.Errorf("load stream %s for report: %w", streamID, err))
	}
	if !st.Status.Terminal() {
		slog.Info("report aborted, stream resumed", "stream", streamID)
		return jobs.Done()
	}
	if st.ReportSentAt == nil || !st.ReportSentAt.Equal(token) {
		slog.Info("report aborted, claim superseded", "stream", streamID)
		return jobs.Done()
	}
	if h.reporter == nil {
		return jobs.Done()
	}
	if err := h.reporter.Report(ctx, st); err != nil {
		slog.Warn("report delivery failed, will retry", "stream", streamID, "err", err)
		return jobs.RetryAfter(retryInterval)
	}
	slog.Info("report delivered", "stream", streamID, "tenant", st.TenantID)
	return jobs.Done()
}
