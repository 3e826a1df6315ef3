package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livecap",
			Subsystem: "orchestrator",
			Name:      "probes_total",
			Help:      "Liveness probes by outcome (live, offline, error).",
		}, []string{"tenant", "result"},
	)
	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "livecap",
			Subsystem: "orchestrator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one orchestrator tick per tenant.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tenant"},
	)
	capturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livecap",
			Subsystem: "orchestrator",
			Name:      "captures_total",
			Help:      "Capture decisions by kind (started, resumed, restarted, ended).",
		}, []string{"tenant", "kind"},
	)
	streamsCapturing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "livecap",
			Subsystem: "registry",
			Name:      "streams_capturing",
			Help:      "Streams currently in capturing status per tenant.",
		}, []string{"tenant"},
	)
	workerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livecap",
			Subsystem: "worker",
			Name:      "events_total",
			Help:      "Bridge events forwarded downstream, by event type.",
		}, []string{"type"},
	)
	workerHeartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "livecap",
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Heartbeat records persisted by capture workers.",
		},
	)
	reportClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livecap",
			Subsystem: "report",
			Name:      "claims_total",
			Help:      "Report claim attempts by result (claimed, already_claimed).",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{probesTotal, tickDuration, capturesTotal, streamsCapturing, workerEvents, workerHeartbeats, reportClaims}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncProbe(tenant, result string) {
	if regOK.Load() {
		probesTotal.WithLabelValues(tenant, result).Inc()
	}
}

func ObserveTick(tenant string, seconds float64) {
	if regOK.Load() {
		tickDuration.WithLabelValues(tenant).Observe(seconds)
	}
}

func IncCapture(tenant, kind string) {
	if regOK.Load() {
		capturesTotal.WithLabelValues(tenant, kind).Inc()
	}
}

func SetStreamsCapturing(tenant string, n int) {
	if regOK.Load() {
		streamsCapturing.WithLabelValues(tenant).Set(float64(n))
	}
}

func IncWorkerEvent(eventType string) {
	if regOK.Load() {
		workerEvents.WithLabelValues(eventType).Inc()
	}
}

func IncHeartbeat() {
	if regOK.Load() {
		workerHeartbeats.Inc()
	}
}

func IncReportClaim(result string) {
	if regOK.Load() {
		reportClaims.WithLabelValues(result).Inc()
	}
}
