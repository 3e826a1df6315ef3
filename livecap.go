// Package livecap is the embeddable facade over the capture orchestrator: it
// assembles the registry, bridge, relay and scan loop from a single config and
// exposes the core types for external consumers.
package livecap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/silvermint/livecap/internal/bridge"
	"github.com/silvermint/livecap/internal/bridge/wsbridge"
	"github.com/silvermint/livecap/internal/config"
	"github.com/silvermint/livecap/internal/history"
	chsink "github.com/silvermint/livecap/internal/history/clickhouse"
	"github.com/silvermint/livecap/internal/jobs"
	"github.com/silvermint/livecap/internal/logger"
	"github.com/silvermint/livecap/internal/metrics"
	"github.com/silvermint/livecap/internal/orchestrator"
	"github.com/silvermint/livecap/internal/probe"
	"github.com/silvermint/livecap/internal/registry"
	"github.com/silvermint/livecap/internal/registry/factory"
	"github.com/silvermint/livecap/internal/relay"
	"github.com/silvermint/livecap/internal/relay/natsrelay"
	"github.com/silvermint/livecap/internal/report"
	"github.com/silvermint/livecap/internal/server"
	"github.com/silvermint/livecap/internal/staleness"
	"github.com/silvermint/livecap/internal/stream"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Stream = stream.Stream

type Status = stream.Status

type Heartbeat = stream.Heartbeat

const (
	StatusCapturing = stream.StatusCapturing
	StatusEnded     = stream.StatusEnded
	StatusFailed    = stream.StatusFailed
)

type Config = config.FileConfig

type Tenant = orchestrator.Tenant

type Registry = registry.Registry

type HistorySink = history.Sink

type RelayPublisher = relay.Publisher

type Prober = probe.Prober

type ProbeResult = probe.Result

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// NewMemoryRelay returns an in-process relay publisher, useful for embedding.
func NewMemoryRelay() *relay.Memory { return relay.NewMemory(0) }

// NewRegistry opens a registry backend from a DSN and ensures its schema.
func NewRegistry(ctx context.Context, dsn string) (Registry, error) {
	reg, err := factory.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := reg.EnsureSchema(ctx); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return reg, nil
}

// RegisterMetricsDefault registers collectors with the default registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

// Daemon is the fully assembled orchestrator process: registry, bridge feed,
// downstream relay, scan scheduler and the optional HTTP surface.
type Daemon struct {
	cfg config.FileConfig

	reg   registry.Registry
	queue *jobs.Queue
	feed  *bridge.Feed
	ws    *wsbridge.Client
	pub   relay.Publisher
	sinks []history.Sink
	orc   *orchestrator.Orchestrator
	sched *orchestrator.Scheduler
	srv   *http.Server

	logCloser io.Closer
	closers   []io.Closer
}

// NewDaemon assembles a daemon from cfg. Nothing is scheduled or served until
// Start; a daemon that fails to assemble releases what it already opened.
func NewDaemon(ctx context.Context, cfg config.FileConfig) (d *Daemon, err error) {
	d = &Daemon{cfg: cfg, queue: jobs.NewQueue(), feed: bridge.NewFeed(64)}
	defer func() {
		if err != nil {
			d.closeAll()
		}
	}()

	if cfg.Log != nil {
		d.logCloser = logger.Setup(*cfg.Log)
	}

	d.reg, err = factory.NewFromDSN(cfg.Registry.DSN)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err = d.reg.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("registry schema: %w", err)
	}

	d.ws, err = wsbridge.Dial(ctx, cfg.Bridge.URL, d.feed)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	if cfg.Relay.URL != "" {
		d.pub, err = natsrelay.New(cfg.Relay.URL, cfg.Relay.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("connect relay: %w", err)
		}
	} else {
		d.pub = relay.NewMemory(0)
	}

	if cfg.History.ClickHouseAddr != "" {
		table := cfg.History.Table
		if table == "" {
			table = "livecap_events"
		}
		sink, serr := chsink.New(cfg.History.ClickHouseAddr, table)
		if serr != nil {
			return nil, fmt.Errorf("connect history sink: %w", serr)
		}
		if serr := sink.EnsureTable(ctx); serr != nil {
			_ = sink.Close()
			return nil, fmt.Errorf("history table: %w", serr)
		}
		d.sinks = append(d.sinks, sink)
		d.closers = append(d.closers, sink)
	}

	oc := cfg.Orchestrator
	stale := staleness.New(d.reg, oc.GracePeriod, oc.HeartbeatFreshness)
	handoff := report.NewHandoff(d.reg, d.queue, relayReporter{d.pub}, d.sinks, oc.ReportDelay)
	prober := probe.NewHTTPProber(cfg.Probe.URL, cfg.Probe.Timeout)

	d.orc = orchestrator.New(d.reg, prober, d.queue, d.feed, d.ws, d.pub, handoff,
		stale, d.sinks, cfg.OrchestratorTenants(), cfg.OrchestratorSettings())
	d.sched = orchestrator.NewScheduler(d.orc)
	return d, nil
}

// Orchestrator exposes the assembled scan loop, mainly for one-shot ticks.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orc }

// Registry exposes the assembled stream registry.
func (d *Daemon) Registry() Registry { return d.reg }

// Start registers metrics, launches the scan scheduler and, when configured,
// the HTTP server.
func (d *Daemon) Start(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := d.sched.Start(ctx); err != nil {
		return err
	}
	if d.cfg.Server.Listen != "" {
		router := server.NewRouter(d.reg, d.orc, d.queue, d.cfg.Server.BasePath)
		d.srv = server.NewServer(d.cfg.Server.Listen, router)
		slog.Info("http server listening", "addr", d.cfg.Server.Listen)
	}
	return nil
}

// Stop shuts everything down in dependency order: no new ticks, drain running
// jobs, then close transports and stores.
func (d *Daemon) Stop(wait time.Duration) {
	if d.sched != nil {
		d.sched.Stop()
	}
	if d.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		_ = d.srv.Shutdown(ctx)
		cancel()
	}
	d.queue.Stop(wait)
	d.closeAll()
}

func (d *Daemon) closeAll() {
	if d.ws != nil {
		_ = d.ws.Close()
	}
	if d.pub != nil {
		_ = d.pub.Close()
	}
	for _, c := range d.closers {
		_ = c.Close()
	}
	d.closers = nil
	if d.reg != nil {
		_ = d.reg.Close()
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}

// relayReporter delivers final reports on the same downstream topic the
// capture events travel on, as a "report" event carrying the stream record.
type relayReporter struct {
	pub relay.Publisher
}

func (r relayReporter) Report(ctx context.Context, st stream.Stream) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.pub.Publish(ctx, relay.Event{
		StreamID: st.ID,
		Type:     "report",
		Payload:  payload,
		At:       time.Now().UTC(),
	})
}
