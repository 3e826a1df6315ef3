// Package server exposes the embeddable HTTP surface: stream queries, health,
// metrics, and a debug trigger for an immediate scan.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/silvermint/livecap/internal/jobs"
	"github.com/silvermint/livecap/internal/metrics"
	"github.com/silvermint/livecap/internal/orchestrator"
	"github.com/silvermint/livecap/internal/registry"
)

// Router provides embeddable HTTP handlers over the registry and orchestrator.
// Endpoints:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/metrics
//	GET  {basePath}/status                     queue and capture counts
//	GET  {basePath}/streams?tenant=...&limit=N
//	GET  {basePath}/streams/capturing?tenant=...
//	GET  {basePath}/streams/:id
//	GET  {basePath}/streams/:id/heartbeat
//	POST {basePath}/debug/tick                 run one scan synchronously
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      registry.Registry
	orc      *orchestrator.Orchestrator
	queue    *jobs.Queue
	basePath string
}

func NewRouter(reg registry.Registry, orc *orchestrator.Orchestrator, queue *jobs.Queue, basePath string) *Router {
	return &Router{reg: reg, orc: orc, queue: queue, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/status", r.handleStatus)
	group.GET("/streams", r.handleListStreams)
	group.GET("/streams/capturing", r.handleListCapturing)
	group.GET("/streams/:id", r.handleGetStream)
	group.GET("/streams/:id/heartbeat", r.handleGetHeartbeat)
	group.POST("/debug/tick", r.handleDebugTick)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	Capturing int `json:"capturing"`
	Jobs      int `json:"jobs"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleStatus(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "tenant query param required"})
		return
	}
	capturing, err := r.reg.ListCapturing(c.Request.Context(), tenant)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, statusResp{Capturing: len(capturing), Jobs: r.queue.Len()})
}

func (r *Router) handleListStreams(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "tenant query param required"})
		return
	}
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	streams, err := r.reg.List(c.Request.Context(), tenant, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, streams)
}

func (r *Router) handleListCapturing(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "tenant query param required"})
		return
	}
	streams, err := r.reg.ListCapturing(c.Request.Context(), tenant)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, streams)
}

func (r *Router) handleGetStream(c *gin.Context) {
	st, err := r.reg.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "stream not found"})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleGetHeartbeat(c *gin.Context) {
	hb, err := r.reg.LatestHeartbeat(c.Request.Context(), c.Param("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no heartbeat recorded"})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, hb)
}

// handleDebugTick runs one scan inline and returns when it completes. Useful
// in tests and when reconciling immediately after a config change.
func (r *Router) handleDebugTick(c *gin.Context) {
	if r.orc == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "orchestrator not attached"})
		return
	}
	r.orc.Tick(c.Request.Context())
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}
