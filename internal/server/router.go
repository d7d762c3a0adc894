package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/chatvisor/internal/dispatch"
	"github.com/loykin/chatvisor/internal/metrics"
	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
)

// Supervisor is what the API drives. *dispatch.Dispatcher implements it.
type Supervisor interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)
	View(runID string) (dispatch.RunView, error)
	List() []dispatch.RunView
	Stop(ctx context.Context, runID string, hard bool) error
	Bus() *run.Bus
}

// Router provides embeddable HTTP handlers for the run supervisor.
// Endpoints:
//
//	POST {basePath}/dispatch          body: dispatch.Request JSON
//	GET  {basePath}/runs              all known runs
//	GET  {basePath}/runs/:id          one run
//	POST {basePath}/runs/:id/stop     query: hard=1 (optional)
//	GET  {basePath}/events            SSE stream; query: run=<id> (optional)
//	GET  /metrics                     when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      Supervisor
	basePath string
	metrics  bool
	logger   *slog.Logger
}

type Option func(*Router)

// WithMetrics exposes the Prometheus handler at /metrics.
func WithMetrics() Option              { return func(r *Router) { r.metrics = true } }
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

func NewRouter(sup Supervisor, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/dispatch", r.handleDispatch)
	group.GET("/runs", r.handleList)
	group.GET("/runs/:id", r.handleRun)
	group.POST("/runs/:id/stop", r.handleStop)
	group.GET("/events", r.handleEvents)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer returns an http.Server for h. There is no write timeout:
// dispatches wait for worker readiness and event streams stay open.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleDispatch(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	mode, err := run.ParseMode(string(req.Mode))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	req.Mode = mode
	if !isSafeAbsPath(req.Cwd) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cwd: must be absolute path without traversal"})
		return
	}
	out, err := r.sup.Dispatch(c.Request.Context(), req)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.List())
}

func (r *Router) handleRun(c *gin.Context) {
	v, err := r.sup.View(c.Param("id"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	if v.Status == nil && !v.Tracked && !v.Pending && !v.Alive {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown run"})
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.sup.Stop(c.Request.Context(), c.Param("id"), truthy(c.Query("hard"))); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	filter := c.Query("run")
	if filter != "" {
		if err := session.ValidateRunID(filter); err != nil {
			r.writeError(c, err)
			return
		}
	}
	events, cancel := r.sup.Bus().Subscribe(64)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("ready", okResp{OK: true})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-events:
			if !ok {
				return false
			}
			if filter == "" || e.RunID == filter {
				c.SSEvent(string(e.Kind), e)
			}
			return true
		}
	})
}

func (r *Router) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrEmptyText), errors.Is(err, session.ErrInvalidRunID), errors.Is(err, run.ErrInvalidMode):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		r.logger.Error("request failed", "path", c.FullPath(), "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
