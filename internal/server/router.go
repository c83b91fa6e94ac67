package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/vktunnel/internal/logger"
	"github.com/loykin/vktunnel/internal/metrics"
	"github.com/loykin/vktunnel/internal/tunnel"
)

// Router provides embeddable HTTP handlers for controlling the tunnel.
// Endpoints:
//   GET  {basePath}/status
//   POST {basePath}/start | /stop | /restart | /accept
//   GET  {basePath}/logs      query: lines=N (default 20, max 1000)
//   GET  {basePath}/metrics   when metrics are enabled
// basePath may be empty or start with '/'; no trailing slash.

// Controller is the supervisor surface exposed over HTTP.
type Controller interface {
	Start() error
	Restart() error
	Stop() error
	Status() tunnel.Snapshot
	Accept(ctx context.Context) error
}

type Router struct {
	ctl      Controller
	basePath string
	logPath  string
	metrics  bool
}

const (
	defaultLogLines = 20
	maxLogLines     = 1000
)

// NewRouter constructs a Router. logPath is the manager log served by /logs.
func NewRouter(ctl Controller, basePath, logPath string, withMetrics bool) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), logPath: logPath, metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.command(r.ctl.Start))
	group.POST("/stop", r.command(r.ctl.Stop))
	group.POST("/restart", r.command(r.ctl.Restart))
	group.POST("/accept", r.handleAccept)
	group.GET("/logs", r.handleLogs)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx ends, then shuts it down.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	return ctx.Err()
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// LogsResponse is the body of GET /logs.
type LogsResponse struct {
	Lines []string `json:"lines"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) command(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleAccept(c *gin.Context) {
	if err := r.ctl.Accept(c.Request.Context()); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogs(c *gin.Context) {
	n := defaultLogLines
	if s := c.Query("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a positive integer"})
			return
		}
		n = min(v, maxLogLines)
	}
	lines, err := logger.Tail(r.logPath, n)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, LogsResponse{Lines: lines})
}
