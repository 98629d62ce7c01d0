// Package server is the daemon's control endpoint: a small HTTP API the
// CLI client talks to. It binds loopback by default and carries no
// authentication; the registry file is the trust boundary.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nodex-sh/nodex/internal/launcher"
	"github.com/nodex-sh/nodex/internal/logmux"
	"github.com/nodex-sh/nodex/internal/metrics"
	"github.com/nodex-sh/nodex/internal/record"
	"github.com/nodex-sh/nodex/internal/sampler"
	"github.com/nodex-sh/nodex/internal/store"
	"github.com/nodex-sh/nodex/internal/supervisor"
)

// Router exposes the supervisor over HTTP.
type Router struct {
	sup *supervisor.Supervisor
	reg *metrics.Registry
	log *slog.Logger
}

func NewRouter(sup *supervisor.Supervisor, reg *metrics.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sup: sup, reg: reg, log: logger}
}

// Handler builds the gin handler, mountable in any mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	api := g.Group("/api")
	api.POST("/start", r.handleStart)
	api.POST("/stop", r.handleStop)
	api.POST("/restart", r.handleRestart)
	api.GET("/list", r.handleList)
	api.GET("/logs", r.handleLogs)
	api.GET("/monitor", r.handleMonitor)
	api.POST("/clear", r.handleClear)
	api.GET("/history", r.handleHistory)
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if r.reg != nil {
		g.GET("/metrics", gin.WrapH(r.reg.Handler()))
	}
	return g
}

// NewServer runs the router on addr until Shutdown.
func NewServer(addr string, router *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func ok(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "payload": payload})
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"status": "error", "error": err.Error()})
}

func failFor(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		fail(c, http.StatusNotFound, err)
	case errors.Is(err, supervisor.ErrConfirmRequired):
		fail(c, http.StatusBadRequest, err)
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, store.ErrNotTerminal):
		fail(c, http.StatusConflict, err)
	default:
		var le *launcher.LaunchError
		if errors.As(err, &le) {
			fail(c, http.StatusUnprocessableEntity, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
	}
}

// StartRequest is the wire form of a start command.
type StartRequest struct {
	Name           string            `json:"name"`
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Port           int               `json:"port,omitempty"`
	AutoRestart    bool              `json:"auto_restart,omitempty"`
	MaxMemoryBytes uint64            `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  float64           `json:"max_cpu_percent,omitempty"`
	RestartDelayMS uint              `json:"restart_delay_ms,omitempty"`
	Cron           string            `json:"cron,omitempty"`
	TimePrefix     bool              `json:"time_prefix,omitempty"`
}

func (req StartRequest) record() record.ProcessRecord {
	return record.ProcessRecord{
		Name:       req.Name,
		Command:    req.Command,
		Args:       req.Args,
		Cwd:        req.Cwd,
		Env:        req.Env,
		Port:       req.Port,
		TimePrefix: req.TimePrefix,
		Policy: record.Policy{
			AutoRestart:    req.AutoRestart,
			MaxMemoryBytes: req.MaxMemoryBytes,
			MaxCPUPercent:  req.MaxCPUPercent,
			RestartDelay:   time.Duration(req.RestartDelayMS) * time.Millisecond,
			Cron:           req.Cron,
		},
	}
}

func (r *Router) handleStart(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		fail(c, http.StatusBadRequest, errors.New("name required"))
		return
	}
	rec, err := r.sup.Start(req.record())
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, rec)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (r *Router) handleStop(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		fail(c, http.StatusBadRequest, errors.New("name required"))
		return
	}
	if err := r.sup.Stop(req.Name); err != nil {
		failFor(c, err)
		return
	}
	rec, err := r.sup.Get(req.Name)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, rec)
}

func (r *Router) handleRestart(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		fail(c, http.StatusBadRequest, errors.New("name required, or \"all\""))
		return
	}
	if req.Name == "all" {
		if errs := r.sup.RestartAll(); len(errs) > 0 {
			fail(c, http.StatusInternalServerError, errors.Join(errs...))
			return
		}
		ok(c, gin.H{"restarted": "all"})
		return
	}
	if err := r.sup.Restart(req.Name); err != nil {
		failFor(c, err)
		return
	}
	rec, err := r.sup.Get(req.Name)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, rec)
}

func (r *Router) handleList(c *gin.Context) {
	ok(c, r.sup.Statuses())
}

// handleLogs returns the trailing lines of an app's log, or with
// follow=true streams lines as they appear until the client disconnects.
func (r *Router) handleLogs(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		fail(c, http.StatusBadRequest, errors.New("name required"))
		return
	}
	rec, err := r.sup.Get(name)
	if err != nil {
		failFor(c, err)
		return
	}
	lines := 50
	if v := c.Query("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	tail, err := logmux.Tail(rec.LogPath, lines)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	follow := c.Query("follow") == "true"
	if !follow {
		ok(c, gin.H{"name": name, "lines": tail})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)
	flusher, canFlush := c.Writer.(http.Flusher)
	write := func(s string) bool {
		if _, err := io.WriteString(c.Writer, s+"\n"); err != nil {
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}
	for _, line := range tail {
		if !write(line) {
			return
		}
	}
	feed, cancel := r.sup.Mux().Subscribe(name)
	defer cancel()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, open := <-feed:
			if !open {
				return
			}
			if !write(line.Text) {
				return
			}
		}
	}
}

// MonitorView is the system-plus-apps snapshot behind the monitor command.
type MonitorView struct {
	System sampler.SystemSnapshot `json:"system"`
	Apps   []supervisor.Status    `json:"apps"`
}

func (r *Router) handleMonitor(c *gin.Context) {
	ok(c, MonitorView{System: sampler.System(), Apps: r.sup.Statuses()})
}

type clearRequest struct {
	Name    string `json:"name"`
	Confirm bool   `json:"confirm"`
}

func (r *Router) handleClear(c *gin.Context) {
	var req clearRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		fail(c, http.StatusBadRequest, errors.New("name required, or \"all\""))
		return
	}
	if req.Name == "all" {
		if err := r.sup.ClearAll(req.Confirm); err != nil {
			failFor(c, err)
			return
		}
		ok(c, gin.H{"cleared": "all"})
		return
	}
	if err := r.sup.Clear(req.Name); err != nil {
		failFor(c, err)
		return
	}
	ok(c, gin.H{"cleared": req.Name})
}

func (r *Router) handleHistory(c *gin.Context) {
	events := r.sup.Events()
	if events == nil {
		fail(c, http.StatusNotFound, errors.New("history disabled"))
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	out, err := events.Recent(ctx, c.Query("name"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, out)
}
