// Package nodex assembles the process supervisor for embedding: the
// registry, launcher, log multiplexer, sampler, policy engine and control
// endpoint wired together from one config.
package nodex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/nodex-sh/nodex/internal/config"
	"github.com/nodex-sh/nodex/internal/history"
	"github.com/nodex-sh/nodex/internal/logmux"
	"github.com/nodex-sh/nodex/internal/metrics"
	"github.com/nodex-sh/nodex/internal/policy"
	"github.com/nodex-sh/nodex/internal/record"
	"github.com/nodex-sh/nodex/internal/sampler"
	"github.com/nodex-sh/nodex/internal/server"
	"github.com/nodex-sh/nodex/internal/store"
	"github.com/nodex-sh/nodex/internal/supervisor"
)

// Config re-exports the daemon configuration for embedders.
type Config = config.Config

// LoadConfig reads a TOML config file, or defaults when path is empty.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// System is a fully wired supervisor.
type System struct {
	Supervisor *supervisor.Supervisor
	Metrics    *metrics.Registry

	events *history.Log
	router *server.Router
	log    *slog.Logger
}

// New builds a System from the config: opens the registry and history
// log, reconciles against the OS process table and starts any declared
// apps that are not yet registered.
func New(cfg *Config, log *slog.Logger) (*System, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.LogsDir(), 0o755); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.RegistryPath())
	if err != nil {
		return nil, err
	}
	var events *history.Log
	if cfg.History.Enabled {
		events, err = history.Open(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
	}
	reg := metrics.New()
	sup, err := supervisor.New(supervisor.Options{
		Store:          st,
		Mux:            logmux.New(cfg.LogsDir(), log),
		Sampler:        sampler.New(cfg.Daemon.SampleWindow, log),
		Engine:         policy.NewEngine(log),
		Metrics:        reg,
		Events:         events,
		Logger:         log,
		SampleInterval: cfg.Daemon.SampleInterval,
	})
	if err != nil {
		if events != nil {
			_ = events.Close()
		}
		return nil, err
	}
	if err := sup.Boot(); err != nil {
		if events != nil {
			_ = events.Close()
		}
		return nil, fmt.Errorf("boot reconciliation: %w", err)
	}
	s := &System{Supervisor: sup, Metrics: reg, events: events, log: log}
	s.router = server.NewRouter(sup, reg, log)
	for _, app := range cfg.Apps {
		if _, err := sup.Get(app.Name); err == nil {
			continue // already registered; the registry wins
		}
		if _, err := sup.Start(app.Record()); err != nil {
			log.Error("declared app failed to start", "name", app.Name, "error", err)
		}
	}
	return s, nil
}

// Handler returns the control API, mountable in any mux.
func (s *System) Handler() http.Handler { return s.router.Handler() }

// Router exposes the underlying control router.
func (s *System) Router() *server.Router { return s.router }

// Run drives the sampling loop until ctx is done.
func (s *System) Run(ctx context.Context) { s.Supervisor.Run(ctx) }

// Start launches an app programmatically.
func (s *System) Start(rec record.ProcessRecord) (*record.ProcessRecord, error) {
	return s.Supervisor.Start(rec)
}

// Close stops the loop, terminates managed children gracefully and closes
// the history log.
func (s *System) Close() {
	s.Supervisor.Shutdown()
	if s.events != nil {
		_ = s.events.Close()
	}
}
