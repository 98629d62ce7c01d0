// Package config loads the daemon configuration from TOML, with
// NODEX_-prefixed environment variables overriding file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nodex-sh/nodex/internal/logger"
	"github.com/nodex-sh/nodex/internal/record"
)

// DefaultListen is the daemon's control endpoint address. Loopback only;
// the control API carries no authentication.
const DefaultListen = "127.0.0.1:8745"

type DaemonConfig struct {
	Listen         string        `toml:"listen" mapstructure:"listen"`
	DataDir        string        `toml:"data_dir" mapstructure:"data_dir"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
	SampleWindow   int           `toml:"sample_window" mapstructure:"sample_window"`
	StopGrace      time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

// AppConfig declares a managed app in the config file, started by
// `nodex serve` at boot when not already present in the registry.
type AppConfig struct {
	Name           string            `toml:"name" mapstructure:"name"`
	Command        string            `toml:"command" mapstructure:"command"`
	Args           []string          `toml:"args" mapstructure:"args"`
	Cwd            string            `toml:"cwd" mapstructure:"cwd"`
	Env            map[string]string `toml:"env" mapstructure:"env"`
	Port           int               `toml:"port" mapstructure:"port"`
	AutoRestart    bool              `toml:"autorestart" mapstructure:"autorestart"`
	MaxMemoryBytes uint64            `toml:"max_memory_bytes" mapstructure:"max_memory_bytes"`
	MaxCPUPercent  float64           `toml:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	RestartDelay   time.Duration     `toml:"restart_delay" mapstructure:"restart_delay"`
	Cron           string            `toml:"cron" mapstructure:"cron"`
	TimePrefix     bool              `toml:"time_prefix" mapstructure:"time_prefix"`
}

// Record converts a declared app into a registry record.
func (a AppConfig) Record() record.ProcessRecord {
	return record.ProcessRecord{
		Name:       a.Name,
		Command:    a.Command,
		Args:       a.Args,
		Cwd:        a.Cwd,
		Env:        a.Env,
		Port:       a.Port,
		TimePrefix: a.TimePrefix,
		Policy: record.Policy{
			AutoRestart:    a.AutoRestart,
			MaxMemoryBytes: a.MaxMemoryBytes,
			MaxCPUPercent:  a.MaxCPUPercent,
			RestartDelay:   a.RestartDelay,
			Cron:           a.Cron,
		},
	}
}

// Config is the top-level TOML structure.
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon" mapstructure:"daemon"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	Apps    []AppConfig   `toml:"apps" mapstructure:"apps"`
}

// DefaultDataDir resolves the per-user application-data directory.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".nodex")
	}
	return ".nodex"
}

// Load reads the config file when path is non-empty, otherwise returns
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("NODEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("daemon.listen", DefaultListen)
	v.SetDefault("daemon.data_dir", DefaultDataDir())
	v.SetDefault("daemon.sample_interval", "2s")
	v.SetDefault("daemon.sample_window", 60)
	v.SetDefault("daemon.stop_grace", "5s")
	v.SetDefault("history.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.History.DSN == "" {
		cfg.History.DSN = "sqlite://" + filepath.Join(cfg.Daemon.DataDir, "events.db")
	}
	for i := range cfg.Apps {
		app := &cfg.Apps[i]
		if app.Name == "" || app.Command == "" {
			return nil, fmt.Errorf("apps[%d]: name and command are required", i)
		}
	}
	return &cfg, nil
}

// RegistryPath is where the persisted record set lives.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Daemon.DataDir, "registry.json")
}

// LogsDir holds one append-only log file per app.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Daemon.DataDir, "logs")
}
