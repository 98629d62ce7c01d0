package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodex.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.Listen != DefaultListen {
		t.Fatalf("listen = %q", cfg.Daemon.Listen)
	}
	if cfg.Daemon.SampleInterval != 2*time.Second {
		t.Fatalf("sample interval = %v", cfg.Daemon.SampleInterval)
	}
	if cfg.History.DSN == "" {
		t.Fatalf("history DSN not defaulted")
	}
	if cfg.RegistryPath() == "" || cfg.LogsDir() == "" {
		t.Fatalf("paths not derived")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[daemon]
listen = "127.0.0.1:9000"
data_dir = "/tmp/nodex-test"
sample_interval = "500ms"

[history]
enabled = false

[log]
level = "debug"

[[apps]]
name = "web"
command = "python -m http.server 8080"
port = 8080
autorestart = true
max_memory_bytes = 104857600
restart_delay = "2s"
cron = "0 3 * * *"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.Listen != "127.0.0.1:9000" {
		t.Fatalf("listen = %q", cfg.Daemon.Listen)
	}
	if cfg.Daemon.SampleInterval != 500*time.Millisecond {
		t.Fatalf("sample interval = %v", cfg.Daemon.SampleInterval)
	}
	if cfg.History.Enabled {
		t.Fatalf("history not disabled")
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if len(cfg.Apps) != 1 {
		t.Fatalf("apps = %d", len(cfg.Apps))
	}
	rec := cfg.Apps[0].Record()
	if rec.Name != "web" || !rec.Policy.AutoRestart || rec.Policy.MaxMemoryBytes != 100<<20 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Policy.RestartDelay != 2*time.Second || rec.Policy.Cron != "0 3 * * *" {
		t.Fatalf("policy = %+v", rec.Policy)
	}
	if cfg.RegistryPath() != "/tmp/nodex-test/registry.json" {
		t.Fatalf("registry path = %q", cfg.RegistryPath())
	}
}

func TestLoadRejectsIncompleteApp(t *testing.T) {
	path := writeConfig(t, `
[[apps]]
name = "broken"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("app without command accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
