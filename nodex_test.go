//go:build !windows

package nodex

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodex-sh/nodex/internal/record"
)

func newSystem(t *testing.T, cfgBody string) *System {
	t.Helper()
	dir := t.TempDir()
	body := "[daemon]\ndata_dir = \"" + dir + "\"\n" + cfgBody
	path := filepath.Join(dir, "nodex.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	system, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	t.Cleanup(system.Close)
	return system
}

func TestSystemStartAndHandler(t *testing.T) {
	system := newSystem(t, "")
	rec, err := system.Start(record.ProcessRecord{Name: "embedded", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.State != record.StateRunning {
		t.Fatalf("state = %s", rec.State)
	}

	srv := httptest.NewServer(system.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Status  string            `json:"status"`
		Payload []json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Status != "ok" || len(env.Payload) != 1 {
		t.Fatalf("list = %+v", env)
	}
}

func TestSystemStartsDeclaredApps(t *testing.T) {
	system := newSystem(t, `
[[apps]]
name = "declared"
command = "sleep 30"
autorestart = true
`)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, err := system.Supervisor.Get("declared"); err == nil && rec.State == record.StateRunning {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("declared app never reached running")
}
