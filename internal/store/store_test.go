package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nodex-sh/nodex/internal/record"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestUpsertGetRoundTrip(t *testing.T) {
	s := newStore(t)
	r := &record.ProcessRecord{Name: "web", Command: "python app.py", State: record.StateStopped}
	if err := s.Upsert(r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Get("web")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Command != "python app.py" || got.State != record.StateStopped {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set")
	}
}

func TestGetUnknown(t *testing.T) {
	s := newStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Upsert(&record.ProcessRecord{Name: "api", Command: "./api", State: record.StateRunning, PID: 4242}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get("api")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.PID != 4242 || got.State != record.StateRunning {
		t.Fatalf("persisted record lost data: %+v", got)
	}
}

func TestRegistryFileIsPlainJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	s, _ := Open(path)
	if err := s.Upsert(&record.ProcessRecord{Name: "web", Command: "x", State: record.StateStopped}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A recovery tool must be able to read the file without the daemon.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read registry: %v", err)
	}
	var recs []record.ProcessRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		t.Fatalf("registry not parseable json: %v", err)
	}
	if len(recs) != 1 || recs[0].Name != "web" {
		t.Fatalf("unexpected registry contents: %+v", recs)
	}
}

func TestDeleteRefusesLiveRecord(t *testing.T) {
	s := newStore(t)
	if err := s.Upsert(&record.ProcessRecord{Name: "web", Command: "x", State: record.StateRunning, PID: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Delete("web"); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
	if err := s.Upsert(&record.ProcessRecord{Name: "web", Command: "x", State: record.StateStopped}); err != nil {
		t.Fatalf("upsert stopped: %v", err)
	}
	if err := s.Delete("web"); err != nil {
		t.Fatalf("delete stopped: %v", err)
	}
	if _, err := s.Get("web"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record not deleted")
	}
}

func TestReconcileOnBoot(t *testing.T) {
	s := newStore(t)
	mustUpsert := func(r *record.ProcessRecord) {
		t.Helper()
		if err := s.Upsert(r); err != nil {
			t.Fatalf("upsert %s: %v", r.Name, err)
		}
	}
	mustUpsert(&record.ProcessRecord{Name: "dead", Command: "x", State: record.StateRunning, PID: 99991})
	mustUpsert(&record.ProcessRecord{Name: "alive", Command: "x", State: record.StateRunning, PID: 7})
	mustUpsert(&record.ProcessRecord{Name: "idle", Command: "x", State: record.StateStopped})
	mustUpsert(&record.ProcessRecord{Name: "halfstart", Command: "x", State: record.StateStarting, PID: 99992})

	crashed, err := s.ReconcileOnBoot(func(pid int) bool { return pid == 7 })
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(crashed) != 2 || crashed[0] != "dead" || crashed[1] != "halfstart" {
		t.Fatalf("unexpected crashed set: %v", crashed)
	}
	for name, want := range map[string]record.State{
		"dead":      record.StateCrashed,
		"halfstart": record.StateCrashed,
		"alive":     record.StateRunning,
		"idle":      record.StateStopped,
	} {
		got, err := s.Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if got.State != want {
			t.Fatalf("%s: state %s, want %s", name, got.State, want)
		}
	}
	got, _ := s.Get("dead")
	if got.PID != 0 || got.LastExitAt == nil {
		t.Fatalf("crashed record not finalized: %+v", got)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := newStore(t)
	if err := s.Upsert(&record.ProcessRecord{Name: "", Command: "x"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNameImmutableIdentity(t *testing.T) {
	s := newStore(t)
	r := &record.ProcessRecord{Name: "web", Command: "x", State: record.StateStopped}
	if err := s.Upsert(r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, _ := s.Get("web")
	// A later upsert must keep the original creation time.
	r.RestartCount = 3
	if err := s.Upsert(r); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	second, _ := s.Get("web")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at rewritten on upsert")
	}
	if second.RestartCount != 3 {
		t.Fatalf("update lost")
	}
}
