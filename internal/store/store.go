package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nodex-sh/nodex/internal/record"
)

// ErrNotFound is returned when a named record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNotTerminal is returned when Delete targets a record whose process has
// not been stopped first. The store never kills processes itself.
var ErrNotTerminal = errors.New("record not in a terminal state")

// PersistenceError wraps any failure to durably commit a mutation. Callers
// must treat it as fatal to the mutating command.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the durable ProcessRecord table. It keeps a mutex-guarded
// in-memory mirror and flushes the full set to a single JSON file with an
// atomic rename, so a crash never leaves a partially written registry.
// The file is plain JSON so a recovery tool can inspect it while the
// daemon is down.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]*record.ProcessRecord
}

// Open loads (or initializes) the registry file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	s := &Store{path: path, records: make(map[string]*record.ProcessRecord)}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	if len(b) == 0 {
		return s, nil
	}
	var recs []*record.ProcessRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, &PersistenceError{Op: "open", Err: fmt.Errorf("corrupt registry %s: %w", path, err)}
	}
	for _, r := range recs {
		s.records[r.Name] = r
	}
	return s, nil
}

// Path returns the registry file location.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the named record.
func (s *Store) Get(name string) (*record.ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.Clone(), nil
}

// List returns copies of all records sorted by name.
func (s *Store) List() []*record.ProcessRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*record.ProcessRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Upsert durably commits the record. On flush failure the prior in-memory
// and on-disk state is retained unchanged.
func (s *Store) Upsert(r *record.ProcessRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := r.Clone()
	if prev, ok := s.records[cp.Name]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	prev, existed := s.records[cp.Name]
	s.records[cp.Name] = cp
	if err := s.flushLocked(); err != nil {
		if existed {
			s.records[cp.Name] = prev
		} else {
			delete(s.records, cp.Name)
		}
		return &PersistenceError{Op: "upsert", Err: err}
	}
	// reflect timestamps back to the caller's copy
	r.CreatedAt, r.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	return nil
}

// Delete removes a record. Records in a non-terminal state are refused;
// the caller must stop the process first.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !r.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, name, r.State)
	}
	delete(s.records, name)
	if err := s.flushLocked(); err != nil {
		s.records[name] = r
		return &PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

// ReconcileOnBoot aligns persisted state with the OS process table. Any
// record left in a live state whose pid no longer exists is rewritten to
// Crashed. This is the only place allowed to rewrite State silently.
// isAlive probes pid existence; it is injected so tests control reality.
func (s *Store) ReconcileOnBoot(isAlive func(pid int) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var crashed []string
	now := time.Now().UTC()
	for name, r := range s.records {
		if !r.State.HasPID() {
			continue
		}
		if r.PID > 0 && isAlive(r.PID) {
			continue
		}
		slog.Warn("reconcile: process vanished while daemon was down",
			"name", name, "pid", r.PID, "state", r.State)
		r.State = record.StateCrashed
		r.PID = 0
		r.LastExitAt = &now
		r.UpdatedAt = now
		crashed = append(crashed, name)
	}
	if len(crashed) == 0 {
		return nil, nil
	}
	sort.Strings(crashed)
	if err := s.flushLocked(); err != nil {
		return crashed, &PersistenceError{Op: "reconcile", Err: err}
	}
	return crashed, nil
}

// flushLocked writes the full record set to a temp file and renames it over
// the registry path. Callers hold s.mu.
func (s *Store) flushLocked() error {
	recs := make([]*record.ProcessRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".registry-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
