package record

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// State is the lifecycle state of a managed application.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
	StateCrashed    State = "crashed"
	StateErrored    State = "errored"
)

// AllStates lists every lifecycle state, for metrics labeling and display.
var AllStates = []State{
	StateStopped, StateStarting, StateRunning, StateRestarting,
	StateStopping, StateCrashed, StateErrored,
}

// Terminal reports whether the state allows deletion without stopping first.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateCrashed, StateErrored:
		return true
	}
	return false
}

// HasPID reports whether a PID is meaningful for this state.
func (s State) HasPID() bool {
	switch s {
	case StateStarting, StateRunning, StateRestarting, StateStopping:
		return true
	}
	return false
}

// Policy governs automatic relaunch of a managed application.
type Policy struct {
	AutoRestart    bool          `json:"auto_restart"`
	MaxMemoryBytes uint64        `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  float64       `json:"max_cpu_percent,omitempty"`
	RestartDelay   time.Duration `json:"restart_delay,omitempty"`
	Cron           string        `json:"cron,omitempty"`
	Grace          time.Duration `json:"grace,omitempty"` // stop grace period before SIGKILL
}

// DefaultGrace is applied when a record's policy does not set one.
const DefaultGrace = 5 * time.Second

// GracePeriod returns the configured grace period or the default.
func (p Policy) GracePeriod() time.Duration {
	if p.Grace > 0 {
		return p.Grace
	}
	return DefaultGrace
}

// ProcessRecord is the persisted desired/observed state of one managed
// application. Name is unique within the store and immutable after creation.
type ProcessRecord struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Port    int               `json:"port,omitempty"` // informational only, never bound by nodex
	LogPath string            `json:"log_path,omitempty"`

	Policy     Policy `json:"policy"`
	TimePrefix bool   `json:"time_prefix,omitempty"` // prefix each log line with a timestamp

	State           State      `json:"state"`
	PID             int        `json:"pid,omitempty"`
	RestartCount    int        `json:"restart_count"`
	LastExitCode    int        `json:"last_exit_code,omitempty"`
	LastExitAt      *time.Time `json:"last_exit_at,omitempty"`
	DegradedLogging bool       `json:"degraded_logging,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants a record must satisfy before it is accepted.
func (r *ProcessRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("record requires a name")
	}
	if strings.ContainsAny(r.Name, "/\\ ") || strings.Contains(r.Name, "..") {
		return fmt.Errorf("invalid name %q: allowed [A-Za-z0-9._-]", r.Name)
	}
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("record %s requires a command", r.Name)
	}
	if r.Port != 0 && (r.Port < 1 || r.Port > 65535) {
		return fmt.Errorf("record %s: port %d out of range", r.Name, r.Port)
	}
	if r.Policy.MaxCPUPercent < 0 {
		return fmt.Errorf("record %s: negative cpu threshold", r.Name)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate snapshots freely.
func (r *ProcessRecord) Clone() *ProcessRecord {
	cp := *r
	if r.Args != nil {
		cp.Args = append([]string(nil), r.Args...)
	}
	if r.Env != nil {
		cp.Env = make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			cp.Env[k] = v
		}
	}
	if r.LastExitAt != nil {
		t := *r.LastExitAt
		cp.LastExitAt = &t
	}
	return &cp
}

// MergedEnv composes the launch environment: the inherited process
// environment as base, with the record's explicit entries overriding.
// The result is sorted for deterministic exec.Cmd construction.
func (r *ProcessRecord) MergedEnv() []string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range r.Env {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// MetricSample is one resource observation for a managed application.
// A zero PID marks an absent sample (no live process at sampling time).
type MetricSample struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	CPUPercent  float64   `json:"cpu_percent"`
	RSSBytes    uint64    `json:"rss_bytes"`
	DiskIOBytes uint64    `json:"disk_io_bytes"`
	NetIOBytes  uint64    `json:"net_io_bytes"`
	At          time.Time `json:"at"`
}

// Absent reports whether the sample carries no live-process data.
func (s MetricSample) Absent() bool { return s.PID == 0 }
