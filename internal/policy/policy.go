// Package policy turns exit events and metric samples into restart
// decisions. It holds the small amount of state the rules need: breach
// streaks for threshold checks and the last boundary check per cron
// schedule.
package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nodex-sh/nodex/internal/record"
)

// Decision is the outcome of evaluating one event or sample.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionRestart
	DecisionStop
)

func (d Decision) String() string {
	switch d {
	case DecisionRestart:
		return "restart"
	case DecisionStop:
		return "stop"
	default:
		return "none"
	}
}

// Reason explains a Restart decision for event logging.
type Reason string

const (
	ReasonCrash     Reason = "crash"
	ReasonMemory    Reason = "memory_threshold"
	ReasonCPU       Reason = "cpu_threshold"
	ReasonSchedule  Reason = "schedule"
	ReasonNone      Reason = ""
	breachThreshold        = 2
)

type cronState struct {
	expr     string
	schedule cron.Schedule
	lastSeen time.Time
}

// Engine evaluates restart policies. It is safe for concurrent use.
type Engine struct {
	log *slog.Logger

	mu       sync.Mutex
	memRuns  map[string]int
	cpuRuns  map[string]int
	cronByID map[string]*cronState
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:      logger,
		memRuns:  make(map[string]int),
		cpuRuns:  make(map[string]int),
		cronByID: make(map[string]*cronState),
	}
}

// OnExit evaluates a child exit observed while the app was Running. Clean
// completions are never restarted; crashes restart only when the policy
// opts in. Deliberate stops bypass the engine entirely.
func (e *Engine) OnExit(rec *record.ProcessRecord, clean bool) Decision {
	if clean {
		return DecisionNone
	}
	if rec.Policy.AutoRestart {
		return DecisionRestart
	}
	return DecisionNone
}

// OnSample evaluates one metric sample against the app's thresholds and
// cron schedule. A threshold must be breached on two consecutive samples
// to fire, and fires once per sustained breach rather than once per
// sample. Threshold checks take precedence over the schedule.
func (e *Engine) OnSample(rec *record.ProcessRecord, sample record.MetricSample, now time.Time) (Decision, Reason) {
	if sample.Absent() {
		e.Reset(rec.Name)
		return DecisionNone, ReasonNone
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec.Policy.MaxMemoryBytes > 0 {
		if sample.RSSBytes > rec.Policy.MaxMemoryBytes {
			e.memRuns[rec.Name]++
			if e.memRuns[rec.Name] >= breachThreshold {
				e.memRuns[rec.Name] = 0
				e.cpuRuns[rec.Name] = 0
				return DecisionRestart, ReasonMemory
			}
		} else {
			e.memRuns[rec.Name] = 0
		}
	}
	if rec.Policy.MaxCPUPercent > 0 {
		if sample.CPUPercent > rec.Policy.MaxCPUPercent {
			e.cpuRuns[rec.Name]++
			if e.cpuRuns[rec.Name] >= breachThreshold {
				e.cpuRuns[rec.Name] = 0
				e.memRuns[rec.Name] = 0
				return DecisionRestart, ReasonCPU
			}
		} else {
			e.cpuRuns[rec.Name] = 0
		}
	}
	if rec.Policy.Cron != "" && e.cronDueLocked(rec.Name, rec.Policy.Cron, now) {
		return DecisionRestart, ReasonSchedule
	}
	return DecisionNone, ReasonNone
}

// cronDueLocked reports whether a schedule boundary was crossed since the
// previous check. The first check only arms the schedule.
func (e *Engine) cronDueLocked(name, expr string, now time.Time) bool {
	st := e.cronByID[name]
	if st == nil || st.expr != expr {
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			e.log.Warn("invalid cron expression, schedule ignored", "name", name, "expr", expr, "error", err)
			e.cronByID[name] = &cronState{expr: expr, lastSeen: now}
			return false
		}
		e.cronByID[name] = &cronState{expr: expr, schedule: schedule, lastSeen: now}
		return false
	}
	if st.schedule == nil {
		st.lastSeen = now
		return false
	}
	due := !st.schedule.Next(st.lastSeen).After(now)
	st.lastSeen = now
	return due
}

// Reset clears accumulated breach streaks, called after any restart or
// stop so a fresh process starts with a clean slate.
func (e *Engine) Reset(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.memRuns, name)
	delete(e.cpuRuns, name)
}

// Forget drops all per-app state after a clear.
func (e *Engine) Forget(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.memRuns, name)
	delete(e.cpuRuns, name)
	delete(e.cronByID, name)
}

// ValidateCron checks a cron expression at record admission time.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := cron.ParseStandard(expr)
	return err
}
