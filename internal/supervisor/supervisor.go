// Package supervisor owns the process registry and drives the control
// loop connecting the launcher, sampler, policy engine and log
// multiplexer. Every state transition flows through here so registry and
// OS truth never diverge for more than one sampling interval.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nodex-sh/nodex/internal/history"
	"github.com/nodex-sh/nodex/internal/launcher"
	"github.com/nodex-sh/nodex/internal/logmux"
	"github.com/nodex-sh/nodex/internal/metrics"
	"github.com/nodex-sh/nodex/internal/policy"
	"github.com/nodex-sh/nodex/internal/record"
	"github.com/nodex-sh/nodex/internal/sampler"
	"github.com/nodex-sh/nodex/internal/store"
)

const DefaultSampleInterval = 2 * time.Second

var (
	ErrAlreadyRunning  = errors.New("app is already running")
	ErrNotRunning      = errors.New("app is not running")
	ErrConfirmRequired = errors.New("clearing all apps requires confirmation")
)

// Options wires the supervisor's collaborators. Store is required; Events
// may be nil to disable the history log.
type Options struct {
	Store          *store.Store
	Mux            *logmux.Mux
	Sampler        *sampler.Sampler
	Engine         *policy.Engine
	Metrics        *metrics.Registry
	Events         *history.Log
	Logger         *slog.Logger
	SampleInterval time.Duration
}

// Supervisor serializes lifecycle transitions per managed app.
type Supervisor struct {
	store    *store.Store
	mux      *logmux.Mux
	sampler  *sampler.Sampler
	engine   *policy.Engine
	metrics  *metrics.Registry
	events   *history.Log
	log      *slog.Logger
	interval time.Duration

	mu    sync.Mutex
	procs map[string]*proc

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// proc tracks one child launched by this daemon instance.
type proc struct {
	child  *launcher.Child
	handle *logmux.Handle

	deliberate bool // stop or restart was requested; exit is not a crash
	relaunch   bool
	reason     string
	delay      time.Duration
}

func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("supervisor requires a store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mux == nil {
		opts.Mux = logmux.New(".", logger)
	}
	if opts.Sampler == nil {
		opts.Sampler = sampler.New(0, logger)
	}
	if opts.Engine == nil {
		opts.Engine = policy.NewEngine(logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	interval := opts.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Supervisor{
		store:    opts.Store,
		mux:      opts.Mux,
		sampler:  opts.Sampler,
		engine:   opts.Engine,
		metrics:  opts.Metrics,
		events:   opts.Events,
		log:      logger,
		interval: interval,
		procs:    make(map[string]*proc),
		done:     make(chan struct{}),
	}, nil
}

// Mux exposes the log multiplexer for subscription endpoints.
func (s *Supervisor) Mux() *logmux.Mux { return s.mux }

// Events exposes the history log, nil when disabled.
func (s *Supervisor) Events() *history.Log { return s.events }

// Boot reconciles the registry against the OS process table. Records left
// in a live state by a previous daemon whose pid is gone become Crashed;
// records whose pid is still alive are supervised again through the
// sampling loop.
func (s *Supervisor) Boot() error {
	crashed, err := s.store.ReconcileOnBoot(launcher.IsAlive)
	if err != nil {
		return err
	}
	for _, name := range crashed {
		s.emit(history.Event{Name: name, From: record.StateRunning, To: record.StateCrashed, Reason: "found dead at boot"})
	}
	for _, rec := range s.store.List() {
		s.metrics.SetState(rec.Name, rec.State)
	}
	return nil
}

// Run drives the sampling loop until ctx is cancelled or Shutdown runs.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick samples every record, feeds the policy engine and corrects records
// whose process vanished outside the monitor path.
func (s *Supervisor) tick() {
	recs := s.store.List()
	values := make([]record.ProcessRecord, 0, len(recs))
	for _, r := range recs {
		values = append(values, *r)
	}
	samples := s.sampler.SampleAll(values)
	for i := range samples {
		s.metrics.Observe(samples[i])
	}
	for i := range values {
		rec := &values[i]
		if !rec.State.HasPID() || rec.PID <= 0 {
			continue
		}
		s.mu.Lock()
		_, owned := s.procs[rec.Name]
		s.mu.Unlock()
		if !owned && !launcher.IsAlive(rec.PID) {
			// adopted from a previous daemon instance; no Wait handle
			s.adoptedExit(rec.Name)
			continue
		}
		decision, reason := s.engine.OnSample(rec, samples[i], time.Now())
		if decision == policy.DecisionRestart {
			delay := rec.Policy.RestartDelay
			if reason == policy.ReasonSchedule {
				delay = 0
			}
			if owned {
				go s.policyRestart(rec.Name, string(reason), delay)
			} else {
				go s.adoptedRestart(rec.Name, string(reason), delay)
			}
		}
	}
}

// Start launches an app. When spec.Command is empty the stored
// configuration is reused, so a crashed or stopped app restarts by name.
func (s *Supervisor) Start(spec record.ProcessRecord) (*record.ProcessRecord, error) {
	if err := policy.ValidateCron(spec.Policy.Cron); err != nil {
		return nil, fmt.Errorf("app %s: %w", spec.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.procs[spec.Name]; live {
		return nil, fmt.Errorf("start %s: %w", spec.Name, ErrAlreadyRunning)
	}

	rec, err := s.store.Get(spec.Name)
	switch {
	case err == nil:
		if rec.State.HasPID() && launcher.IsAlive(rec.PID) {
			return nil, fmt.Errorf("start %s: %w", spec.Name, ErrAlreadyRunning)
		}
		if spec.Command != "" {
			rec.Command = spec.Command
			rec.Args = spec.Args
			rec.Cwd = spec.Cwd
			rec.Env = spec.Env
			rec.Port = spec.Port
			rec.Policy = spec.Policy
			rec.TimePrefix = spec.TimePrefix
			if spec.LogPath != "" {
				rec.LogPath = spec.LogPath
			}
		}
	case errors.Is(err, store.ErrNotFound):
		rec = spec.Clone()
		rec.State = record.StateStopped
		rec.RestartCount = 0
	default:
		return nil, err
	}
	if rec.LogPath == "" {
		rec.LogPath = s.mux.LogPath(rec.Name)
	}

	from := rec.State
	rec.State = record.StateStarting
	rec.PID = 0
	rec.DegradedLogging = false
	if err := s.store.Upsert(rec); err != nil {
		return nil, err
	}
	s.metrics.SetState(rec.Name, record.StateStarting)
	s.emit(history.Event{Name: rec.Name, From: from, To: record.StateStarting, Reason: "start"})

	if err := s.launchLocked(rec, "launched"); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// launchLocked runs the Starting -> Running leg. On launch failure the
// record is left Errored and never retried. mu must be held.
func (s *Supervisor) launchLocked(rec *record.ProcessRecord, reason string) error {
	child, err := launcher.Launch(rec)
	if err != nil {
		rec.State = record.StateErrored
		rec.PID = 0
		now := time.Now().UTC()
		rec.LastExitAt = &now
		if perr := s.store.Upsert(rec); perr != nil {
			s.log.Error("failed to persist errored state", "name", rec.Name, "error", perr)
		}
		s.metrics.SetState(rec.Name, record.StateErrored)
		s.emit(history.Event{Name: rec.Name, From: record.StateStarting, To: record.StateErrored, Reason: err.Error()})
		return err
	}
	handle := s.mux.Attach(rec.Name, rec.LogPath, child.Stdout, child.Stderr, rec.TimePrefix, s.markDegraded)

	rec.State = record.StateRunning
	rec.PID = child.PID
	if err := s.store.Upsert(rec); err != nil {
		// cannot record the running process; kill it rather than drift
		go child.Wait()
		child.Terminate(false, 0)
		return err
	}
	s.metrics.SetState(rec.Name, record.StateRunning)
	s.emit(history.Event{Name: rec.Name, From: record.StateStarting, To: record.StateRunning, PID: child.PID, Reason: reason})
	s.log.Info("app running", "name", rec.Name, "pid", child.PID)

	p := &proc{child: child, handle: handle}
	s.procs[rec.Name] = p
	s.wg.Add(1)
	go s.monitor(rec.Name, p)
	return nil
}

// monitor applies the exit transition once the child is gone. Pipe EOF is
// the fast path; the liveness probe catches children whose pipes were
// inherited by a surviving grandchild and so never close.
func (s *Supervisor) monitor(name string, p *proc) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.handle.Done():
			st := p.child.Wait()
			s.onExit(name, p, st)
			return
		case <-ticker.C:
			if launcher.IsAlive(p.child.PID) {
				continue
			}
			// the child exited but something still holds its pipes; give
			// the drain one interval to hit EOF, then reap. Wait closes
			// the pipe read ends, which unblocks the drain goroutines.
			select {
			case <-p.handle.Done():
			case <-time.After(s.interval):
			}
			st := p.child.Wait()
			<-p.handle.Done()
			s.onExit(name, p, st)
			return
		}
	}
}

func (s *Supervisor) onExit(name string, p *proc, st launcher.ExitStatus) {
	s.mu.Lock()
	if s.procs[name] == p {
		delete(s.procs, name)
	}
	rec, err := s.store.Get(name)
	if err != nil {
		s.mu.Unlock()
		return // cleared while running down
	}
	from := rec.State
	rec.PID = 0
	rec.LastExitCode = st.Code
	at := st.At
	rec.LastExitAt = &at

	deliberate := p.deliberate || from == record.StateStopping
	reason := p.reason
	delay := p.delay

	switch {
	case p.relaunch:
		// restart already persisted by the requester; record the exit and
		// proceed to relaunch
		if err := s.store.Upsert(rec); err != nil {
			s.log.Error("failed to persist exit", "name", name, "error", err)
			s.mu.Unlock()
			return
		}
	case deliberate:
		s.transitionLocked(rec, from, record.StateStopped, "stopped")
		s.mu.Unlock()
		return
	case st.Clean():
		// ran to completion; completion is not a crash
		s.transitionLocked(rec, from, record.StateStopped, "exited cleanly")
		s.mu.Unlock()
		return
	default:
		s.transitionLocked(rec, from, record.StateCrashed, fmt.Sprintf("exit code %d", st.Code))
		s.engine.Reset(name)
		if s.engine.OnExit(rec, false) != policy.DecisionRestart {
			s.mu.Unlock()
			return
		}
		reason = string(policy.ReasonCrash)
		delay = rec.Policy.RestartDelay
		rec.State = record.StateRestarting
		rec.RestartCount++
		if err := s.store.Upsert(rec); err != nil {
			s.log.Error("failed to persist restart", "name", name, "error", err)
			s.mu.Unlock()
			return
		}
		s.metrics.SetState(name, record.StateRestarting)
		s.metrics.IncRestart(name, reason)
		s.emit(history.Event{Name: name, From: record.StateCrashed, To: record.StateRestarting, ExitCode: &st.Code, Reason: reason})
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
	}
	s.relaunch(name, reason)
}

// relaunch runs the Restarting -> Starting -> Running leg, aborting if the
// app was cleared or started by someone else in the meantime.
func (s *Supervisor) relaunch(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.procs[name]; live {
		return
	}
	rec, err := s.store.Get(name)
	if err != nil || rec.State != record.StateRestarting {
		return
	}
	rec.State = record.StateStarting
	rec.PID = 0
	rec.DegradedLogging = false
	if err := s.store.Upsert(rec); err != nil {
		s.log.Error("failed to persist relaunch", "name", name, "error", err)
		return
	}
	s.metrics.SetState(name, record.StateStarting)
	s.emit(history.Event{Name: name, From: record.StateRestarting, To: record.StateStarting, Reason: reason})
	if err := s.launchLocked(rec, reason); err != nil {
		s.log.Error("relaunch failed", "name", name, "error", err)
	}
}

// Stop terminates an app and waits for the exit transition to land.
// Stopping is persisted before the signal goes out so a crash mid-stop is
// never misread as unexpected.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	rec, err := s.store.Get(name)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	p := s.procs[name]
	if p == nil && !rec.State.HasPID() {
		s.mu.Unlock()
		return fmt.Errorf("stop %s: %w", name, ErrNotRunning)
	}
	if p == nil && !launcher.IsAlive(rec.PID) {
		// the adopted pid is already gone and that exit was never
		// requested; record the crash instead of a stop
		from := rec.State
		rec.PID = 0
		rec.LastExitCode = -1
		now := time.Now().UTC()
		rec.LastExitAt = &now
		s.transitionLocked(rec, from, record.StateCrashed, "process vanished")
		s.mu.Unlock()
		return fmt.Errorf("stop %s: %w", name, ErrNotRunning)
	}
	from := rec.State
	pid := rec.PID
	rec.State = record.StateStopping
	if err := s.store.Upsert(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.metrics.SetState(name, record.StateStopping)
	s.emit(history.Event{Name: name, From: from, To: record.StateStopping, PID: pid, Reason: "stop"})
	grace := rec.Policy.GracePeriod()
	if p != nil {
		p.deliberate = true
	}
	s.mu.Unlock()

	s.engine.Reset(name)
	if p != nil {
		p.child.Terminate(true, grace)
		select {
		case <-p.child.Done():
		case <-time.After(grace + 5*time.Second):
			return fmt.Errorf("stop %s: process did not exit", name)
		}
		// wait for the monitor to land the Stopped transition so callers
		// observe a terminal state
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			rec, err := s.store.Get(name)
			if err != nil || rec.State != record.StateStopping {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	}
	// adopted process from a previous daemon instance
	launcher.TerminatePID(pid, true, grace)
	return s.markStopped(name, "stopped")
}

// Restart stops a running app and relaunches it, or starts it from the
// stored configuration when it is not running.
func (s *Supervisor) Restart(name string) error {
	s.mu.Lock()
	rec, err := s.store.Get(name)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	p := s.procs[name]
	if p == nil {
		s.mu.Unlock()
		if rec.State.HasPID() && launcher.IsAlive(rec.PID) {
			// adopted: stop by pid, then start fresh
			launcher.TerminatePID(rec.PID, true, rec.Policy.GracePeriod())
			if err := s.markStopped(name, "restart"); err != nil {
				return err
			}
		}
		_, err := s.Start(record.ProcessRecord{Name: name})
		return err
	}
	from := rec.State
	rec.State = record.StateRestarting
	rec.RestartCount++
	if err := s.store.Upsert(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.metrics.SetState(name, record.StateRestarting)
	s.metrics.IncRestart(name, "command")
	s.emit(history.Event{Name: name, From: from, To: record.StateRestarting, PID: rec.PID, Reason: "restart command"})
	p.deliberate = true
	p.relaunch = true
	p.reason = "command"
	grace := rec.Policy.GracePeriod()
	s.mu.Unlock()

	s.engine.Reset(name)
	p.child.Terminate(true, grace)
	return nil
}

// RestartAll restarts every app that currently has a live process.
func (s *Supervisor) RestartAll() []error {
	var errs []error
	for _, rec := range s.store.List() {
		if !rec.State.HasPID() {
			continue
		}
		if err := s.Restart(rec.Name); err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", rec.Name, err))
		}
	}
	return errs
}

// policyRestart applies a Restart decision from the sampling loop.
func (s *Supervisor) policyRestart(name, reason string, delay time.Duration) {
	s.mu.Lock()
	p := s.procs[name]
	rec, err := s.store.Get(name)
	if p == nil || err != nil || p.deliberate {
		s.mu.Unlock()
		return
	}
	from := rec.State
	rec.State = record.StateRestarting
	rec.RestartCount++
	if err := s.store.Upsert(rec); err != nil {
		s.log.Error("failed to persist policy restart", "name", name, "error", err)
		s.mu.Unlock()
		return
	}
	s.metrics.SetState(name, record.StateRestarting)
	s.metrics.IncRestart(name, reason)
	s.emit(history.Event{Name: name, From: from, To: record.StateRestarting, PID: rec.PID, Reason: reason})
	s.log.Info("policy restart", "name", name, "reason", reason)
	p.deliberate = true
	p.relaunch = true
	p.reason = reason
	p.delay = delay
	grace := rec.Policy.GracePeriod()
	s.mu.Unlock()

	s.engine.Reset(name)
	p.child.Terminate(true, grace)
}

// adoptedRestart applies a Restart decision to a process adopted from a
// previous daemon instance. There is no Wait handle, so it is stopped by
// pid and relaunched from the stored configuration.
func (s *Supervisor) adoptedRestart(name, reason string, delay time.Duration) {
	s.mu.Lock()
	rec, err := s.store.Get(name)
	if err != nil || !rec.State.HasPID() ||
		rec.State == record.StateRestarting || rec.State == record.StateStopping {
		s.mu.Unlock()
		return
	}
	if _, live := s.procs[name]; live {
		s.mu.Unlock()
		return
	}
	from := rec.State
	pid := rec.PID
	grace := rec.Policy.GracePeriod()
	rec.State = record.StateRestarting
	rec.RestartCount++
	if err := s.store.Upsert(rec); err != nil {
		s.log.Error("failed to persist policy restart", "name", name, "error", err)
		s.mu.Unlock()
		return
	}
	s.metrics.SetState(name, record.StateRestarting)
	s.metrics.IncRestart(name, reason)
	s.emit(history.Event{Name: name, From: from, To: record.StateRestarting, PID: pid, Reason: reason})
	s.log.Info("policy restart", "name", name, "reason", reason, "adopted", true)
	s.mu.Unlock()

	s.engine.Reset(name)
	launcher.TerminatePID(pid, true, grace)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
	}
	s.relaunch(name, reason)
}

// adoptedExit records the crash of a process that outlived the daemon that
// launched it.
func (s *Supervisor) adoptedExit(name string) {
	s.mu.Lock()
	rec, err := s.store.Get(name)
	// Restarting means a relaunch is already pending and Stopping a
	// deliberate stop; in both the pid is expected to be gone.
	if err != nil || !rec.State.HasPID() ||
		rec.State == record.StateRestarting || rec.State == record.StateStopping {
		s.mu.Unlock()
		return
	}
	from := rec.State
	rec.PID = 0
	rec.LastExitCode = -1
	now := time.Now().UTC()
	rec.LastExitAt = &now
	s.transitionLocked(rec, from, record.StateCrashed, "process vanished")
	restart := s.engine.OnExit(rec, false) == policy.DecisionRestart
	if restart {
		rec.State = record.StateRestarting
		rec.RestartCount++
		if err := s.store.Upsert(rec); err != nil {
			s.mu.Unlock()
			return
		}
		s.metrics.SetState(name, record.StateRestarting)
		s.metrics.IncRestart(name, string(policy.ReasonCrash))
		s.emit(history.Event{Name: name, From: record.StateCrashed, To: record.StateRestarting, Reason: string(policy.ReasonCrash)})
	}
	delay := rec.Policy.RestartDelay
	s.mu.Unlock()
	if !restart {
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
	}
	s.relaunch(name, string(policy.ReasonCrash))
}

// transitionLocked persists a terminal-ish transition and emits the event.
func (s *Supervisor) transitionLocked(rec *record.ProcessRecord, from, to record.State, reason string) {
	rec.State = to
	if err := s.store.Upsert(rec); err != nil {
		s.log.Error("failed to persist transition", "name", rec.Name, "to", to, "error", err)
		return
	}
	s.metrics.SetState(rec.Name, to)
	code := rec.LastExitCode
	s.emit(history.Event{Name: rec.Name, From: from, To: to, ExitCode: &code, Reason: reason})
	s.log.Info("app transition", "name", rec.Name, "from", from, "to", to, "reason", reason)
}

func (s *Supervisor) markStopped(name, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.store.Get(name)
	if err != nil {
		return err
	}
	from := rec.State
	rec.PID = 0
	now := time.Now().UTC()
	rec.LastExitAt = &now
	s.transitionLocked(rec, from, record.StateStopped, reason)
	return nil
}

// markDegraded flags a record whose log file became unwritable. The child
// keeps running; only capture is degraded.
func (s *Supervisor) markDegraded(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.store.Get(name)
	if err != nil {
		return
	}
	rec.DegradedLogging = true
	if err := s.store.Upsert(rec); err != nil {
		s.log.Error("failed to persist degraded-logging flag", "name", name, "error", err)
	}
}

// List returns all records sorted by name.
func (s *Supervisor) List() []*record.ProcessRecord {
	return s.store.List()
}

// Get returns one record.
func (s *Supervisor) Get(name string) (*record.ProcessRecord, error) {
	return s.store.Get(name)
}

// Status pairs a record with its latest metric sample.
type Status struct {
	record.ProcessRecord
	Sample *record.MetricSample `json:"sample,omitempty"`
}

// Statuses returns the list view shown by the CLI.
func (s *Supervisor) Statuses() []Status {
	recs := s.store.List()
	out := make([]Status, 0, len(recs))
	for _, rec := range recs {
		st := Status{ProcessRecord: *rec}
		if sample, ok := s.sampler.Latest(rec.Name); ok && !sample.Absent() {
			st.Sample = &sample
		}
		out = append(out, st)
	}
	return out
}

// Clear deletes one app. Live apps must be stopped first.
func (s *Supervisor) Clear(name string) error {
	rec, err := s.store.Get(name)
	if err != nil {
		return err
	}
	if !rec.State.Terminal() {
		return fmt.Errorf("clear %s: %w", name, store.ErrNotTerminal)
	}
	if err := s.store.Delete(name); err != nil {
		return err
	}
	s.sampler.Forget(name)
	s.engine.Forget(name)
	s.metrics.Remove(name)
	s.emit(history.Event{Name: name, From: rec.State, To: rec.State, Reason: "cleared"})
	return nil
}

// ClearAll stops and deletes every app that existed at call time. Without
// confirm it refuses and deletes nothing.
func (s *Supervisor) ClearAll(confirm bool) error {
	if !confirm {
		return ErrConfirmRequired
	}
	var errs []error
	for _, rec := range s.store.List() {
		if !rec.State.Terminal() {
			if err := s.Stop(rec.Name); err != nil && !errors.Is(err, ErrNotRunning) {
				errs = append(errs, err)
				continue
			}
		}
		if err := s.Clear(rec.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the control loop and gracefully terminates every child
// this daemon launched. Child stdio is piped through the daemon, so
// leaving children behind would break their output on the next write.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.Stop(name); err != nil && !errors.Is(err, ErrNotRunning) {
				s.log.Warn("shutdown stop failed", "name", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
	s.wg.Wait()
}

func (s *Supervisor) emit(e history.Event) {
	if s.events == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.events.Append(ctx, e); err != nil {
		s.log.Warn("history append failed", "name", e.Name, "error", err)
	}
}
