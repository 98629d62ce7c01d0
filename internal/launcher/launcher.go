package launcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nodex-sh/nodex/internal/record"
)

// ErrKind classifies launch failures for the control client.
type ErrKind string

const (
	ErrCommandNotFound   ErrKind = "command_not_found"
	ErrPermissionDenied  ErrKind = "permission_denied"
	ErrWorkingDirInvalid ErrKind = "working_dir_invalid"
	ErrOther             ErrKind = "other"
)

// LaunchError is a classified start failure. The record stays Errored and is
// never retried automatically.
type LaunchError struct {
	Kind ErrKind
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitStatus is the outcome of a finished child process.
type ExitStatus struct {
	Code int
	Err  error
	At   time.Time
}

// Clean reports a deliberate, successful completion.
func (s ExitStatus) Clean() bool { return s.Code == 0 && s.Err == nil }

// Child is a launched OS process. Exactly one goroutine may call Wait; other
// observers use Done/Exit.
type Child struct {
	Name   string
	PID    int
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
	exit ExitStatus
}

// Launch starts the record's command with its cwd and merged environment.
// Stdout/Stderr pipes are open before Launch returns so the caller can hand
// them to the log multiplexer without losing early output.
func Launch(rec *record.ProcessRecord) (*Child, error) {
	if rec.Cwd != "" {
		fi, err := os.Stat(rec.Cwd)
		if err != nil || !fi.IsDir() {
			if err == nil {
				err = fmt.Errorf("%s is not a directory", rec.Cwd)
			}
			return nil, &LaunchError{Kind: ErrWorkingDirInvalid, Name: rec.Name, Err: err}
		}
	}
	cmd := buildCommand(rec)
	cmd.Dir = rec.Cwd
	cmd.Env = rec.MergedEnv()
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Kind: ErrOther, Name: rec.Name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Kind: ErrOther, Name: rec.Name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyStartErr(rec.Name, err)
	}
	return &Child{
		Name:   rec.Name,
		PID:    cmd.Process.Pid,
		Stdout: stdout,
		Stderr: stderr,
		cmd:    cmd,
		done:   make(chan struct{}),
	}, nil
}

// Wait reaps the process and records its exit status. Callers must drain the
// stdout/stderr pipes first; Wait closes them.
func (c *Child) Wait() ExitStatus {
	c.once.Do(func() {
		err := c.cmd.Wait()
		st := ExitStatus{At: time.Now().UTC()}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			st.Code = 0
		case errors.As(err, &exitErr):
			st.Code = exitErr.ExitCode()
			st.Err = err
		default:
			st.Code = -1
			st.Err = err
		}
		c.exit = st
		close(c.done)
	})
	return c.exit
}

// Done is closed once Wait has reaped the process.
func (c *Child) Done() <-chan struct{} { return c.done }

// Exit returns the recorded status; valid after Done is closed.
func (c *Child) Exit() ExitStatus { return c.exit }

// Terminate stops the child. Graceful sends the interrupt signal to the
// process group and waits up to grace before escalating to a forceful kill;
// graceful=false kills immediately. The child must have a concurrent Wait in
// flight so the exit can be observed.
func (c *Child) Terminate(graceful bool, grace time.Duration) {
	if !graceful {
		killGroup(c.PID)
		c.awaitReap(2 * time.Second)
		return
	}
	interruptGroup(c.PID)
	select {
	case <-c.done:
		return
	case <-time.After(grace):
	}
	killGroup(c.PID)
	c.awaitReap(2 * time.Second)
}

func (c *Child) awaitReap(limit time.Duration) {
	select {
	case <-c.done:
	case <-time.After(limit):
		// best-effort; the waiter will reap eventually
	}
}

// TerminatePID stops a process the supervisor did not launch itself, found
// again after a daemon restart. Graceful polls for exit during the grace
// period before escalating.
func TerminatePID(pid int, graceful bool, grace time.Duration) {
	if pid <= 0 {
		return
	}
	if !graceful {
		killGroup(pid)
		return
	}
	interruptGroup(pid)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	killGroup(pid)
}

func classifyStartErr(name string, err error) *LaunchError {
	switch {
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist):
		return &LaunchError{Kind: ErrCommandNotFound, Name: name, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &LaunchError{Kind: ErrPermissionDenied, Name: name, Err: err}
	default:
		return &LaunchError{Kind: ErrOther, Name: name, Err: err}
	}
}

// buildCommand constructs the exec.Cmd for a record. Explicit Args bypass the
// shell entirely; a bare command string goes through the shell only when it
// carries metacharacters, and an explicit "sh -c ..." prefix is honored
// without double-wrapping.
func buildCommand(rec *record.ProcessRecord) *exec.Cmd {
	if len(rec.Args) > 0 {
		// #nosec G204
		return exec.Command(rec.Command, rec.Args...)
	}
	cmdStr := strings.TrimSpace(rec.Command)
	if after, ok := stripExplicitShell(cmdStr); ok {
		return shellCommand(after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(parts[0], args...)
}

// stripExplicitShell detects "sh -c <ARG>" prefixes and returns the script
// with one pair of surrounding quotes removed.
func stripExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
