//go:build !windows

package launcher

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nodex-sh/nodex/internal/record"
)

func TestLaunchWaitCleanExit(t *testing.T) {
	ch, err := Launch(&record.ProcessRecord{Name: "echoer", Command: "echo hello"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	out, _ := io.ReadAll(ch.Stdout)
	_, _ = io.ReadAll(ch.Stderr)
	st := ch.Wait()
	if !st.Clean() {
		t.Fatalf("expected clean exit, got code=%d err=%v", st.Code, st.Err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Fatalf("stdout = %q", out)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatalf("Done not closed after Wait")
	}
}

func TestLaunchNonZeroExit(t *testing.T) {
	ch, err := Launch(&record.ProcessRecord{Name: "failer", Command: "sh -c 'exit 3'"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	_, _ = io.ReadAll(ch.Stdout)
	_, _ = io.ReadAll(ch.Stderr)
	st := ch.Wait()
	if st.Code != 3 {
		t.Fatalf("exit code = %d, want 3", st.Code)
	}
	if st.Clean() {
		t.Fatalf("non-zero exit reported clean")
	}
}

func TestLaunchCommandNotFound(t *testing.T) {
	_, err := Launch(&record.ProcessRecord{Name: "ghost", Command: "definitely-not-a-real-binary-xyz"})
	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if le.Kind != ErrCommandNotFound {
		t.Fatalf("kind = %s, want %s", le.Kind, ErrCommandNotFound)
	}
}

func TestLaunchWorkingDirInvalid(t *testing.T) {
	_, err := Launch(&record.ProcessRecord{Name: "lost", Command: "echo hi", Cwd: "/no/such/dir"})
	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if le.Kind != ErrWorkingDirInvalid {
		t.Fatalf("kind = %s, want %s", le.Kind, ErrWorkingDirInvalid)
	}
}

func TestTerminateGraceful(t *testing.T) {
	ch, err := Launch(&record.ProcessRecord{Name: "sleeper", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	go func() {
		_, _ = io.ReadAll(ch.Stdout)
		_, _ = io.ReadAll(ch.Stderr)
		ch.Wait()
	}()
	start := time.Now()
	ch.Terminate(true, 5*time.Second)
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("child not reaped after terminate")
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("graceful terminate escalated instead of honoring SIGTERM")
	}
	if IsAlive(ch.PID) {
		t.Fatalf("pid %d still alive", ch.PID)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	ch, err := Launch(&record.ProcessRecord{Name: "stubborn", Command: `sh -c 'trap "" TERM; sleep 30'`})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	go func() {
		_, _ = io.ReadAll(ch.Stdout)
		_, _ = io.ReadAll(ch.Stderr)
		ch.Wait()
	}()
	// give the shell a moment to install the trap
	time.Sleep(200 * time.Millisecond)
	ch.Terminate(true, 500*time.Millisecond)
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("child survived SIGKILL escalation")
	}
}

func TestIsAliveBadPID(t *testing.T) {
	if IsAlive(0) || IsAlive(-1) {
		t.Fatalf("non-positive pid reported alive")
	}
}

func TestBuildCommandShapes(t *testing.T) {
	cases := []struct {
		name    string
		rec     record.ProcessRecord
		path    string
		argsLen int
	}{
		{"explicit args", record.ProcessRecord{Command: "ls", Args: []string{"-l", "/tmp"}}, "ls", 3},
		{"plain split", record.ProcessRecord{Command: "echo hi there"}, "echo", 3},
		{"metachar shell", record.ProcessRecord{Command: "echo hi | wc -c"}, "/bin/sh", 3},
		{"explicit sh -c", record.ProcessRecord{Command: `sh -c 'echo hi'`}, "/bin/sh", 3},
	}
	for _, tc := range cases {
		cmd := buildCommand(&tc.rec)
		if !strings.HasSuffix(cmd.Path, tc.path) && cmd.Args[0] != tc.path {
			t.Fatalf("%s: path = %q, want %q", tc.name, cmd.Path, tc.path)
		}
		if len(cmd.Args) != tc.argsLen {
			t.Fatalf("%s: args = %v", tc.name, cmd.Args)
		}
	}
}

func TestStripExplicitShell(t *testing.T) {
	got, ok := stripExplicitShell(`sh -c 'echo hi'`)
	if !ok || got != "echo hi" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := stripExplicitShell("echo sh -c later"); ok {
		t.Fatalf("false positive shell prefix")
	}
}
