package logmux

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func attachPipes(t *testing.T, m *Mux, name, path string, timePrefix bool, onDegraded func(string)) (*Handle, io.WriteCloser, io.WriteCloser) {
	t.Helper()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	h := m.Attach(name, path, outR, errR, timePrefix, onDegraded)
	return h, outW, errW
}

func TestAttachWritesFile(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	h, outW, errW := attachPipes(t, m, "web", "", false, nil)
	_, _ = outW.Write([]byte("first line\n"))
	_, _ = errW.Write([]byte("oops line\n"))
	_ = outW.Close()
	_ = errW.Close()
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("handle never drained")
	}
	data, err := os.ReadFile(m.LogPath("web"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, "first line") || !strings.Contains(s, "oops line") {
		t.Fatalf("log content = %q", s)
	}
}

func TestTimePrefix(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	h, outW, errW := attachPipes(t, m, "stamped", "", true, nil)
	_, _ = outW.Write([]byte("hello\n"))
	_ = outW.Close()
	_ = errW.Close()
	<-h.Done()
	data, err := os.ReadFile(m.LogPath("stamped"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 || fields[1] != "hello" {
		t.Fatalf("line = %q", line)
	}
	if _, err := time.Parse(time.RFC3339, fields[0]); err != nil {
		t.Fatalf("prefix %q not a timestamp: %v", fields[0], err)
	}
}

func TestSubscribeReceivesNewLines(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	h, outW, errW := attachPipes(t, m, "feed", "", false, nil)
	for i := 0; i < 3; i++ {
		_, _ = outW.Write([]byte("early\n"))
	}
	// let the early lines flush before subscribing
	time.Sleep(100 * time.Millisecond)
	ch, cancel := m.Subscribe("feed")
	defer cancel()
	_, _ = outW.Write([]byte("late\n"))
	select {
	case line := <-ch:
		if line.Text != "late" {
			t.Fatalf("got %q, want the line written after subscribing", line.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscriber never received the new line")
	}
	_ = outW.Close()
	_ = errW.Close()
	<-h.Done()
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	m := New(t.TempDir(), nil)
	ch, cancel := m.Subscribe("gone")
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after cancel")
	}
	cancel() // second cancel is a no-op
}

func TestDegradedLoggingKeepsDraining(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	// point the log at a directory so every write fails
	bad := filepath.Join(dir, "as-dir")
	if err := os.Mkdir(bad, 0o755); err != nil {
		t.Fatal(err)
	}
	var flagged string
	h, outW, errW := attachPipes(t, m, "noisy", bad, false, func(name string) { flagged = name })
	ch, cancel := m.Subscribe("noisy")
	defer cancel()
	_, _ = outW.Write([]byte("still flowing\n"))
	select {
	case line := <-ch:
		if line.Text != "still flowing" {
			t.Fatalf("got %q", line.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscriber starved while file writes fail")
	}
	_ = outW.Close()
	_ = errW.Close()
	<-h.Done()
	if flagged != "noisy" {
		t.Fatalf("degraded callback not invoked, flagged=%q", flagged)
	}
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("line\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := Tail(path, 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines, err = Tail(filepath.Join(t.TempDir(), "missing.log"), 5); err != nil || lines != nil {
		t.Fatalf("missing file should yield nothing, got %v %v", lines, err)
	}
}
