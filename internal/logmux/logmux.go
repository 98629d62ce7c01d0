// Package logmux copies child process output into per-app log files and
// fans lines out to live subscribers. The copy path never applies
// backpressure to the child: pipes are drained even when the log file is
// unwritable.
package logmux

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7

	// subscriber channel depth; slow subscribers drop lines past this
	subscriberBuffer = 256
)

// Line is one line of child output.
type Line struct {
	Name   string
	Stream string // "stdout" or "stderr"
	Text   string
	At     time.Time
}

// Mux owns log files and subscriptions for all managed apps.
type Mux struct {
	dir        string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	log        *slog.Logger

	mu      sync.Mutex
	subs    map[string]map[int]chan Line
	nextSub int
}

// New returns a multiplexer writing under dir. logger may be nil.
func New(dir string, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		dir:        dir,
		maxSizeMB:  DefaultMaxSizeMB,
		maxBackups: DefaultMaxBackups,
		maxAgeDays: DefaultMaxAgeDays,
		log:        logger,
		subs:       make(map[string]map[int]chan Line),
	}
}

// LogPath resolves the combined log file for an app.
func (m *Mux) LogPath(name string) string {
	return filepath.Join(m.dir, name+".log")
}

// Handle is one attached child. Done is closed after both streams hit EOF
// and the file writer is closed, so callers can reap the child without
// losing trailing output.
type Handle struct {
	name string
	mux  *Mux

	writerMu sync.Mutex
	writer   io.WriteCloser
	degraded bool

	onDegraded func(name string)

	wg   sync.WaitGroup
	done chan struct{}
}

// Attach starts draining stdout and stderr for a child. Lines go to the
// app's log file and to any subscribers. timePrefix adds a timestamp to
// each line written to the file. onDegraded fires at most once if the file
// becomes unwritable; the streams keep draining regardless. onDegraded may
// be nil.
func (m *Mux) Attach(name, logPath string, stdout, stderr io.ReadCloser, timePrefix bool, onDegraded func(name string)) *Handle {
	if logPath == "" {
		logPath = m.LogPath(name)
	}
	h := &Handle{
		name: name,
		mux:  m,
		writer: &lj.Logger{
			Filename:   logPath,
			MaxSize:    m.maxSizeMB,
			MaxBackups: m.maxBackups,
			MaxAge:     m.maxAgeDays,
		},
		onDegraded: onDegraded,
		done:       make(chan struct{}),
	}
	h.wg.Add(2)
	go h.drain(stdout, "stdout", timePrefix)
	go h.drain(stderr, "stderr", timePrefix)
	go func() {
		h.wg.Wait()
		h.closeWriter()
		close(h.done)
	}()
	return h
}

// Done is closed once both streams are fully drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Detach closes the file writer early. Draining continues to subscribers
// until the pipes close.
func (h *Handle) Detach() { h.closeWriter() }

func (h *Handle) closeWriter() {
	h.writerMu.Lock()
	defer h.writerMu.Unlock()
	if h.writer != nil {
		_ = h.writer.Close()
		h.writer = nil
	}
}

func (h *Handle) drain(r io.ReadCloser, stream string, timePrefix bool) {
	defer h.wg.Done()
	defer func() { _ = r.Close() }()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := Line{Name: h.name, Stream: stream, Text: sc.Text(), At: time.Now().UTC()}
		h.writeLine(line, timePrefix)
		h.mux.publish(line)
	}
	if err := sc.Err(); err != nil {
		h.mux.log.Debug("log stream ended", "name", h.name, "stream", stream, "error", err)
	}
}

func (h *Handle) writeLine(line Line, timePrefix bool) {
	h.writerMu.Lock()
	defer h.writerMu.Unlock()
	if h.writer == nil {
		return
	}
	var out string
	if timePrefix {
		out = fmt.Sprintf("%s %s\n", line.At.Format(time.RFC3339), line.Text)
	} else {
		out = line.Text + "\n"
	}
	if _, err := h.writer.Write([]byte(out)); err != nil {
		if !h.degraded {
			h.degraded = true
			h.mux.log.Warn("log file unwritable, dropping lines", "name", h.name, "error", err)
			if h.onDegraded != nil {
				h.onDegraded(h.name)
			}
		}
	}
}

// Subscribe returns a live feed of lines for an app, starting with the next
// line produced. Lines are dropped rather than blocking the child when the
// subscriber falls behind. The cancel func must be called to release the
// subscription.
func (m *Mux) Subscribe(name string) (<-chan Line, func()) {
	ch := make(chan Line, subscriberBuffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.subs[name] == nil {
		m.subs[name] = make(map[int]chan Line)
	}
	m.subs[name][id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if set, ok := m.subs[name]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(m.subs, name)
			}
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Tail returns up to n trailing lines of the app's log file. A missing file
// yields no lines and no error.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

func (m *Mux) publish(line Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[line.Name] {
		select {
		case ch <- line:
		default:
		}
	}
}
