//go:build !windows

package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nodex-sh/nodex/internal/logmux"
	"github.com/nodex-sh/nodex/internal/record"
	"github.com/nodex-sh/nodex/internal/server"
	"github.com/nodex-sh/nodex/internal/store"
	"github.com/nodex-sh/nodex/internal/supervisor"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	sup, err := supervisor.New(supervisor.Options{
		Store: st,
		Mux:   logmux.New(filepath.Join(dir, "logs"), nil),
	})
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	t.Cleanup(sup.Shutdown)
	srv := httptest.NewServer(server.NewRouter(sup, nil, nil).Handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL})
}

func TestRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	if !c.Healthy(ctx) {
		t.Fatalf("daemon not healthy")
	}
	rec, err := c.Start(ctx, server.StartRequest{Name: "svc", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.State != record.StateRunning {
		t.Fatalf("state = %s", rec.State)
	}
	list, err := c.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	if _, err := c.Stop(ctx, "svc"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Clear(ctx, "svc", false); err != nil {
		t.Fatalf("clear one: %v", err)
	}
	if _, err := c.Stop(ctx, "svc"); err == nil {
		t.Fatalf("stop after clear succeeded")
	}
}

func TestServerErrorsSurfaceAsText(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	_, err := c.Stop(ctx, "ghost")
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("error = %v", err)
	}
	if err := c.Clear(ctx, "all", false); err == nil {
		t.Fatalf("unconfirmed clear all accepted")
	}
}

func TestFollowLogsStreams(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := c.Start(ctx, server.StartRequest{
		Name:    "ticker",
		Command: "sh -c 'while true; do echo tick; sleep 0.1; done'",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	var stop = errors.New("saw a line")
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.FollowLogs(ctx, "ticker", func(line string) error {
			if strings.Contains(line, "tick") {
				return stop
			}
			return nil
		})
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, stop) {
			t.Fatalf("follow ended with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no lines streamed")
	}
}

func TestHealthyFalseWithoutDaemon(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if c.Healthy(ctx) {
		t.Fatalf("unreachable daemon reported healthy")
	}
}
