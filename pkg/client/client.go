// Package client talks to a running nodex daemon over its control API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nodex-sh/nodex/internal/history"
	"github.com/nodex-sh/nodex/internal/record"
	"github.com/nodex-sh/nodex/internal/server"
	"github.com/nodex-sh/nodex/internal/supervisor"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig points at a local daemon on the default port.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8745",
		Timeout: 15 * time.Second,
	}
}

// Client is a thin wrapper over the daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{baseURL: cfg.BaseURL, http: &http.Client{Timeout: cfg.Timeout}}
}

type envelope struct {
	Status  string          `json:"status"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: bad response: %w", method, path, err)
	}
	if env.Status != "ok" {
		return fmt.Errorf("%s", env.Error)
	}
	if out != nil && len(env.Payload) > 0 {
		return json.Unmarshal(env.Payload, out)
	}
	return nil
}

// Start launches or re-launches an app.
func (c *Client) Start(ctx context.Context, req server.StartRequest) (*record.ProcessRecord, error) {
	var rec record.ProcessRecord
	if err := c.call(ctx, http.MethodPost, "/api/start", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stop terminates an app gracefully.
func (c *Client) Stop(ctx context.Context, name string) (*record.ProcessRecord, error) {
	var rec record.ProcessRecord
	if err := c.call(ctx, http.MethodPost, "/api/stop", map[string]string{"name": name}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Restart bounces one app, or every running app when name is "all".
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodPost, "/api/restart", map[string]string{"name": name}, nil)
}

// List returns all managed apps with their latest samples.
func (c *Client) List(ctx context.Context) ([]supervisor.Status, error) {
	var out []supervisor.Status
	if err := c.call(ctx, http.MethodGet, "/api/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logs returns up to n trailing log lines for an app.
func (c *Client) Logs(ctx context.Context, name string, n int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	path := "/api/logs?name=" + url.QueryEscape(name) + "&lines=" + strconv.Itoa(n)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// FollowLogs streams log lines to fn until the context is cancelled, the
// stream ends, or fn returns an error.
func (c *Client) FollowLogs(ctx context.Context, name string, fn func(line string) error) error {
	path := c.baseURL + "/api/logs?name=" + url.QueryEscape(name) + "&follow=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	// the follow stream is unbounded; bypass the per-call timeout
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error != "" {
			return fmt.Errorf("%s", env.Error)
		}
		return fmt.Errorf("logs: unexpected status %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := fn(sc.Text()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Monitor returns the host snapshot plus all app statuses.
func (c *Client) Monitor(ctx context.Context) (*server.MonitorView, error) {
	var out server.MonitorView
	if err := c.call(ctx, http.MethodGet, "/api/monitor", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clear deletes one app, or every app when name is "all" and confirm is
// set. The daemon rejects an unconfirmed clear-all.
func (c *Client) Clear(ctx context.Context, name string, confirm bool) error {
	return c.call(ctx, http.MethodPost, "/api/clear", map[string]any{"name": name, "confirm": confirm}, nil)
}

// History returns recent lifecycle events, newest first.
func (c *Client) History(ctx context.Context, name string, limit int) ([]history.Event, error) {
	var out []history.Event
	path := "/api/history?limit=" + strconv.Itoa(limit)
	if name != "" {
		path += "&name=" + url.QueryEscape(name)
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Healthy reports whether a daemon answers on the base URL.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
