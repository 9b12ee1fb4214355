package hookflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"
)

// Client talks to one instance's control plane.
type Client struct {
	http *http.Client
	host string
}

// NewClient returns a client for instances on host with the given request
// timeout. An empty host means localhost. Event submission can do real work
// server-side, so this timeout is longer than the probe timeout.
func NewClient(host string, timeout time.Duration) *Client {
	if host == "" {
		host = "127.0.0.1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		host: host,
	}
}

// IsConnRefused reports whether err is a refused connection. During the
// SessionEnd race the server may already be gone; that is expected, not an
// error worth alarming on.
func IsConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func (c *Client) url(port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", c.host, port, path)
}

func (c *Client) postJSON(ctx context.Context, port int, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, path), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, port int, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostEvent enqueues a hook event on the instance at port.
func (c *Client) PostEvent(ctx context.Context, port int, data map[string]any, arguments map[string]any, instanceID string) error {
	body := map[string]any{"data": data}
	if len(arguments) > 0 {
		body["arguments"] = arguments
	}
	if instanceID != "" {
		body["instance_id"] = instanceID
	}
	return c.postJSON(ctx, port, "/events", body, nil)
}

// RegisterSession upserts a session on the instance at port, optionally
// asking it to reap orphans as a side effect.
func (c *Client) RegisterSession(ctx context.Context, port int, session map[string]any, cleanup bool) error {
	path := "/sessions"
	if cleanup {
		path += "?cleanup=true"
	}
	return c.postJSON(ctx, port, path, session, nil)
}

// DeleteSession removes a session; deleting an absent session succeeds.
func (c *Client) DeleteSession(ctx context.Context, port int, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(port, "/sessions/"+sessionID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// SessionCount returns the number of sessions registered on port.
func (c *Client) SessionCount(ctx context.Context, port int) (int, error) {
	var out struct {
		ActiveSessions int `json:"active_sessions"`
	}
	path := fmt.Sprintf("/sessions/count?server_port=%d", port)
	if err := c.getJSON(ctx, port, path, &out); err != nil {
		return 0, err
	}
	return out.ActiveSessions, nil
}

// LastEvent reports whether the given instance still has queued work.
func (c *Client) LastEvent(ctx context.Context, port int, instanceID string) (status string, hasPending bool, err error) {
	var out struct {
		LastEventStatus string `json:"last_event_status"`
		HasPending      bool   `json:"has_pending"`
	}
	if err := c.getJSON(ctx, port, "/instances/"+instanceID+"/last-event", &out); err != nil {
		return "", false, err
	}
	return out.LastEventStatus, out.HasPending, nil
}

// Shutdown asks the instance at port to terminate gracefully.
func (c *Client) Shutdown(ctx context.Context, port int) error {
	return c.postJSON(ctx, port, "/shutdown", map[string]any{}, nil)
}

// Health returns the health payload of the instance at port.
func (c *Client) Health(ctx context.Context, port int) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, port, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}
