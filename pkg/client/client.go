// Package client talks to a running chatvisor daemon over its HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:7788/api"
	// DefaultTimeout covers the longest readiness wait of a dispatch.
	DefaultTimeout = 30 * time.Second
)

// ErrNotFound is returned for runs the daemon does not know.
var ErrNotFound = errors.New("client: not found")

// Client provides HTTP client functionality to communicate with the chatvisor daemon
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		// event streams stay open until the caller cancels
		stream: &http.Client{},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("Daemon reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

// Dispatch delivers a message. Busy, not-ready and unmanaged runs come
// back as an Outcome with OK false, not as an error.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (Outcome, error) {
	c.logger.Debug("Dispatching", "run", req.RunID, "force", req.Force, "mode", req.Mode)
	data, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal request: %w", err)
	}
	var out Outcome
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/dispatch", data, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Runs lists every run the daemon knows.
func (c *Client) Runs(ctx context.Context) ([]Run, error) {
	var out []Run
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/runs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run describes one run.
func (c *Client) Run(ctx context.Context, runID string) (Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return Run{}, err
	}
	return out, nil
}

// Stop asks a run to stop. hard kills its process tree instead of asking
// the worker.
func (c *Client) Stop(ctx context.Context, runID string, hard bool) error {
	u := c.baseURL + "/runs/" + url.PathEscape(runID) + "/stop"
	if hard {
		u += "?hard=1"
	}
	return c.do(ctx, http.MethodPost, u, nil, nil)
}

// Events streams run events to fn until ctx is done, the stream ends, or
// fn returns an error. An empty runID streams every run.
func (c *Client) Events(ctx context.Context, runID string, fn func(Event) error) error {
	u := c.baseURL + "/events"
	if runID != "" {
		u += "?run=" + url.QueryEscape(runID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	err = readEvents(resp.Body, func(name string, data []byte) error {
		if name == "ready" {
			return nil
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Debug("Skipping malformed event", "event", name, "error", err)
			return nil
		}
		return fn(e)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses a server-sent event stream.
func readEvents(r io.Reader, fn func(name string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var name string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				if err := fn(name, data); err != nil {
					return err
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimSpace(line[len("data:"):])...)
		}
	}
	return sc.Err()
}

// do performs an HTTP request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
