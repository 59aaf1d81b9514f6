// Package worker is a client for the per-container session worker: screenshot
// capture, the server-sent event stream, health and browser bootstrap, VNC
// control, and stuck-task cleanup.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"browserctl/internal/logging"
)

// ErrNoScreenshot is returned when the worker answers without an image.
var ErrNoScreenshot = errors.New("worker returned no screenshot")

const maxBodyBytes = 32 << 20

// Client talks to one session worker.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the worker at baseURL (e.g. http://host:10100).
// timeout bounds each unary request; the event stream is bounded only by its
// context.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the worker base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Screenshot is one captured frame.
type Screenshot struct {
	PNG        []byte
	Base64     string
	CapturedAt time.Time
}

// DataURL returns the frame as an inline image URL.
func (s Screenshot) DataURL() string {
	return "data:image/png;base64," + s.Base64
}

// Screenshot captures the current page.
func (c *Client) Screenshot(ctx context.Context) (*Screenshot, error) {
	var out struct {
		Screenshot string `json:"screenshot"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/mcp/screenshot", nil, &out); err != nil {
		return nil, err
	}
	if out.Screenshot == "" {
		return nil, ErrNoScreenshot
	}
	png, err := base64.StdEncoding.DecodeString(out.Screenshot)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return &Screenshot{PNG: png, Base64: out.Screenshot, CapturedAt: time.Now()}, nil
}

// Health is the worker's self-report.
type Health struct {
	Status         string `json:"status"`
	BrowserRunning bool   `json:"browserRunning"`
}

// Health reads GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// InitBrowser asks the worker to launch its browser.
func (c *Client) InitBrowser(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/browser/init", struct{}{}, nil)
}

// StartVNC starts the worker's VNC services.
func (c *Client) StartVNC(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/vnc/start", struct{}{}, nil)
}

// StopVNC stops the worker's VNC services.
func (c *Client) StopVNC(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/vnc/stop", struct{}{}, nil)
}

// VNCHeartbeat keeps the VNC session alive.
func (c *Client) VNCHeartbeat(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/vnc/heartbeat", struct{}{}, nil)
}

// CleanupResult is the worker's answer to a force cleanup.
type CleanupResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ForceCleanup releases a task the worker considers stuck.
func (c *Client) ForceCleanup(ctx context.Context) (*CleanupResult, error) {
	var out CleanupResult
	if err := c.doJSON(ctx, http.MethodPost, "/agent/force-cleanup", struct{}{}, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "unknown error"
		}
		return &out, fmt.Errorf("force cleanup failed: %s", msg)
	}
	return &out, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker %s: status %d: %s", e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logging.APIDebug("worker %s %s%s", method, c.baseURL, path)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("worker %s: read body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("worker %s: decode: %w", path, err)
	}
	return nil
}
