package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"browserctl/internal/config"
	"browserctl/internal/logging"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 4 << 20

// Client talks to the orchestrator. Every request gets its own deadline so a
// hung orchestrator cannot leave a caller waiting indefinitely.
type Client struct {
	baseURL string
	apiKey  string
	userID  string
	timeout time.Duration
	http    *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates an orchestrator client from config.
func NewClient(cfg config.OrchestratorConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		userID:  cfg.UserID,
		timeout: cfg.GetTimeout(),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListContainers returns every container the orchestrator knows about.
func (c *Client) ListContainers(ctx context.Context) ([]Container, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "ListContainers")
	defer timer.Stop()

	body, err := c.do(ctx, http.MethodGet, "/containers", nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeContainerList(body)
	if err != nil {
		return nil, fmt.Errorf("decode container list: %w", err)
	}
	return list, nil
}

// FindContainer lists containers and returns the one for projectID, or
// ErrNotFound.
func (c *Client) FindContainer(ctx context.Context, projectID string) (*Container, error) {
	list, err := c.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ProjectID == projectID {
			return &list[i], nil
		}
	}
	return nil, ErrNotFound
}

// CreateContainer provisions a container for projectID.
func (c *Client) CreateContainer(ctx context.Context, projectID string) (*Container, error) {
	req := map[string]string{"projectId": projectID}
	if c.userID != "" {
		req["userId"] = c.userID
	}
	body, err := c.do(ctx, http.MethodPost, "/containers", req)
	if err != nil {
		return nil, err
	}
	ctr, err := decodeContainer(body)
	if err != nil {
		return nil, fmt.Errorf("decode container: %w", err)
	}
	if ctr.ProjectID == "" {
		ctr.ProjectID = projectID
	}
	if ctr.Port == 0 {
		return nil, fmt.Errorf("orchestrator returned no port for project %s", projectID)
	}
	return ctr, nil
}

// DeleteContainer tears down the container for projectID.
func (c *Client) DeleteContainer(ctx context.Context, projectID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/containers/"+url.PathEscape(projectID), nil)
	return err
}

// Heartbeat refreshes the container's last-activity time so the orchestrator
// does not reap it as idle.
func (c *Client) Heartbeat(ctx context.Context, projectID string) error {
	_, err := c.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(projectID)+"/heartbeat", nil)
	return err
}

// DispatchTask hands a stored task to the project's browser agent.
func (c *Client) DispatchTask(ctx context.Context, projectID string, task TaskDispatch) error {
	_, err := c.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(projectID)+"/agent/task", task)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	logging.APIDebug("orchestrator %s %s", method, path)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// IsNotFound reports whether err means the orchestrator has no such container.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}
