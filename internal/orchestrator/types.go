// Package orchestrator is a client for the container-lifecycle REST API that
// provisions one ephemeral browser worker container per project.
package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the orchestrator has no container for a project.
var ErrNotFound = errors.New("container not found")

// Container statuses reported by the orchestrator.
const (
	StatusCreating = "creating"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// Container is the client's view of one worker container.
type Container struct {
	ProjectID    string    `json:"projectId"`
	Port         int       `json:"port"`
	VNCPort      int       `json:"vncPort,omitempty"`
	Status       string    `json:"status,omitempty"`
	MCPURL       string    `json:"mcpUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}

// wireContainer accepts every shape the orchestrator has been seen to return:
// numeric or string project IDs, port under port/mcpPort/apiPort, and
// timestamps as ISO strings or epoch milliseconds.
type wireContainer struct {
	ProjectID    json.RawMessage `json:"projectId"`
	Port         *int            `json:"port"`
	MCPPort      *int            `json:"mcpPort"`
	APIPort      *int            `json:"apiPort"`
	VNCPort      *int            `json:"vncPort"`
	Status       string          `json:"status"`
	MCPURL       string          `json:"mcpUrl"`
	CreatedAt    json.RawMessage `json:"createdAt"`
	LastActivity json.RawMessage `json:"lastActivity"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Container) UnmarshalJSON(data []byte) error {
	var w wireContainer
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id, err := decodeID(w.ProjectID)
	if err != nil {
		return fmt.Errorf("projectId: %w", err)
	}

	*c = Container{
		ProjectID: id,
		Status:    w.Status,
		MCPURL:    w.MCPURL,
	}

	switch {
	case w.Port != nil && *w.Port > 0:
		c.Port = *w.Port
	case w.MCPPort != nil && *w.MCPPort > 0:
		c.Port = *w.MCPPort
	case w.APIPort != nil && *w.APIPort > 0:
		c.Port = *w.APIPort
	default:
		c.Port = portFromURL(w.MCPURL)
	}
	if w.VNCPort != nil {
		c.VNCPort = *w.VNCPort
	}

	if c.CreatedAt, err = decodeTime(w.CreatedAt); err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	if c.LastActivity, err = decodeTime(w.LastActivity); err != nil {
		return fmt.Errorf("lastActivity: %w", err)
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func portFromURL(raw string) int {
	if raw == "" {
		return 0
	}
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0
	}
	return p
}

// decodeContainerList accepts {"containers":[...]} or a bare array.
func decodeContainerList(body []byte) ([]Container, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []Container
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var wrapped struct {
		Containers []Container `json:"containers"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Containers, nil
}

// decodeContainer accepts {"container":{...}} or a bare object.
func decodeContainer(body []byte) (*Container, error) {
	var wrapped struct {
		Container json.RawMessage `json:"container"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	raw := json.RawMessage(body)
	if len(wrapped.Container) > 0 && string(wrapped.Container) != "null" {
		raw = wrapped.Container
	}
	var c Container
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// TaskDispatch is the body sent to the agent task endpoint.
type TaskDispatch struct {
	TaskID   string `json:"taskId"`
	Task     string `json:"task"`
	TaskType string `json:"taskType"`
	Priority int    `json:"priority"`
}
