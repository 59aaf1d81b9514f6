// Package browser manages the remote browser session of each project: the
// container lifecycle against the orchestrator, the live telemetry stream and
// screenshot feed from the session worker, and periodic reconciliation of the
// local view against the orchestrator's.
package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"browserctl/internal/orchestrator"
)

// ErrNoSession is returned when an operation needs an attached worker and the
// project is not connected.
var ErrNoSession = errors.New("no connected browser session")

// ErrClosed is returned by actions on a closed controller.
var ErrClosed = errors.New("controller closed")

// ConnectionStatus is the client's belief about the project's session.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// SessionStatus is the container status as reported by the orchestrator.
type SessionStatus string

const (
	SessionAbsent   SessionStatus = "absent"
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionError    SessionStatus = "error"
)

// Session describes the project's container.
type Session struct {
	ProjectID    string        `json:"project_id"`
	Port         int           `json:"port"`
	VNCPort      int           `json:"vnc_port,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

func sessionFromContainer(c *orchestrator.Container) Session {
	s := Session{
		ProjectID:    c.ProjectID,
		Port:         c.Port,
		VNCPort:      c.VNCPort,
		CreatedAt:    c.CreatedAt,
		LastActivity: c.LastActivity,
	}
	switch c.Status {
	case orchestrator.StatusCreating:
		s.Status = SessionStarting
	case orchestrator.StatusStopped, orchestrator.StatusError:
		s.Status = SessionError
	default:
		s.Status = SessionRunning
	}
	return s
}

// connectionFor derives the connection status a session implies.
func connectionFor(s Session) ConnectionStatus {
	switch s.Status {
	case SessionRunning:
		if s.Port > 0 {
			return StatusConnected
		}
		return StatusConnecting
	case SessionStarting:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

// EventType classifies a telemetry event.
type EventType string

const (
	EventAction     EventType = "action"
	EventResult     EventType = "result"
	EventError      EventType = "error"
	EventScreenshot EventType = "screenshot"
	EventStatus     EventType = "status"
)

// TelemetryEvent is one message from the worker's event stream.
type TelemetryEvent struct {
	// Seq increases by one per recorded event over the controller's lifetime.
	Seq        uint64          `json:"seq"`
	Type       EventType       `json:"type"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Screenshot is the most recent captured frame.
type Screenshot struct {
	Data       []byte    `json:"-"`
	DataURL    string    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`
	Seq        uint64    `json:"seq"`
}

// State is an immutable snapshot of a controller.
type State struct {
	ProjectID  string           `json:"project_id"`
	Status     ConnectionStatus `json:"status"`
	Session    *Session         `json:"session,omitempty"`
	CurrentURL string           `json:"current_url,omitempty"`
	Screenshot *Screenshot      `json:"screenshot,omitempty"`
	Events     []TelemetryEvent `json:"events,omitempty"`
	LastError  *ActionError     `json:"-"`
	Generation uint64           `json:"generation"`
}

// ActionError records a failed explicit lifecycle action.
type ActionError struct {
	Op  string
	Err error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s session: %v", e.Op, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
