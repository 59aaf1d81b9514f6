package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrTaskNotFound is returned when no row has the requested id.
var ErrTaskNotFound = errors.New("task not found")

// TaskType is the kind of work a task asks the browser agent to do.
type TaskType string

const (
	TaskAction TaskType = "action"
	TaskQuery  TaskType = "query"
	TaskScrape TaskType = "scrape"
	TaskLogin  TaskType = "login"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskAction, TaskQuery, TaskScrape, TaskLogin:
		return true
	}
	return false
}

// TaskStatus is a task's position in its lifecycle.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Rank orders statuses along pending -> running -> {completed, failed}.
// Unknown statuses rank below pending.
func (s TaskStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool { return s.Rank() == 2 }

// Task is one row of browser_tasks.
type Task struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	Task           string          `json:"task"`
	TaskType       TaskType        `json:"task_type"`
	Priority       int             `json:"priority"`
	Status         TaskStatus      `json:"status"`
	Response       json.RawMessage `json:"response,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	IterationsUsed *int            `json:"iterations_used,omitempty"`
	ActionsTaken   json.RawMessage `json:"actions_taken,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ResponseText returns the response as display text: a JSON string is
// unquoted, an object carrying a "result", "answer" or "message" field yields
// that field, anything else is indented JSON.
func (t Task) ResponseText() string {
	raw := json.RawMessage(strings.TrimSpace(string(t.Response)))
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"result", "answer", "message"} {
			if v, ok := obj[key]; ok {
				if err := json.Unmarshal(v, &s); err == nil {
					return s
				}
			}
		}
	}

	pretty, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

// ChangeType names the kind of row change a feed delivers.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row event on a project's feed. New is set for INSERT and
// UPDATE, Old for UPDATE and DELETE when known.
type Change struct {
	Type      ChangeType
	ProjectID string
	New       *Task
	Old       *Task
}
