// Package store persists browser tasks in SQLite and pushes row changes to
// per-project subscribers. Changes made through a TaskStore are published in
// commit order; changes made by other processes writing the same database
// file are detected with fsnotify and published as a diff.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"browserctl/internal/config"
	"browserctl/internal/logging"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// TaskStore is the SQLite-backed task table plus its change feed.
type TaskStore struct {
	db     *sql.DB
	dbPath string

	// pubMu orders mutations, snapshot updates and publication.
	pubMu sync.Mutex
	feed  *feed

	watcher *dbWatcher
}

// NewTaskStore opens (creating if needed) the database at cfg.DatabasePath.
// When cfg.WatchExternal is set, writes by other processes are fed to
// subscribers as well.
func NewTaskStore(cfg config.StoreConfig) (*TaskStore, error) {
	path := cfg.DatabasePath
	if path == "" {
		return nil, fmt.Errorf("database path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes from this process strictly ordered.
	db.SetMaxOpenConns(1)

	s := &TaskStore{db: db, dbPath: path, feed: newFeed()}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.WatchExternal {
		w, err := newDBWatcher(s, cfg.GetDebounce())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to watch database: %w", err)
		}
		s.watcher = w
	}

	logging.Store("Task store opened at %s (watch_external=%v)", path, cfg.WatchExternal)
	return s, nil
}

// initialize creates the required tables.
func (s *TaskStore) initialize() error {
	pragmas := `
	PRAGMA busy_timeout = 5000;
	`
	tasksTable := `
	CREATE TABLE IF NOT EXISTS browser_tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task TEXT NOT NULL,
		task_type TEXT NOT NULL DEFAULT 'action',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 5,
		response TEXT,
		error_message TEXT,
		iterations_used INTEGER,
		actions_taken TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_browser_tasks_project_created ON browser_tasks(project_id, created_at);
	`

	for _, stmt := range []string{pragmas, tasksTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return RunMigrations(s.db)
}

// Close stops the watcher, ends every subscription and closes the database.
func (s *TaskStore) Close() error {
	if s.watcher != nil {
		s.watcher.stop()
	}
	s.feed.closeAll()
	return s.db.Close()
}

// Path returns the database file path.
func (s *TaskStore) Path() string { return s.dbPath }

// =============================================================================
// MUTATIONS
// =============================================================================

// InsertTask writes a new row and publishes INSERT.
func (s *TaskStore) InsertTask(ctx context.Context, t Task) error {
	if t.ID == "" || t.ProjectID == "" {
		return fmt.Errorf("task id and project id are required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO browser_tasks
			(id, project_id, task, task_type, status, priority, response, error_message,
			 iterations_used, actions_taken, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rowArgs(t)...)
	if err != nil {
		logging.StoreError("insert task %s failed: %v", t.ID, err)
		return fmt.Errorf("insert task: %w", err)
	}

	saved, err := s.getTask(ctx, t.ID)
	if err != nil {
		return err
	}
	s.feed.publish(Change{Type: ChangeInsert, ProjectID: saved.ProjectID, New: saved})
	logging.StoreDebug("inserted task %s (%s)", saved.ID, saved.Status)
	return nil
}

// UpdateTask replaces the row with t.ID and publishes UPDATE.
func (s *TaskStore) UpdateTask(ctx context.Context, t Task) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	old, err := s.getTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if t.ProjectID == "" {
		t.ProjectID = old.ProjectID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = old.CreatedAt
	}

	args := rowArgs(t)
	_, err = s.db.ExecContext(ctx, `
		UPDATE browser_tasks SET
			project_id = ?, task = ?, task_type = ?, status = ?, priority = ?, response = ?,
			error_message = ?, iterations_used = ?, actions_taken = ?, created_at = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		append(args[1:], t.ID)...)
	if err != nil {
		logging.StoreError("update task %s failed: %v", t.ID, err)
		return fmt.Errorf("update task: %w", err)
	}

	saved, err := s.getTask(ctx, t.ID)
	if err != nil {
		return err
	}
	s.feed.publish(Change{Type: ChangeUpdate, ProjectID: saved.ProjectID, New: saved, Old: old})
	logging.StoreDebug("updated task %s (%s -> %s)", saved.ID, old.Status, saved.Status)
	return nil
}

// DeleteTask removes the row with id and publishes DELETE.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	old, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM browser_tasks WHERE id = ?`, id); err != nil {
		logging.StoreError("delete task %s failed: %v", id, err)
		return fmt.Errorf("delete task: %w", err)
	}
	s.feed.publish(Change{Type: ChangeDelete, ProjectID: old.ProjectID, Old: old})
	logging.StoreDebug("deleted task %s", id)
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetTask returns the row with id or ErrTaskNotFound.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTask(ctx, id)
}

func (s *TaskStore) getTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns the project's newest tasks first. limit <= 0 returns all.
func (s *TaskStore) ListTasks(ctx context.Context, projectID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

const selectColumns = `
	SELECT id, project_id, task, task_type, status, priority, response, error_message,
	       iterations_used, actions_taken, created_at, started_at, completed_at
	FROM browser_tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t                  Task
		taskType, status   string
		response, errMsg   sql.NullString
		actions            sql.NullString
		iterations         sql.NullInt64
		created            string
		started, completed sql.NullString
	)
	if err := r.Scan(&t.ID, &t.ProjectID, &t.Task, &taskType, &status, &t.Priority,
		&response, &errMsg, &iterations, &actions, &created, &started, &completed); err != nil {
		return nil, err
	}
	t.TaskType = TaskType(taskType)
	t.Status = TaskStatus(status)
	t.ErrorMessage = errMsg.String
	if response.Valid && response.String != "" {
		t.Response = jsonOrString(response.String)
	}
	if actions.Valid && actions.String != "" {
		t.ActionsTaken = jsonOrString(actions.String)
	}
	if iterations.Valid {
		n := int(iterations.Int64)
		t.IterationsUsed = &n
	}

	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if t.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("completed_at: %w", err)
	}
	return &t, nil
}

func rowArgs(t Task) []interface{} {
	return []interface{}{
		t.ID, t.ProjectID, t.Task, string(t.TaskType), string(t.Status), t.Priority,
		nullJSON(t.Response), nullString(t.ErrorMessage), nullInt(t.IterationsUsed),
		nullJSON(t.ActionsTaken), formatTime(t.CreatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	}
}

// jsonOrString keeps valid JSON as-is and quotes anything else, so rows
// written by other tools with plain-text responses still decode.
func jsonOrString(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts our own layout, RFC 3339 and SQLite's CURRENT_TIMESTAMP.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
