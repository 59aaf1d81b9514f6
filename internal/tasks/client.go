// Package tasks is the task queue client of a project: it submits automation
// tasks, mirrors the project's task list from the store's change feed, tracks
// the selected task and hands new tasks to the browser agent.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"browserctl/internal/browser"
	"browserctl/internal/logging"
	"browserctl/internal/orchestrator"
	"browserctl/internal/store"
	"browserctl/internal/worker"

	"github.com/google/uuid"
)

// ErrInvalidTask is returned by Submit for input that cannot become a task.
var ErrInvalidTask = errors.New("invalid task")

// DefaultPriority is used when a submission leaves Priority at zero.
const DefaultPriority = 5

// DispatchError reports that a stored task could not be handed to the agent.
// The task row stays pending.
type DispatchError struct {
	TaskID string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch task %s: %v", e.TaskID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Store is the persistence the client needs.
type Store interface {
	InsertTask(ctx context.Context, t store.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, projectID string, limit int) ([]store.Task, error)
	Subscribe(ctx context.Context, projectID string) (<-chan store.Change, error)
}

// Dispatcher hands a task to the project's browser agent.
type Dispatcher interface {
	DispatchTask(ctx context.Context, projectID string, task orchestrator.TaskDispatch) error
}

// Session exposes the project's browser session.
type Session interface {
	Connected() bool
	Worker() (*worker.Client, error)
}

// NewTask is a submission.
type NewTask struct {
	Task     string
	TaskType store.TaskType
	Priority int
}

// Option customises a Client.
type Option func(*Client)

// WithDispatcher enables dispatch of submitted tasks while a session is
// connected.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Client) { c.dispatcher = d }
}

// WithSession attaches the project's browser session.
func WithSession(s Session) Option {
	return func(c *Client) { c.session = s }
}

// WithListLimit bounds the initial list load.
func WithListLimit(n int) Option {
	return func(c *Client) { c.listLimit = n }
}

// Client mirrors one project's tasks.
type Client struct {
	projectID  string
	store      Store
	dispatcher Dispatcher
	session    Session
	listLimit  int

	mu         sync.RWMutex
	tasks      []store.Task // newest first
	selectedID string
	selected   *store.Task

	updates chan struct{}

	subMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client for projectID backed by st.
func NewClient(projectID string, st Store, opts ...Option) *Client {
	c := &Client{
		projectID: projectID,
		store:     st,
		listLimit: 50,
		updates:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Updates signals after every change to the mirrored list or selection.
// Signals coalesce; read Tasks and Selected for the current view.
func (c *Client) Updates() <-chan struct{} { return c.updates }

// Submit validates and stores a new pending task, selects it, and dispatches
// it when a session is connected. A dispatch failure is returned as a
// *DispatchError together with the stored task.
func (c *Client) Submit(ctx context.Context, in NewTask) (*store.Task, error) {
	text := strings.TrimSpace(in.Task)
	if text == "" {
		return nil, fmt.Errorf("%w: task text is empty", ErrInvalidTask)
	}
	if in.TaskType == "" {
		in.TaskType = store.TaskAction
	}
	if !in.TaskType.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidTask, in.TaskType)
	}
	if in.Priority == 0 {
		in.Priority = DefaultPriority
	}
	if in.Priority < 1 || in.Priority > 10 {
		return nil, fmt.Errorf("%w: priority %d outside 1-10", ErrInvalidTask, in.Priority)
	}

	t := store.Task{
		ID:        uuid.NewString(),
		ProjectID: c.projectID,
		Task:      text,
		TaskType:  in.TaskType,
		Priority:  in.Priority,
		Status:    store.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.InsertTask(ctx, t); err != nil {
		logging.TasksError("submit for project %s failed: %v", c.projectID, err)
		return nil, fmt.Errorf("submit task: %w", err)
	}
	logging.Tasks("submitted task %s (%s, priority %d)", t.ID, t.TaskType, t.Priority)

	c.mu.Lock()
	c.selectedID = t.ID
	sel := t
	c.selected = &sel
	c.mu.Unlock()
	c.notify()

	if err := c.dispatch(ctx, t); err != nil {
		return &t, err
	}
	return &t, nil
}

func (c *Client) dispatch(ctx context.Context, t store.Task) error {
	if c.dispatcher == nil || c.session == nil || !c.session.Connected() {
		logging.TasksDebug("task %s stored without dispatch (no connected session)", t.ID)
		return nil
	}
	err := c.dispatcher.DispatchTask(ctx, c.projectID, orchestrator.TaskDispatch{
		TaskID:   t.ID,
		Task:     t.Task,
		TaskType: string(t.TaskType),
		Priority: t.Priority,
	})
	if err != nil {
		logging.TasksError("dispatch of task %s failed: %v", t.ID, err)
		return &DispatchError{TaskID: t.ID, Err: err}
	}
	logging.TasksDebug("dispatched task %s", t.ID)
	return nil
}

// Subscribe opens the project's feed, loads the newest tasks and keeps the
// mirror current until ctx is cancelled or Close is called. The feed is
// opened before the load so that no change can fall between the two.
func (c *Client) Subscribe(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	ch, err := c.store.Subscribe(ctx, c.projectID)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}

	rows, err := c.store.ListTasks(ctx, c.projectID, c.listLimit)
	if err != nil {
		cancel()
		return fmt.Errorf("load tasks: %w", err)
	}
	c.mu.Lock()
	c.tasks = rows
	c.refreshSelectedLocked()
	c.mu.Unlock()
	c.notify()
	logging.Tasks("loaded %d task(s) for project %s", len(rows), c.projectID)

	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for change := range ch {
			if c.apply(change) {
				c.notify()
			}
		}
		logging.TasksDebug("feed for project %s closed", c.projectID)
	}()
	return nil
}

// Close stops the feed consumer.
func (c *Client) Close() {
	c.subMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// apply folds one change into the mirror. Every case is idempotent; it
// reports whether anything changed.
func (c *Client) apply(ch store.Change) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ch.Type {
	case store.ChangeInsert:
		if ch.New == nil || c.indexLocked(ch.New.ID) >= 0 {
			return false
		}
		c.tasks = append([]store.Task{*ch.New}, c.tasks...)
		if c.selectedID == ch.New.ID {
			t := *ch.New
			c.selected = &t
		}
		return true

	case store.ChangeUpdate:
		if ch.New == nil {
			return false
		}
		i := c.indexLocked(ch.New.ID)
		if i < 0 {
			return false
		}
		cur := c.tasks[i].Status
		if ch.New.Status.Rank() < cur.Rank() || (cur.Terminal() && ch.New.Status != cur) {
			logging.TasksWarn("ignoring status regression for task %s: %s -> %s", ch.New.ID, cur, ch.New.Status)
			return false
		}
		if ch.New.Status.Terminal() && !cur.Terminal() {
			logging.Tasks("task %s %s", ch.New.ID, ch.New.Status)
		}
		c.tasks[i] = *ch.New
		if c.selectedID == ch.New.ID {
			t := *ch.New
			c.selected = &t
		}
		return true

	case store.ChangeDelete:
		if ch.Old == nil {
			return false
		}
		changed := false
		if i := c.indexLocked(ch.Old.ID); i >= 0 {
			c.tasks = append(c.tasks[:i:i], c.tasks[i+1:]...)
			changed = true
		}
		if c.selectedID == ch.Old.ID {
			c.selectedID = ""
			c.selected = nil
			changed = true
		}
		return changed
	}
	return false
}

func (c *Client) indexLocked(id string) int {
	for i := range c.tasks {
		if c.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Client) refreshSelectedLocked() {
	if c.selectedID == "" {
		return
	}
	if i := c.indexLocked(c.selectedID); i >= 0 {
		t := c.tasks[i]
		c.selected = &t
	}
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Tasks returns the mirrored list, newest first.
func (c *Client) Tasks() []store.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Select makes id the selected task. An empty id clears the selection.
func (c *Client) Select(id string) error {
	c.mu.Lock()
	if id == "" {
		c.selectedID, c.selected = "", nil
		c.mu.Unlock()
		c.notify()
		return nil
	}
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return store.ErrTaskNotFound
	}
	t := c.tasks[i]
	c.selectedID, c.selected = id, &t
	c.mu.Unlock()
	c.notify()
	return nil
}

// Selected returns the selected task.
func (c *Client) Selected() (store.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selected == nil {
		return store.Task{}, false
	}
	return *c.selected, true
}

// Delete removes a task from the store. The mirror changes only when the
// DELETE arrives on the feed.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.store.DeleteTask(ctx, id); err != nil {
		logging.TasksError("delete of task %s failed: %v", id, err)
		return fmt.Errorf("delete task: %w", err)
	}
	logging.Tasks("deleted task %s", id)
	return nil
}

// ForceCleanup asks the session worker to release a stuck task.
func (c *Client) ForceCleanup(ctx context.Context) (*worker.CleanupResult, error) {
	if c.session == nil {
		return nil, browser.ErrNoSession
	}
	w, err := c.session.Worker()
	if err != nil {
		return nil, err
	}
	res, err := w.ForceCleanup(ctx)
	if err != nil {
		logging.TasksWarn("force cleanup for project %s failed: %v", c.projectID, err)
		return res, err
	}
	logging.Tasks("force cleanup for project %s: %s", c.projectID, res.Message)
	return res, nil
}
