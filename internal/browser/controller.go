package browser

import (
	"context"
	"sync"
	"sync/atomic"

	"browserctl/internal/config"
	"browserctl/internal/logging"
	"browserctl/internal/orchestrator"
	"browserctl/internal/worker"

	"golang.org/x/sync/singleflight"
)

// Orchestrator is the subset of the container-lifecycle API a controller uses.
type Orchestrator interface {
	FindContainer(ctx context.Context, projectID string) (*orchestrator.Container, error)
	CreateContainer(ctx context.Context, projectID string) (*orchestrator.Container, error)
	DeleteContainer(ctx context.Context, projectID string) error
	Heartbeat(ctx context.Context, projectID string) error
}

// WorkerFactory builds a worker client for a container port.
type WorkerFactory func(port int) *worker.Client

// Option customises a Controller.
type Option func(*Controller)

// WithWorkerFactory overrides how worker clients are built.
func WithWorkerFactory(f WorkerFactory) Option {
	return func(c *Controller) { c.newWorker = f }
}

// Controller owns the session of one project. All state lives behind mu and is
// published to observers as immutable State snapshots.
type Controller struct {
	projectID string
	cfg       *config.Config
	orch      Orchestrator
	newWorker WorkerFactory

	// actionMu serialises Create and Stop.
	actionMu sync.Mutex
	statusSF singleflight.Group

	mu          sync.Mutex
	state       State
	events      *eventLog
	scope       *attachment
	inFlight    int    // explicit actions running
	actionEpoch uint64 // bumped when an explicit action starts
	closed      bool

	shotSeq atomic.Uint64
	live    atomic.Int32 // running attachment goroutines

	subsMu sync.Mutex
	subs   map[int]chan State
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a controller for projectID. It starts no goroutines
// until Open is called or a session is attached.
func NewController(projectID string, cfg *config.Config, orch Orchestrator, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		projectID: projectID,
		cfg:       cfg,
		orch:      orch,
		events:    newEventLog(cfg.Telemetry.GetCapacity()),
		subs:      make(map[int]chan State),
		ctx:       ctx,
		cancel:    cancel,
		state: State{
			ProjectID: projectID,
			Status:    StatusDisconnected,
		},
	}
	c.newWorker = func(port int) *worker.Client {
		return worker.NewClient(cfg.Worker.BaseURLForPort(port), cfg.Worker.GetTimeout())
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProjectID returns the project this controller manages.
func (c *Controller) ProjectID() string { return c.projectID }

// Open starts the reconciliation loop.
func (c *Controller) Open() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconcileLoop(c.ctx)
	}()
}

// Close stops every goroutine the controller owns. The remote container is
// left running.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	old := c.detachLocked()
	c.mu.Unlock()

	old.wait()
	c.cancel()
	c.wg.Wait()

	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()
	logging.LifecycleDebug("controller for project %s closed", c.projectID)
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Connected reports whether a worker is attached.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status == StatusConnected && c.scope != nil
}

// Worker returns the client of the attached worker, or ErrNoSession.
func (c *Controller) Worker() (*worker.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scope == nil {
		return nil, ErrNoSession
	}
	return c.scope.worker, nil
}

// Subscribe returns a channel that always holds the latest State. Slow readers
// see only the newest snapshot. The returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- c.State()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		close(ch)
		return ch, func() {}
	}

	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// publish pushes the current state to subscribers. Must be called without mu.
func (c *Controller) publish() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	st := c.State()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (c *Controller) snapshotLocked() State {
	st := c.state
	if c.state.Session != nil {
		s := *c.state.Session
		st.Session = &s
	}
	if c.state.Screenshot != nil {
		shot := *c.state.Screenshot
		st.Screenshot = &shot
	}
	st.Events = c.events.snapshot()
	return st
}

// transitionLocked moves to status with sess and adjusts the attachment scope.
// The returned attachment (if any) has been cancelled and must be waited on
// after mu is released.
func (c *Controller) transitionLocked(status ConnectionStatus, sess *Session) *attachment {
	prev := c.state.Status
	c.state.Status = status
	c.state.Session = sess

	if prev != status {
		logging.Lifecycle("project %s: %s -> %s", c.projectID, prev, status)
	}

	if status == StatusConnected && sess != nil && sess.Port > 0 {
		c.state.LastError = nil
		if c.scope != nil && c.scope.port == sess.Port {
			return nil
		}
		old := c.detachLocked()
		c.clearViewLocked()
		c.attachLocked(*sess)
		return old
	}

	old := c.detachLocked()
	c.clearViewLocked()
	return old
}

// detachLocked cancels the current attachment scope, if any.
func (c *Controller) detachLocked() *attachment {
	old := c.scope
	c.scope = nil
	if old != nil {
		old.cancel()
	}
	return old
}

func (c *Controller) clearViewLocked() {
	c.state.Screenshot = nil
	c.state.CurrentURL = ""
	c.events.reset()
}
