package browser

import (
	"context"

	"browserctl/internal/logging"
	"browserctl/internal/orchestrator"
)

// Status asks the orchestrator for the project's container and applies what it
// reports. Concurrent calls share one request. On failure the error is
// returned and the state is left as it was.
func (c *Controller) Status(ctx context.Context) (ConnectionStatus, error) {
	_, err, _ := c.statusSF.Do("status", func() (interface{}, error) {
		epoch := c.currentEpoch()
		sess, err := c.lookup(ctx)
		if err != nil {
			logging.LifecycleWarn("status for project %s failed: %v", c.projectID, err)
			return nil, err
		}
		c.applyObserved(epoch, sess)
		return nil, nil
	})
	return c.State().Status, err
}

// Create provisions the project's container and attaches to its worker. A call
// that finds the session already connected returns without contacting the
// orchestrator. Failures leave the status disconnected and are returned as an
// *ActionError.
func (c *Controller) Create(ctx context.Context) (*Session, error) {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state.Status == StatusConnected && c.state.Session != nil {
		s := *c.state.Session
		c.mu.Unlock()
		logging.LifecycleDebug("create for project %s: already connected on port %d", c.projectID, s.Port)
		return &s, nil
	}
	c.beginActionLocked()
	old := c.transitionLocked(StatusConnecting, c.state.Session)
	c.mu.Unlock()
	old.wait()
	c.publish()

	timer := logging.StartTimer(logging.CategoryLifecycle, "CreateContainer")
	ctr, err := c.orch.CreateContainer(ctx, c.projectID)
	timer.Stop()

	c.mu.Lock()
	c.endActionLocked()
	if err != nil {
		aerr := &ActionError{Op: "create", Err: err}
		old = c.transitionLocked(StatusDisconnected, nil)
		c.state.LastError = aerr
		c.mu.Unlock()
		old.wait()
		c.publish()
		logging.LifecycleError("create for project %s failed: %v", c.projectID, err)
		return nil, aerr
	}
	sess := sessionFromContainer(ctr)
	// A successful create is treated as running even while the orchestrator
	// still reports the container as creating.
	sess.Status = SessionRunning
	old = c.transitionLocked(StatusConnected, &sess)
	c.mu.Unlock()
	old.wait()
	c.publish()

	logging.Lifecycle("project %s session created on port %d", c.projectID, sess.Port)
	return &sess, nil
}

// Stop deletes the project's container. The local session and everything
// derived from it is cleared before the request is sent, whatever its outcome.
func (c *Controller) Stop(ctx context.Context) error {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.beginActionLocked()
	old := c.transitionLocked(StatusDisconnected, nil)
	c.mu.Unlock()
	old.wait()
	c.publish()

	err := c.orch.DeleteContainer(ctx, c.projectID)

	c.mu.Lock()
	c.endActionLocked()
	if err != nil {
		aerr := &ActionError{Op: "stop", Err: err}
		c.state.LastError = aerr
		c.mu.Unlock()
		c.publish()
		logging.LifecycleError("stop for project %s failed: %v", c.projectID, err)
		return aerr
	}
	c.state.LastError = nil
	c.mu.Unlock()
	c.publish()

	logging.Lifecycle("project %s session stopped", c.projectID)
	return nil
}

func (c *Controller) beginActionLocked() {
	c.inFlight++
	c.actionEpoch++
}

func (c *Controller) endActionLocked() {
	c.inFlight--
}

func (c *Controller) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actionEpoch
}

// lookup returns the project's session as the orchestrator sees it, or nil
// when it has none.
func (c *Controller) lookup(ctx context.Context) (*Session, error) {
	ctr, err := c.orch.FindContainer(ctx, c.projectID)
	if err != nil {
		if orchestrator.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	s := sessionFromContainer(ctr)
	return &s, nil
}

// applyObserved overwrites the session with what the orchestrator reported,
// unless an explicit action started since epoch or is still running. It
// reports whether the observation was applied.
func (c *Controller) applyObserved(epoch uint64, sess *Session) bool {
	c.mu.Lock()
	if c.closed || c.inFlight > 0 || c.actionEpoch != epoch {
		c.mu.Unlock()
		logging.ReconcileDebug("project %s: explicit action in flight, observation discarded", c.projectID)
		return false
	}

	var old *attachment
	if sess == nil {
		old = c.transitionLocked(StatusDisconnected, nil)
	} else {
		old = c.transitionLocked(connectionFor(*sess), sess)
	}
	c.mu.Unlock()
	old.wait()
	c.publish()
	return true
}
