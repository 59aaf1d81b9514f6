package browser

import (
	"context"
	"time"

	"browserctl/internal/logging"
)

// reconcileLoop re-derives the session from the orchestrator once immediately
// and then on every interval, until ctx is cancelled.
func (c *Controller) reconcileLoop(ctx context.Context) {
	interval := c.cfg.Reconcile.GetInterval()
	logging.ReconcileDebug("project %s: reconciling every %v", c.projectID, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.reconcileOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reconcileOnce runs one pass. Failures are logged and leave the state alone;
// the orchestrator's answer replaces the local session only when no explicit
// action overlapped the query.
func (c *Controller) reconcileOnce(ctx context.Context) {
	epoch := c.currentEpoch()

	qctx, cancel := context.WithTimeout(ctx, c.cfg.Orchestrator.GetTimeout())
	defer cancel()

	log := logging.Get(logging.CategoryReconcile).With("project", c.projectID)
	sess, err := c.lookup(qctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("reconcile failed, keeping state: %v", err)
		}
		return
	}

	if c.applyObserved(epoch, sess) {
		st := c.State()
		log.Debug("reconciled to %s (generation %d)", st.Status, st.Generation)
	}
}
