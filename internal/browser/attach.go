package browser

import (
	"context"
	"errors"
	"time"

	"browserctl/internal/logging"
	"browserctl/internal/worker"

	"golang.org/x/sync/errgroup"
)

// attachment is the group of goroutines bound to one connected episode of a
// session. Everything it produces is tagged with gen; results from an older
// generation are discarded by the controller.
type attachment struct {
	gen    uint64
	port   int
	worker *worker.Client
	cancel context.CancelFunc
	group  *errgroup.Group
}

// wait blocks until every goroutine of the attachment has returned. Safe on nil.
func (a *attachment) wait() {
	if a == nil {
		return
	}
	a.cancel()
	_ = a.group.Wait()
}

// attachLocked starts a new attachment scope for sess.
func (c *Controller) attachLocked(sess Session) {
	if c.closed {
		return
	}
	c.state.Generation++
	gen := c.state.Generation

	ctx, cancel := context.WithCancel(c.ctx)
	g, gctx := errgroup.WithContext(ctx)
	a := &attachment{
		gen:    gen,
		port:   sess.Port,
		worker: c.newWorker(sess.Port),
		cancel: cancel,
		group:  g,
	}
	c.scope = a

	logging.Lifecycle("project %s: attaching to worker %s (generation %d)", c.projectID, a.worker.BaseURL(), gen)

	c.spawn(g, func() { c.runStream(gctx, gen, a.worker) })
	c.spawn(g, func() { c.runScreenshots(gctx, gen, a.worker) })
	if c.cfg.Worker.AutoInitBrowser {
		c.spawn(g, func() { c.ensureBrowser(gctx, a.worker) })
	}
	if c.cfg.VNC.Enabled {
		c.spawn(g, func() { c.runVNC(gctx, a.worker) })
	}
	if interval := c.cfg.Orchestrator.GetHeartbeatInterval(); interval > 0 {
		c.spawn(g, func() { c.runHeartbeat(gctx, interval) })
	}
}

// spawn runs fn in g and tracks it in the live worker count.
func (c *Controller) spawn(g *errgroup.Group, fn func()) {
	c.live.Add(1)
	g.Go(func() error {
		defer c.live.Add(-1)
		fn()
		return nil
	})
}

// currentLocked reports whether gen is still the attached generation.
func (c *Controller) currentLocked(gen uint64) bool {
	return c.scope != nil && c.scope.gen == gen
}

// =============================================================================
// TELEMETRY STREAM
// =============================================================================

// runStream keeps the worker's event stream open, reconnecting with bounded
// exponential backoff until ctx is cancelled.
func (c *Controller) runStream(ctx context.Context, gen uint64, w *worker.Client) {
	initial := c.cfg.Telemetry.GetReconnectInitial()
	maxDelay := c.cfg.Telemetry.GetReconnectMax()
	maxAttempts := c.cfg.Telemetry.ReconnectAttempts

	delay := initial
	failures := 0
	for {
		delivered, err := c.consumeStream(ctx, gen, w)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			delay = initial
			failures = 0
		}
		failures++
		if maxAttempts > 0 && failures > maxAttempts {
			logging.TelemetryError("project %s: event stream gave up after %d attempts: %v", c.projectID, maxAttempts, err)
			return
		}
		if worker.IsClosed(err) {
			logging.TelemetryDebug("project %s: event stream ended, reconnecting in %v", c.projectID, delay)
		} else {
			logging.TelemetryWarn("project %s: event stream closed (%v), reconnecting in %v", c.projectID, err, delay)
		}

		if !sleepCtx(ctx, delay) {
			return
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// consumeStream reads one stream connection to its end. It reports whether at
// least one event arrived.
func (c *Controller) consumeStream(ctx context.Context, gen uint64, w *worker.Client) (bool, error) {
	stream, err := w.OpenStream(ctx)
	if err != nil {
		return false, err
	}
	defer stream.Close()
	logging.Telemetry("project %s: event stream open", c.projectID)

	delivered := false
	for {
		msg, err := stream.Next()
		if err != nil {
			return delivered, err
		}
		delivered = true

		ev, url, perr := parseEvent(msg.Data, time.Now())
		if perr != nil {
			logging.TelemetryWarn("project %s: skipping malformed event: %v", c.projectID, perr)
			continue
		}
		c.recordEvent(gen, ev, url)
	}
}

func (c *Controller) recordEvent(gen uint64, ev TelemetryEvent, url string) {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	c.events.push(ev)
	if url != "" {
		c.state.CurrentURL = url
	}
	c.mu.Unlock()
	c.publish()
}

// =============================================================================
// SCREENSHOTS
// =============================================================================

// runScreenshots captures a frame immediately and then on every interval.
func (c *Controller) runScreenshots(ctx context.Context, gen uint64, w *worker.Client) {
	ticker := time.NewTicker(c.cfg.Screenshot.GetInterval())
	defer ticker.Stop()

	for {
		if _, err := c.capture(ctx, gen, w); err != nil && ctx.Err() == nil {
			logging.ScreenshotWarn("project %s: screenshot failed: %v", c.projectID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Capture takes a screenshot now, outside the polling schedule.
func (c *Controller) Capture(ctx context.Context) (*Screenshot, error) {
	c.mu.Lock()
	a := c.scope
	c.mu.Unlock()
	if a == nil {
		return nil, ErrNoSession
	}
	return c.capture(ctx, a.gen, a.worker)
}

func (c *Controller) capture(ctx context.Context, gen uint64, w *worker.Client) (*Screenshot, error) {
	seq := c.shotSeq.Add(1)

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Screenshot.GetTimeout())
	defer cancel()

	shot, err := w.Screenshot(cctx)
	if err != nil {
		return nil, err
	}
	out := &Screenshot{
		Data:       shot.PNG,
		DataURL:    shot.DataURL(),
		CapturedAt: shot.CapturedAt,
		Seq:        seq,
	}
	c.applyScreenshot(gen, out)
	return out, nil
}

// applyScreenshot stores shot unless it belongs to an old generation or an
// older request than the one already shown.
func (c *Controller) applyScreenshot(gen uint64, shot *Screenshot) bool {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		logging.ScreenshotDebug("project %s: dropping screenshot from generation %d", c.projectID, gen)
		return false
	}
	if cur := c.state.Screenshot; cur != nil && shot.Seq < cur.Seq {
		c.mu.Unlock()
		logging.ScreenshotDebug("project %s: dropping out-of-order screenshot %d < %d", c.projectID, shot.Seq, cur.Seq)
		return false
	}
	c.state.Screenshot = shot
	c.mu.Unlock()
	c.publish()
	return true
}

// =============================================================================
// KEEP-ALIVE
// =============================================================================

// ensureBrowser launches the worker's browser when it is not running.
func (c *Controller) ensureBrowser(ctx context.Context, w *worker.Client) {
	h, err := w.Health(ctx)
	if err == nil && h.BrowserRunning {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logging.LifecycleDebug("project %s: health check failed (%v), initialising browser", c.projectID, err)
	}
	if err := w.InitBrowser(ctx); err != nil && ctx.Err() == nil {
		logging.LifecycleWarn("project %s: browser init failed: %v", c.projectID, err)
	}
}

// runVNC starts VNC and keeps it alive until ctx is cancelled, then stops it.
func (c *Controller) runVNC(ctx context.Context, w *worker.Client) {
	if err := w.StartVNC(ctx); err != nil {
		if ctx.Err() == nil {
			logging.LifecycleWarn("project %s: vnc start failed: %v", c.projectID, err)
		}
		return
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), c.cfg.Worker.GetTimeout())
		defer cancel()
		if err := w.StopVNC(sctx); err != nil {
			logging.LifecycleDebug("project %s: vnc stop: %v", c.projectID, err)
		}
	}()

	ticker := time.NewTicker(c.cfg.VNC.GetHeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.VNCHeartbeat(ctx); err != nil && ctx.Err() == nil {
				logging.LifecycleWarn("project %s: vnc heartbeat failed: %v", c.projectID, err)
			}
		}
	}
}

// runHeartbeat refreshes the container's activity time at the orchestrator.
func (c *Controller) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.orch.Heartbeat(ctx, c.projectID)
			if err != nil && !errors.Is(err, context.Canceled) {
				logging.LifecycleWarn("project %s: heartbeat failed: %v", c.projectID, err)
			}
		}
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
