package browser

import (
	"context"
	"sync"
	"testing"
	"time"

	"browserctl/internal/config"
	"browserctl/internal/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_ZeroIntervalsFallBackToDefaults(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	fo.addContainer(testProject, orchestrator.StatusRunning)
	c := newTestController(t, fo, func(cfg *config.Config) {
		cfg.Reconcile.Interval = "0s"
		cfg.Screenshot.Interval = "0s"
		cfg.VNC.Enabled = true
		cfg.VNC.HeartbeatInterval = "0s"
	})

	c.Open()
	require.Eventually(t, func() bool {
		st := c.State()
		return st.Status == StatusConnected && st.Screenshot != nil
	}, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, fo.lists.Load(), "reconcile runs on its default interval")
	assert.EqualValues(t, 1, fw.shots.Load(), "screenshots run on their default interval")
}

func TestReconcile_FailuresKeepDisconnected(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	fo.set(func(fo *fakeOrchestrator) { fo.listFail = true })
	c := newTestController(t, fo)

	for i := 0; i < 3; i++ {
		c.reconcileOnce(context.Background())
	}

	st := c.State()
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Nil(t, st.LastError)
	assert.EqualValues(t, 3, fo.lists.Load())
}

func TestReconcile_FailureKeepsConnectedSession(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	require.NoError(t, err)
	gen := c.State().Generation

	fo.set(func(fo *fakeOrchestrator) { fo.listFail = true })
	c.reconcileOnce(context.Background())

	st := c.State()
	assert.Equal(t, StatusConnected, st.Status)
	assert.Equal(t, gen, st.Generation)
	assert.True(t, c.Connected())
}

func TestReconcile_DiscoversAndLosesContainer(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	fo.addContainer(testProject, orchestrator.StatusRunning)
	c := newTestController(t, fo)

	c.Open()
	require.Eventually(t, func() bool { return c.State().Status == StatusConnected }, waitFor, tick)
	require.Eventually(t, func() bool { return c.State().Screenshot != nil }, waitFor, tick)
	assert.Equal(t, fw.port, c.State().Session.Port)

	fo.removeContainer(testProject)
	c.reconcileOnce(context.Background())

	st := c.State()
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Nil(t, st.Session)
	assert.Nil(t, st.Screenshot)
	assert.EqualValues(t, 0, c.live.Load())
}

func TestReconcile_CreatingContainerIsConnecting(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	fo.addContainer(testProject, orchestrator.StatusCreating)
	c := newTestController(t, fo)

	c.reconcileOnce(context.Background())

	st := c.State()
	assert.Equal(t, StatusConnecting, st.Status)
	require.NotNil(t, st.Session)
	assert.Equal(t, SessionStarting, st.Session.Status)
	assert.EqualValues(t, 0, c.live.Load())
	assert.False(t, c.Connected())
}

func TestReconcile_ErroredContainerIsDisconnected(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	fo.addContainer(testProject, orchestrator.StatusError)
	c := newTestController(t, fo)

	c.reconcileOnce(context.Background())

	st := c.State()
	assert.Equal(t, StatusDisconnected, st.Status)
	require.NotNil(t, st.Session)
	assert.Equal(t, SessionError, st.Session.Status)
}

func TestReconcile_SkippedWhileCreateInFlight(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	gate := make(chan struct{})
	fo.set(func(fo *fakeOrchestrator) { fo.createGate = gate })
	c := newTestController(t, fo)

	done := make(chan error, 1)
	go func() {
		_, err := c.Create(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return fo.creates.Load() == 1 }, waitFor, tick)

	// The orchestrator has no container yet; the pass must not undo "connecting".
	c.reconcileOnce(context.Background())
	assert.Equal(t, StatusConnecting, c.State().Status)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StatusConnected, c.State().Status)
}

func TestReconcile_StaleObservationDiscarded(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	epoch := c.currentEpoch()
	_, err := c.Create(context.Background())
	require.NoError(t, err)

	// An observation taken before the create finished must not disconnect it.
	assert.False(t, c.applyObserved(epoch, nil))
	assert.Equal(t, StatusConnected, c.State().Status)
}

func TestStatus_FailureLeavesState(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	require.NoError(t, err)

	fo.set(func(fo *fakeOrchestrator) { fo.listFail = true })
	status, err := c.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusConnected, status)
	assert.Nil(t, c.State().LastError)
}

func TestStatus_DerivesFromOrchestrator(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, status)

	fo.addContainer(testProject, orchestrator.StatusRunning)
	status, err = c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, status)
	assert.Equal(t, fw.port, c.State().Session.Port)
}

func TestStatus_CollapsesConcurrentCalls(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	gate := make(chan struct{})
	fo.set(func(fo *fakeOrchestrator) { fo.listGate = gate })
	c := newTestController(t, fo)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Status(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return fo.lists.Load() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.EqualValues(t, 1, fo.lists.Load())
}
