package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"browserctl/internal/config"
	"browserctl/internal/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func TestCreate_ConnectsAndAttaches(t *testing.T) {
	fw := newFakeWorker(t, holdEvents(`{"type":"action","url":"https://example.com"}`))
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	sess, err := c.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fw.port, sess.Port)
	assert.Equal(t, SessionRunning, sess.Status)

	st := c.State()
	assert.Equal(t, StatusConnected, st.Status)
	assert.EqualValues(t, 1, st.Generation)
	assert.Nil(t, st.LastError)
	assert.True(t, c.Connected())

	require.Eventually(t, func() bool {
		st := c.State()
		return st.Screenshot != nil && len(st.Events) == 1 && st.CurrentURL == "https://example.com"
	}, waitFor, tick)
	require.Eventually(t, func() bool { return fw.inits.Load() == 1 }, waitFor, tick)

	st = c.State()
	assert.Equal(t, EventAction, st.Events[0].Type)
	assert.Equal(t, []byte("png-frame"), st.Screenshot.Data)
	assert.Contains(t, st.Screenshot.DataURL, "data:image/png;base64,")

	w, err := c.Worker()
	require.NoError(t, err)
	assert.Contains(t, w.BaseURL(), fmt.Sprint(fw.port))
}

func TestCreate_FailureRecordsActionError(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	fo.set(func(fo *fakeOrchestrator) { fo.createFail = true })
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "create", ae.Op)

	var he *orchestrator.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)

	st := c.State()
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Nil(t, st.Session)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "create", st.LastError.Op)
	assert.EqualValues(t, 0, c.live.Load())
	assert.EqualValues(t, 0, fw.shots.Load())

	_, err = c.Worker()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCreate_NextSuccessClearsLastError(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	fo.set(func(fo *fakeOrchestrator) { fo.createFail = true })
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	require.Error(t, err)

	fo.set(func(fo *fakeOrchestrator) { fo.createFail = false })
	_, err = c.Create(context.Background())
	require.NoError(t, err)
	assert.Nil(t, c.State().LastError)
}

func TestCreate_ConcurrentCallsPostOnce(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	gate := make(chan struct{})
	fo.set(func(fo *fakeOrchestrator) { fo.createGate = gate })
	c := newTestController(t, fo)

	var wg sync.WaitGroup
	ports := make([]int, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Create(context.Background())
			errs[i] = err
			if s != nil {
				ports[i] = s.Port
			}
		}(i)
	}

	require.Eventually(t, func() bool { return fo.creates.Load() == 1 }, waitFor, tick)
	assert.Equal(t, StatusConnecting, c.State().Status)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, ports[0], ports[1])
	assert.EqualValues(t, 1, fo.creates.Load())
	assert.EqualValues(t, 1, c.State().Generation)
}

func TestStop_ClearsStateAndStopsWorkers(t *testing.T) {
	fw := newFakeWorker(t, holdEvents(`{"type":"action","url":"https://example.com"}`))
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := c.State()
		return st.Screenshot != nil && len(st.Events) > 0
	}, waitFor, tick)

	require.NoError(t, c.Stop(context.Background()))

	st := c.State()
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Nil(t, st.Session)
	assert.Nil(t, st.Screenshot)
	assert.Empty(t, st.Events)
	assert.Empty(t, st.CurrentURL)
	assert.Nil(t, st.LastError)
	assert.EqualValues(t, 0, c.live.Load())
	assert.EqualValues(t, 1, fo.deletes.Load())
	assert.False(t, c.Connected())

	shots := fw.shots.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, shots, fw.shots.Load(), "screenshot polling continued after stop")
}

func TestStop_FailureStillClears(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	require.NoError(t, err)

	fo.set(func(fo *fakeOrchestrator) { fo.deleteFail = true })
	err = c.Stop(context.Background())
	var ae *ActionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "stop", ae.Op)

	st := c.State()
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Nil(t, st.Session)
	assert.NotNil(t, st.LastError)
	assert.EqualValues(t, 0, c.live.Load())
}

func TestTelemetry_BoundedToCapacity(t *testing.T) {
	payloads := make([]string, 200)
	for i := range payloads {
		payloads[i] = fmt.Sprintf(`{"type":"action","n":%d}`, i)
	}
	fw := newFakeWorker(t, holdEvents(payloads...))
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo, func(cfg *config.Config) {
		cfg.Telemetry.Capacity = 500
	})

	_, err := c.Create(context.Background())
	require.NoError(t, err)

	eventN := func(ev TelemetryEvent) int {
		var body struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &body))
		return body.N
	}

	require.Eventually(t, func() bool {
		evs := c.State().Events
		return len(evs) == 50 && eventN(evs[49]) == 199
	}, waitFor, tick)

	evs := c.State().Events
	assert.Equal(t, 150, eventN(evs[0]))
}

func TestTelemetry_SkipsMalformedEvents(t *testing.T) {
	fw := newFakeWorker(t, holdEvents(`not json`, `{"type":"result","ok":true}`, `{"data":1}`))
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.State().Events) == 2 }, waitFor, tick)
	evs := c.State().Events
	assert.Equal(t, EventResult, evs[0].Type)
	assert.Equal(t, EventStatus, evs[1].Type)
}

func TestTelemetry_ReconnectsAfterDrop(t *testing.T) {
	fw := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request, n int) {
		sendEvents(w, fmt.Sprintf(`{"type":"status","conn":%d}`, n))
		if n == 1 {
			return
		}
		<-r.Context().Done()
	})
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fw.streams.Load() >= 2 && len(c.State().Events) >= 2
	}, waitFor, tick)
	assert.Equal(t, StatusConnected, c.State().Status)
}

func TestTelemetry_GivesUpAfterMaxAttempts(t *testing.T) {
	fw := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request, n int) {})
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo, func(cfg *config.Config) {
		cfg.Telemetry.ReconnectAttempts = 2
	})

	_, err := c.Create(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fw.streams.Load() == 3 }, waitFor, tick)
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 3, fw.streams.Load())
	assert.Equal(t, StatusConnected, c.State().Status)
}

func TestScreenshot_StaleResultsDiscarded(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo, func(cfg *config.Config) {
		cfg.Screenshot.Interval = "1h"
	})

	_, err := c.Create(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State().Screenshot != nil }, waitFor, tick)

	gen := c.State().Generation
	assert.True(t, c.applyScreenshot(gen, &Screenshot{Seq: 1 << 40}))
	assert.False(t, c.applyScreenshot(gen, &Screenshot{Seq: 1<<40 - 1}), "older request must not replace newer frame")
	assert.False(t, c.applyScreenshot(gen-1, &Screenshot{Seq: 1 << 41}), "previous generation must be ignored")
	assert.EqualValues(t, 1<<40, c.State().Screenshot.Seq)

	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.applyScreenshot(gen, &Screenshot{Seq: 1 << 42}))
	assert.Nil(t, c.State().Screenshot)
}

func TestScreenshot_FailedCaptureKeepsLastFrame(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo, func(cfg *config.Config) {
		cfg.Screenshot.Interval = "1h"
	})

	_, err := c.Create(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State().Screenshot != nil }, waitFor, tick)
	first := c.State().Screenshot

	fw.shotFail.Store(true)
	_, err = c.Capture(context.Background())
	require.Error(t, err)

	st := c.State()
	require.NotNil(t, st.Screenshot)
	assert.Equal(t, first.Seq, st.Screenshot.Seq)
	assert.Equal(t, first.Data, st.Screenshot.Data)
	assert.Equal(t, first.CapturedAt, st.Screenshot.CapturedAt)
	assert.Equal(t, StatusConnected, st.Status)
	assert.Nil(t, st.LastError)
}

func TestCapture_RequiresSession(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo, func(cfg *config.Config) {
		cfg.Screenshot.Interval = "1h"
	})

	_, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = c.Create(context.Background())
	require.NoError(t, err)
	shot, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("png-frame"), shot.Data)
	assert.Equal(t, shot.Seq, c.State().Screenshot.Seq)
}

func TestHeartbeatAndVNC_RunInsideAttachment(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo, func(cfg *config.Config) {
		cfg.Orchestrator.HeartbeatInterval = "20ms"
		cfg.VNC.Enabled = true
		cfg.VNC.HeartbeatInterval = "20ms"
	})

	_, err := c.Create(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fo.heartbeats.Load() >= 2 }, waitFor, tick)

	require.NoError(t, c.Stop(context.Background()))
	assert.EqualValues(t, 0, c.live.Load())
	beats := fo.heartbeats.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, beats, fo.heartbeats.Load())
}

func TestSubscribe_DeliversLatestState(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	first := <-ch
	assert.Equal(t, StatusDisconnected, first.Status)

	_, err := c.Create(context.Background())
	require.NoError(t, err)

	deadline := time.After(waitFor)
	for {
		select {
		case st := <-ch:
			if st.Status == StatusConnected {
				return
			}
		case <-deadline:
			t.Fatal("never observed connected state")
		}
	}
}

func TestClose_IsIdempotentAndRejectsActions(t *testing.T) {
	fw := newFakeWorker(t, nil)
	fo := newFakeOrchestrator(t, fw.port)
	c := newTestController(t, fo)

	_, err := c.Create(context.Background())
	require.NoError(t, err)

	c.Close()
	c.Close()
	assert.EqualValues(t, 0, c.live.Load())

	_, err = c.Create(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Stop(context.Background()), ErrClosed)
	assert.EqualValues(t, 0, fo.deletes.Load(), "close must leave the container running")
}
