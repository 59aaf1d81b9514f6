package browser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"browserctl/internal/config"
	"browserctl/internal/orchestrator"

	"github.com/stretchr/testify/require"
)

const testProject = "58"

// fakeWorker is an httptest session worker.
type fakeWorker struct {
	srv  *httptest.Server
	port int

	shots   atomic.Int32
	streams atomic.Int32
	inits   atomic.Int32

	// shotFail makes /mcp/screenshot answer 500.
	shotFail atomic.Bool

	// stream serves the n-th (1-based) /sse connection. The default sends
	// nothing and holds the connection open.
	stream func(w http.ResponseWriter, r *http.Request, n int)
}

func newFakeWorker(t *testing.T, stream func(w http.ResponseWriter, r *http.Request, n int)) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{stream: stream}
	fw.srv = httptest.NewServer(http.HandlerFunc(fw.serve))
	t.Cleanup(fw.srv.Close)

	u, err := url.Parse(fw.srv.URL)
	require.NoError(t, err)
	fw.port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return fw
}

func (fw *fakeWorker) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/mcp/screenshot":
		fw.shots.Add(1)
		if fw.shotFail.Load() {
			http.Error(w, `{"error":"page crashed"}`, http.StatusInternalServerError)
			return
		}
		enc := base64.StdEncoding.EncodeToString([]byte("png-frame"))
		_, _ = io.WriteString(w, `{"screenshot":"`+enc+`"}`)
	case "/sse":
		n := int(fw.streams.Add(1))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		if fw.stream != nil {
			fw.stream(w, r, n)
			return
		}
		<-r.Context().Done()
	case "/health":
		_, _ = io.WriteString(w, `{"status":"ok","browserRunning":false}`)
	case "/browser/init":
		fw.inits.Add(1)
		_, _ = io.WriteString(w, `{"success":true}`)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// sendEvents writes payloads as SSE data lines and flushes.
func sendEvents(w http.ResponseWriter, payloads ...string) {
	for _, p := range payloads {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", p)
	}
	w.(http.Flusher).Flush()
}

// holdEvents returns a stream handler that sends payloads on every connection
// and then keeps it open.
func holdEvents(payloads ...string) func(http.ResponseWriter, *http.Request, int) {
	return func(w http.ResponseWriter, r *http.Request, _ int) {
		sendEvents(w, payloads...)
		<-r.Context().Done()
	}
}

// fakeOrchestrator is an httptest container-lifecycle API.
type fakeOrchestrator struct {
	srv *httptest.Server

	mu         sync.Mutex
	containers map[string]orchestrator.Container
	workerPort int
	listFail   bool
	createFail bool
	deleteFail bool
	createGate chan struct{}
	listGate   chan struct{}

	lists      atomic.Int32
	creates    atomic.Int32
	deletes    atomic.Int32
	heartbeats atomic.Int32
}

func newFakeOrchestrator(t *testing.T, workerPort int) *fakeOrchestrator {
	t.Helper()
	fo := &fakeOrchestrator{
		containers: make(map[string]orchestrator.Container),
		workerPort: workerPort,
	}
	fo.srv = httptest.NewServer(http.HandlerFunc(fo.serve))
	t.Cleanup(fo.srv.Close)
	return fo
}

func (fo *fakeOrchestrator) set(fn func(fo *fakeOrchestrator)) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	fn(fo)
}

func (fo *fakeOrchestrator) addContainer(projectID, status string) {
	fo.set(func(fo *fakeOrchestrator) {
		fo.containers[projectID] = orchestrator.Container{ProjectID: projectID, Port: fo.workerPort, Status: status}
	})
}

func (fo *fakeOrchestrator) removeContainer(projectID string) {
	fo.set(func(fo *fakeOrchestrator) { delete(fo.containers, projectID) })
}

func writeContainer(c orchestrator.Container) map[string]interface{} {
	return map[string]interface{}{"projectId": c.ProjectID, "mcpPort": c.Port, "status": c.Status}
}

func (fo *fakeOrchestrator) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/containers":
		fo.lists.Add(1)
		fo.mu.Lock()
		gate, fail := fo.listGate, fo.listFail
		fo.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if fail {
			http.Error(w, `{"error":"orchestrator unavailable"}`, http.StatusBadGateway)
			return
		}
		fo.mu.Lock()
		list := make([]map[string]interface{}, 0, len(fo.containers))
		for _, c := range fo.containers {
			list = append(list, writeContainer(c))
		}
		fo.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"count": len(list), "containers": list})

	case r.Method == http.MethodPost && r.URL.Path == "/containers":
		fo.creates.Add(1)
		var req struct {
			ProjectID string `json:"projectId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		fo.mu.Lock()
		gate, fail := fo.createGate, fo.createFail
		fo.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if fail {
			http.Error(w, `{"success":false,"error":"Maximum containers reached"}`, http.StatusServiceUnavailable)
			return
		}
		c := orchestrator.Container{ProjectID: req.ProjectID, Port: fo.workerPort, Status: orchestrator.StatusCreating}
		fo.mu.Lock()
		fo.containers[req.ProjectID] = orchestrator.Container{ProjectID: req.ProjectID, Port: fo.workerPort, Status: orchestrator.StatusRunning}
		fo.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "container": writeContainer(c)})

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/containers/"):
		fo.deletes.Add(1)
		fo.mu.Lock()
		fail := fo.deleteFail
		if !fail {
			delete(fo.containers, strings.TrimPrefix(r.URL.Path, "/containers/"))
		}
		fo.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"success":true}`)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/heartbeat"):
		fo.heartbeats.Add(1)
		_, _ = io.WriteString(w, `{"success":true}`)

	default:
		http.NotFound(w, r)
	}
}

func testConfig(orchURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Orchestrator.BaseURL = orchURL
	cfg.Orchestrator.Timeout = "2s"
	cfg.Orchestrator.HeartbeatInterval = "0"
	cfg.Worker.Host = "127.0.0.1"
	cfg.Worker.Timeout = "2s"
	cfg.Worker.AutoInitBrowser = true
	cfg.Screenshot.Interval = "20ms"
	cfg.Screenshot.Timeout = "1s"
	cfg.Telemetry.ReconnectInitial = "10ms"
	cfg.Telemetry.ReconnectMax = "40ms"
	cfg.Reconcile.Interval = "1h"
	return cfg
}

// newTestController builds a controller against fo. The controller is closed
// before the fake servers shut down.
func newTestController(t *testing.T, fo *fakeOrchestrator, mutate ...func(*config.Config)) *Controller {
	t.Helper()
	cfg := testConfig(fo.srv.URL)
	for _, m := range mutate {
		m(cfg)
	}
	c := NewController(testProject, cfg, orchestrator.NewClient(cfg.Orchestrator))
	t.Cleanup(c.Close)
	return c
}

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)
