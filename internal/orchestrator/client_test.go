package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"browserctl/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.OrchestratorConfig{BaseURL: srv.URL + "/", APIKey: "key", UserID: "u1", Timeout: "2s"})
}

func TestContainer_UnmarshalShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		project string
		port    int
	}{
		{"port field", `{"projectId":"58","port":10100}`, "58", 10100},
		{"mcpPort field", `{"projectId":"58","mcpPort":10101}`, "58", 10101},
		{"apiPort field", `{"projectId":"58","apiPort":10102}`, "58", 10102},
		{"numeric project id", `{"projectId":58,"mcpPort":10103}`, "58", 10103},
		{"port from mcpUrl", `{"projectId":"58","mcpUrl":"http://173.249.22.2:10104"}`, "58", 10104},
		{"no port", `{"projectId":"58"}`, "58", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Container
			require.NoError(t, json.Unmarshal([]byte(tt.body), &c))
			assert.Equal(t, tt.project, c.ProjectID)
			assert.Equal(t, tt.port, c.Port)
		})
	}
}

func TestContainer_UnmarshalTimes(t *testing.T) {
	var c Container
	require.NoError(t, json.Unmarshal([]byte(`{
		"projectId":"1","port":1,
		"createdAt":"2026-01-02T03:04:05.000Z",
		"lastActivity":1767323045000
	}`), &c))
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), c.CreatedAt.UTC())
	assert.Equal(t, int64(1767323045000), c.LastActivity.UnixMilli())

	assert.Error(t, json.Unmarshal([]byte(`{"projectId":"1","createdAt":"yesterday"}`), &c))
}

func TestListContainers_WrappedAndBare(t *testing.T) {
	for name, body := range map[string]string{
		"wrapped": `{"count":2,"containers":[{"projectId":"a","mcpPort":1},{"projectId":"b","mcpPort":2}]}`,
		"bare":    `[{"projectId":"a","mcpPort":1},{"projectId":"b","mcpPort":2}]`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/containers", r.URL.Path)
				assert.Equal(t, "key", r.Header.Get("X-API-Key"))
				_, _ = io.WriteString(w, body)
			})

			list, err := c.ListContainers(context.Background())
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "b", list[1].ProjectID)
			assert.Equal(t, 2, list[1].Port)
		})
	}
}

func TestFindContainer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"containers":[{"projectId":"a","mcpPort":1,"status":"running"}]}`)
	})

	ctr, err := c.FindContainer(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, ctr.Status)

	_, err = c.FindContainer(context.Background(), "zzz")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsNotFound(err))
}

func TestCreateContainer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "58", req["projectId"])
		assert.Equal(t, "u1", req["userId"])
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"success":true,"container":{"projectId":"58","status":"creating","mcpPort":10100}}`)
	})

	ctr, err := c.CreateContainer(context.Background(), "58")
	require.NoError(t, err)
	assert.Equal(t, 10100, ctr.Port)
	assert.Equal(t, StatusCreating, ctr.Status)
}

func TestCreateContainer_Failures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"success":false,"error":"Maximum containers reached"}`)
		})
		_, err := c.CreateContainer(context.Background(), "58")
		var he *HTTPError
		require.True(t, errors.As(err, &he))
		assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)
		assert.Contains(t, he.Error(), "Maximum containers")
	})

	t.Run("missing port", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"projectId":"58"}`)
		})
		_, err := c.CreateContainer(context.Background(), "58")
		assert.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		c := NewClient(config.OrchestratorConfig{BaseURL: srv.URL, Timeout: "50ms"})
		start := time.Now()
		_, err := c.CreateContainer(context.Background(), "58")
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestDeleteHeartbeatDispatch(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/containers/58/agent/task" {
			var d TaskDispatch
			require.NoError(t, json.NewDecoder(r.Body).Decode(&d))
			assert.Equal(t, "t1", d.TaskID)
			assert.Equal(t, 5, d.Priority)
		}
		_, _ = io.WriteString(w, `{"success":true}`)
	})

	ctx := context.Background()
	require.NoError(t, c.DeleteContainer(ctx, "58"))
	require.NoError(t, c.Heartbeat(ctx, "58"))
	require.NoError(t, c.DispatchTask(ctx, "58", TaskDispatch{TaskID: "t1", Task: "go", TaskType: "action", Priority: 5}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"DELETE /containers/58",
		"POST /containers/58/heartbeat",
		"POST /containers/58/agent/task",
	}, seen)
}

func TestIsNotFound_HTTP404(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	err := c.Heartbeat(context.Background(), "gone")
	assert.True(t, IsNotFound(err))
}
