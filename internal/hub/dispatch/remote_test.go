package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relayhub/internal/common/config"
	"github.com/relayhub/relayhub/internal/events"
	"github.com/relayhub/relayhub/internal/hub/request"
)

// remoteServer serves POST /messages as an SSE stream of the given
// payloads and GET /tasks/{id} from the snapshot map.
func remoteServer(t *testing.T, payloads []map[string]any, tasks map[string]map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range payloads {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		task, ok := tasks[r.URL.Path[len("/tasks/"):]]
		if !ok {
			http.Error(w, "unknown task", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(task)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatch_RemoteHappyPath(t *testing.T) {
	srv := remoteServer(t, []map[string]any{
		{"kind": "task-created", "taskId": "task-1", "contextId": "ctx-1"},
		{"kind": "status-update", "taskId": "task-1", "state": "submitted"},
		{"kind": "status-update", "taskId": "task-1", "state": "working"},
		{"kind": "status-update", "taskId": "task-1", "state": "completed"},
	}, map[string]map[string]any{
		"task-1": {
			"id":    "task-1",
			"state": "completed",
			"artifacts": []map[string]string{
				{"name": "report", "data": "remote output"},
			},
		},
	})

	h := newTestHub(t, config.DispatcherConfig{}, nil)
	h.writePolicy(t, "partner", "maintainer: ai\na2a_url: "+srv.URL+"\n")
	h.writeRequest(t, "partner", "req-100", "pending", "high")
	rec := recordEvents(t, h.bus)

	n := h.dispatchAndWait(t, context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, h.invoker.callCount(), "remote path must not spawn a local agent")

	archived, err := h.store.Load(filepath.Join(h.store.ArchiveDir(), "req-100.md"))
	require.NoError(t, err)
	assert.Equal(t, request.StatusCompleted, archived.Status)
	assert.Equal(t, 0, archived.Attempts, "remote runs do not advance attempts")

	logData, err := os.ReadFile(h.sessions.LogPath("req-100"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "remote output")

	assert.True(t, rec.has(events.RequestClaimed))
	assert.True(t, rec.has(events.A2AStatusUpdate))
	assert.True(t, rec.has(events.A2AArtifactUpdate))
	assert.True(t, rec.has(events.RequestCompleted))
}

func TestDispatch_RemoteTerminalFailure(t *testing.T) {
	srv := remoteServer(t, []map[string]any{
		{"kind": "task-created", "taskId": "task-1"},
		{"kind": "status-update", "taskId": "task-1", "state": "working"},
		{"kind": "status-update", "taskId": "task-1", "state": "failed", "message": "remote broke"},
	}, nil)

	h := newTestHub(t, config.DispatcherConfig{MaxAttempts: 3}, nil)
	h.writePolicy(t, "partner", "maintainer: ai\na2a_url: "+srv.URL+"\n")
	h.writeRequest(t, "partner", "req-100", "pending", "high")
	rec := recordEvents(t, h.bus)

	h.dispatchAndWait(t, context.Background())

	// Terminal even though attempts remain; the remote owns retries.
	archived, err := h.store.Load(filepath.Join(h.store.ArchiveDir(), "req-100.md"))
	require.NoError(t, err)
	assert.Equal(t, request.StatusFailed, archived.Status)
	assert.True(t, rec.has(events.RequestFailed))
	assert.False(t, rec.has(events.RequestCompleted))
}

func TestDispatch_RemoteStreamClosedWithoutTerminal(t *testing.T) {
	srv := remoteServer(t, []map[string]any{
		{"kind": "task-created", "taskId": "task-1"},
		{"kind": "status-update", "taskId": "task-1", "state": "working"},
	}, nil)

	h := newTestHub(t, config.DispatcherConfig{}, nil)
	h.writePolicy(t, "partner", "maintainer: ai\na2a_url: "+srv.URL+"\n")
	h.writeRequest(t, "partner", "req-100", "pending", "high")

	h.dispatchAndWait(t, context.Background())

	archived, err := h.store.Load(filepath.Join(h.store.ArchiveDir(), "req-100.md"))
	require.NoError(t, err)
	assert.Equal(t, request.StatusFailed, archived.Status)
}

func TestDispatch_RemoteIdleTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range []string{
			`{"kind":"task-created","taskId":"task-1"}`,
			`{"kind":"status-update","taskId":"task-1","state":"working"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
		// Go silent until the client gives up.
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newTestHub(t, config.DispatcherConfig{RequestTimeout: 1}, nil)
	h.writePolicy(t, "partner", "maintainer: ai\na2a_url: "+srv.URL+"\n")
	h.writeRequest(t, "partner", "req-100", "pending", "high")

	start := time.Now()
	h.dispatchAndWait(t, context.Background())
	assert.Less(t, time.Since(start), 8*time.Second, "idle timeout must fire well before the server hangs up")

	archived, err := h.store.Load(filepath.Join(h.store.ArchiveDir(), "req-100.md"))
	require.NoError(t, err)
	assert.Equal(t, request.StatusFailed, archived.Status)
}
