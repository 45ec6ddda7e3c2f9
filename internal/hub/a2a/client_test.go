package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relayhub/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// sseServer replies to POST /messages with the given event payloads and
// serves GET /tasks/{id} from the tasks map.
func sseServer(t *testing.T, events []map[string]any, tasks map[string]*Task) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/tasks/"):]
		task, ok := tasks[id]
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

func collect(t *testing.T, stream *Stream) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func TestClient_SendHappyPath(t *testing.T) {
	srv := sseServer(t, []map[string]any{
		{"kind": "task-created", "taskId": "task-1", "contextId": "ctx-1"},
		{"kind": "status-update", "taskId": "task-1", "state": "submitted"},
		{"kind": "status-update", "taskId": "task-1", "state": "working", "message": "on it"},
		{"kind": "artifact-update", "taskId": "task-1", "artifact": map[string]string{"name": "contract-update", "data": "payload"}},
		{"kind": "status-update", "taskId": "task-1", "state": "completed"},
	}, nil)

	client := NewClient(srv.URL, newTestLogger())
	stream, err := client.Send(context.Background(), &Message{RequestID: "req-100", From: "hub"})
	require.NoError(t, err)
	defer stream.Close()

	got := collect(t, stream)
	require.Len(t, got, 5)
	assert.Equal(t, EventTaskCreated, got[0].Kind)
	assert.Equal(t, "task-1", got[0].TaskID)
	assert.Equal(t, "ctx-1", got[0].ContextID)
	assert.Equal(t, StateWorking, got[2].State)
	assert.Equal(t, "on it", got[2].Message)
	require.NotNil(t, got[3].Artifact)
	assert.Equal(t, "contract-update", got[3].Artifact.Name)
	assert.Equal(t, StateCompleted, got[4].State)
	assert.NoError(t, stream.Err())
}

func TestClient_SendTerminalFailure(t *testing.T) {
	srv := sseServer(t, []map[string]any{
		{"kind": "task-created", "taskId": "task-1"},
		{"kind": "status-update", "taskId": "task-1", "state": "failed", "message": "boom"},
	}, nil)

	client := NewClient(srv.URL, newTestLogger())
	stream, err := client.Send(context.Background(), &Message{RequestID: "req-100"})
	require.NoError(t, err)
	defer stream.Close()

	got := collect(t, stream)
	require.Len(t, got, 2)
	assert.Equal(t, StateFailed, got[1].State)
	// Failed is terminal, so the stream ended cleanly.
	assert.NoError(t, stream.Err())
}

func TestClient_StreamClosedBeforeTerminal(t *testing.T) {
	srv := sseServer(t, []map[string]any{
		{"kind": "task-created", "taskId": "task-1"},
		{"kind": "status-update", "taskId": "task-1", "state": "working"},
	}, nil)

	client := NewClient(srv.URL, newTestLogger())
	stream, err := client.Send(context.Background(), &Message{RequestID: "req-100"})
	require.NoError(t, err)
	defer stream.Close()

	collect(t, stream)
	assert.ErrorIs(t, stream.Err(), ErrStreamClosed)
}

func TestClient_SendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, newTestLogger())
	_, err := client.Send(context.Background(), &Message{RequestID: "req-100"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_GetTask(t *testing.T) {
	srv := sseServer(t, nil, map[string]*Task{
		"task-1": {
			ID:    "task-1",
			State: StateCompleted,
			Artifacts: []Artifact{
				{Name: "contract-update", Data: "full payload"},
			},
		},
	})

	client := NewClient(srv.URL, newTestLogger())
	task, err := client.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, task.State)
	require.Len(t, task.Artifacts, 1)
	assert.Equal(t, "full payload", task.Artifacts[0].Data)

	_, err = client.GetTask(context.Background(), "task-missing")
	assert.Error(t, err)
}

func TestPool_CacheAndInvalidate(t *testing.T) {
	pool := NewPool(newTestLogger())

	c1 := pool.ClientFor("http://one.test")
	c2 := pool.ClientFor("http://one.test")
	assert.Same(t, c1, c2, "same endpoint must reuse the cached client")

	other := pool.ClientFor("http://two.test")
	assert.NotSame(t, c1, other)

	pool.Invalidate("http://one.test")
	c3 := pool.ClientFor("http://one.test")
	assert.NotSame(t, c1, c3, "invalidation must drop the cached client")
}

func TestTerminal(t *testing.T) {
	for _, state := range []string{StateCompleted, StateFailed, StateCanceled, StateRejected} {
		assert.True(t, Terminal(state), state)
	}
	for _, state := range []string{StateSubmitted, StateWorking, StateInputRequired, StateAuthRequired, ""} {
		assert.False(t, Terminal(state), state)
	}
}
