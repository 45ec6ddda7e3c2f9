// Package main implements a mock remote service speaking the
// agent-to-agent protocol: POST /messages answers with an SSE task
// stream and GET /tasks/:id returns the terminal snapshot. The --mode
// flag selects the behavior: happy (default), fail, or silent, where
// silent never sends a terminal event so the hub's idle timeout fires.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type message struct {
	RequestID string `json:"requestId"`
	From      string `json:"from"`
	Priority  string `json:"priority"`
	Directive string `json:"directive"`
	Body      string `json:"body"`
}

type artifact struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	State     string     `json:"state"`
	Message   string     `json:"message,omitempty"`
	Artifacts []artifact `json:"artifacts,omitempty"`
}

type server struct {
	mode  string
	delay time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

func main() {
	port := flag.Int("port", 8238, "listen port")
	mode := flag.String("mode", "happy", "behavior: happy, fail, silent")
	delay := flag.Duration("delay", 200*time.Millisecond, "pause between stream events")
	flag.Parse()

	s := &server{mode: *mode, delay: *delay, tasks: make(map[string]*task)}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/messages", s.handleMessage)
	router.GET("/tasks/:id", s.handleGetTask)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Silent-mode streams never drain; cut them off.
			return srv.Close()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-remote: %v\n", err)
		os.Exit(1)
	}
}

func (s *server) handleMessage(c *gin.Context) {
	var msg message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t := &task{
		ID:        "task-" + uuid.New().String()[:8],
		ContextID: "ctx-" + uuid.New().String()[:8],
		State:     "submitted",
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)

	send := func(ev map[string]any) bool {
		data, _ := json.Marshal(ev)
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}
	status := func(state, message string) bool {
		s.setState(t.ID, state, message)
		return send(map[string]any{
			"kind":    "status-update",
			"taskId":  t.ID,
			"state":   state,
			"message": message,
		})
	}

	if !send(map[string]any{"kind": "task-created", "taskId": t.ID, "contextId": t.ContextID}) {
		return
	}
	time.Sleep(s.delay)
	if !status("submitted", "") {
		return
	}
	time.Sleep(s.delay)
	if !status("working", "processing "+msg.RequestID) {
		return
	}

	switch s.mode {
	case "silent":
		// Hold the stream open without events until the client goes away.
		<-c.Request.Context().Done()
		return
	case "fail":
		time.Sleep(s.delay)
		status("failed", "mock remote failure")
		return
	default:
		time.Sleep(s.delay)
		art := artifact{Name: "contract-update", Data: "updated contract for " + msg.RequestID}
		s.addArtifact(t.ID, art)
		send(map[string]any{"kind": "artifact-update", "taskId": t.ID, "artifact": art})
		time.Sleep(s.delay)
		status("completed", "")
	}
}

func (s *server) handleGetTask(c *gin.Context) {
	s.mu.Lock()
	t, ok := s.tasks[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *server) setState(id, state, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.State = state
		t.Message = message
	}
}

func (s *server) addArtifact(id string, art artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Artifacts = append(t.Artifacts, art)
	}
}
