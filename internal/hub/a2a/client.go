package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relayhub/relayhub/internal/common/logger"
	"go.uber.org/zap"
)

var (
	// ErrStreamClosed is returned when the remote ends the SSE stream
	// before the task reaches a terminal state.
	ErrStreamClosed = errors.New("a2a: stream closed before terminal state")
)

// Client talks to one remote endpoint. Clients are cached per endpoint
// by the Pool and safe for concurrent use.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a client for one remote endpoint. The HTTP client
// carries no timeout because task streams stay open for the lifetime of
// the remote task; callers bound the stream with a context.
func NewClient(endpoint string, log *logger.Logger) *Client {
	return &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "a2a-client"), zap.String("endpoint", endpoint)),
	}
}

// Stream delivers remote task events until the stream ends or the
// consumer closes it.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	err    error
	mu     sync.Mutex
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan Event { return s.events }

// Close tears down the underlying connection. Safe to call more than once.
func (s *Stream) Close() { s.cancel() }

// Err reports the reason the stream ended, nil for a clean end after a
// terminal status.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Send posts a message to the remote and returns the live event stream
// for the created task.
func (c *Client) Send(ctx context.Context, msg *Message) (*Stream, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal message: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.endpoint+"/messages", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("a2a: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("a2a: send message: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("a2a: send message: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.logger.Debug("task stream connected", zap.String("request_id", msg.RequestID))

	stream := &Stream{
		events: make(chan Event, 16),
		cancel: cancel,
	}
	go c.consume(streamCtx, resp.Body, stream)
	return stream, nil
}

// consume reads SSE events off the response body until the stream ends.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, stream *Stream) {
	defer func() {
		_ = body.Close()
		close(stream.events)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataBuffer strings.Builder
	sawTerminal := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			stream.setErr(ctx.Err())
			return
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {...}"
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Empty line signals end of event
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()
			if data == "" {
				continue
			}

			var ev Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				c.logger.Warn("failed to parse task event", zap.Error(err))
				continue
			}
			ev.Raw = json.RawMessage(data)
			if ev.Kind == EventStatusUpdate && Terminal(ev.State) {
				sawTerminal = true
			}

			select {
			case stream.events <- ev:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		stream.setErr(fmt.Errorf("a2a: read stream: %w", err))
		return
	}
	if ctx.Err() != nil {
		stream.setErr(ctx.Err())
		return
	}
	if !sawTerminal {
		stream.setErr(ErrStreamClosed)
	}
}

// GetTask fetches the terminal snapshot for a task, including any
// artifacts the stream did not carry.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("a2a: create request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("a2a: get task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("a2a: get task: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("a2a: decode task: %w", err)
	}
	return &task, nil
}

// Pool caches one client per endpoint. A client is evicted when a call
// through it fails so the next send reconnects fresh.
type Pool struct {
	logger  *logger.Logger
	mu      sync.Mutex
	clients map[string]*Client
}

func NewPool(log *logger.Logger) *Pool {
	return &Pool{
		logger:  log,
		clients: make(map[string]*Client),
	}
}

// ClientFor returns the cached client for an endpoint, creating it on
// first use.
func (p *Pool) ClientFor(endpoint string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[endpoint]; ok {
		return c
	}
	c := NewClient(endpoint, p.logger)
	p.clients[endpoint] = c
	return c
}

// Invalidate drops the cached client for an endpoint.
func (p *Pool) Invalidate(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, endpoint)
}

// Send posts a message through the cached client for the endpoint.
func (p *Pool) Send(ctx context.Context, endpoint string, msg *Message) (*Stream, error) {
	return p.ClientFor(endpoint).Send(ctx, msg)
}

// GetTask fetches a task snapshot through the cached client for the endpoint.
func (p *Pool) GetTask(ctx context.Context, endpoint, taskID string) (*Task, error) {
	return p.ClientFor(endpoint).GetTask(ctx, taskID)
}
