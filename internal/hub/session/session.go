// Package session owns per-request session logs, crash checkpoints, and
// reusable agent session bookkeeping.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayhub/relayhub/internal/common/logger"
)

// Config bounds reusable agent sessions.
type Config struct {
	// MaxRequests rotates an agent session after this many requests.
	MaxRequests int
	// MaxAge rotates an agent session after this wall-clock age.
	MaxAge time.Duration
}

// Manager handles session logs under sessionsDir and checkpoints under
// checkpointsDir. A session log has a single writer (the executor running
// its request) by construction.
type Manager struct {
	sessionsDir    string
	checkpointsDir string
	config         Config
	logger         *logger.Logger

	mu       sync.Mutex
	sessions map[string]*agentSession // service -> reusable agent session
}

// agentSession tracks one reusable agent conversation for a service.
type agentSession struct {
	id        string
	requests  int
	startedAt time.Time
}

// NewManager creates a session manager.
func NewManager(sessionsDir, checkpointsDir string, cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		sessionsDir:    sessionsDir,
		checkpointsDir: checkpointsDir,
		config:         cfg,
		logger:         log.WithFields(zap.String("component", "session")),
		sessions:       make(map[string]*agentSession),
	}
}

// LogPath returns the session log path for a request id.
func (m *Manager) LogPath(requestID string) string {
	return filepath.Join(m.sessionsDir, requestID+".log")
}

// AppendOutput appends one chunk of agent output to the request's session
// log, creating it lazily on first output.
func (m *Manager) AppendOutput(requestID, text string) error {
	if err := os.MkdirAll(m.sessionsDir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	f, err := os.OpenFile(m.LogPath(requestID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

// checkpointPath returns the checkpoint path for a (service, request) pair.
func (m *Manager) checkpointPath(service, requestID string) string {
	return filepath.Join(m.checkpointsDir, service+"-"+requestID+".md")
}

// WriteCheckpoint records the attempt number and last error before a retry
// becomes possible. Overwrites any previous checkpoint for the pair.
func (m *Manager) WriteCheckpoint(service, requestID string, attempt int, lastError string) error {
	if err := os.MkdirAll(m.checkpointsDir, 0o755); err != nil {
		return fmt.Errorf("create checkpoints dir: %w", err)
	}
	content := fmt.Sprintf(
		"# Checkpoint for %s\n\nservice: %s\nattempt: %d\nwritten: %s\n\n## Last error\n\n%s\n",
		requestID, service, attempt, time.Now().Format(time.RFC3339), lastError,
	)
	return os.WriteFile(m.checkpointPath(service, requestID), []byte(content), 0o644)
}

// ReadCheckpoint returns the checkpoint contents for prompt context, or ""
// when none exists.
func (m *Manager) ReadCheckpoint(service, requestID string) string {
	data, err := os.ReadFile(m.checkpointPath(service, requestID))
	if err != nil {
		return ""
	}
	return string(data)
}

// ClearCheckpoint removes the checkpoint after a successful attempt.
func (m *Manager) ClearCheckpoint(service, requestID string) {
	if err := os.Remove(m.checkpointPath(service, requestID)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to clear checkpoint",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// AgentSessionFor returns the reusable agent session id for a service,
// rotating when the request count or age cap is exceeded. fresh reports
// whether the session was just created (no conversation to resume).
func (m *Manager) AgentSessionFor(service string) (id string, fresh bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessions[service]
	if sess != nil && !m.expired(sess) {
		sess.requests++
		return sess.id, false
	}

	if sess != nil {
		m.logger.Debug("rotating agent session",
			zap.String("service", service),
			zap.Int("requests", sess.requests),
			zap.Duration("age", time.Since(sess.startedAt)))
	}
	sess = &agentSession{
		id:        uuid.New().String(),
		requests:  1,
		startedAt: time.Now(),
	}
	m.sessions[service] = sess
	return sess.id, true
}

func (m *Manager) expired(sess *agentSession) bool {
	if m.config.MaxRequests > 0 && sess.requests >= m.config.MaxRequests {
		return true
	}
	if m.config.MaxAge > 0 && time.Since(sess.startedAt) >= m.config.MaxAge {
		return true
	}
	return false
}
