package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relayhub/relayhub/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	root := t.TempDir()
	return NewManager(filepath.Join(root, "sessions"), filepath.Join(root, "checkpoints"), cfg, newTestLogger())
}

func TestManager_AppendOutput(t *testing.T) {
	m := newTestManager(t, Config{})

	if err := m.AppendOutput("req-100", "first chunk\n"); err != nil {
		t.Fatalf("AppendOutput() error = %v", err)
	}
	if err := m.AppendOutput("req-100", "second chunk\n"); err != nil {
		t.Fatalf("AppendOutput() error = %v", err)
	}

	data, err := os.ReadFile(m.LogPath("req-100"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first chunk\nsecond chunk\n" {
		t.Errorf("log contents = %q", data)
	}
}

func TestManager_CheckpointLifecycle(t *testing.T) {
	m := newTestManager(t, Config{})

	if got := m.ReadCheckpoint("billing", "req-100"); got != "" {
		t.Errorf("ReadCheckpoint on empty = %q", got)
	}

	if err := m.WriteCheckpoint("billing", "req-100", 2, "agent timed out"); err != nil {
		t.Fatalf("WriteCheckpoint() error = %v", err)
	}
	got := m.ReadCheckpoint("billing", "req-100")
	if !strings.Contains(got, "attempt: 2") || !strings.Contains(got, "agent timed out") {
		t.Errorf("checkpoint contents = %q", got)
	}

	// The file lives at checkpoints/{service}-{requestId}.md.
	if _, err := os.Stat(filepath.Join(m.checkpointsDir, "billing-req-100.md")); err != nil {
		t.Errorf("checkpoint path: %v", err)
	}

	m.ClearCheckpoint("billing", "req-100")
	if got := m.ReadCheckpoint("billing", "req-100"); got != "" {
		t.Errorf("ReadCheckpoint after clear = %q", got)
	}
	// Clearing twice is fine.
	m.ClearCheckpoint("billing", "req-100")
}

func TestManager_AgentSessionReuseAndRotation(t *testing.T) {
	m := newTestManager(t, Config{MaxRequests: 2})

	id1, fresh := m.AgentSessionFor("billing")
	if !fresh {
		t.Error("first session should be fresh")
	}
	id2, fresh := m.AgentSessionFor("billing")
	if fresh || id2 != id1 {
		t.Errorf("second call: id=%s fresh=%v, want reuse of %s", id2, fresh, id1)
	}

	// Request cap reached: third call rotates.
	id3, fresh := m.AgentSessionFor("billing")
	if !fresh || id3 == id1 {
		t.Errorf("third call: id=%s fresh=%v, want rotation", id3, fresh)
	}

	// Separate services get separate sessions.
	other, fresh := m.AgentSessionFor("search")
	if !fresh || other == id3 {
		t.Error("services must not share agent sessions")
	}
}

func TestManager_AgentSessionAgeRotation(t *testing.T) {
	m := newTestManager(t, Config{MaxAge: time.Millisecond})

	id1, _ := m.AgentSessionFor("billing")
	time.Sleep(5 * time.Millisecond)
	id2, fresh := m.AgentSessionFor("billing")
	if !fresh || id2 == id1 {
		t.Errorf("expected age rotation, got id=%s fresh=%v", id2, fresh)
	}
}
