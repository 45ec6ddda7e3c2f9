// Package history provides the append-only audit log of request state
// transitions, partitioned per actor per day.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayhub/relayhub/internal/common/logger"
)

// Record is one structured transition entry.
type Record struct {
	Timestamp  time.Time        `json:"timestamp"`
	RequestID  string           `json:"request_id"`
	FromStatus string           `json:"from_status"`
	ToStatus   string           `json:"to_status"`
	Actor      string           `json:"actor"`
	Detail     string           `json:"detail,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	CostUSD    float64          `json:"cost_usd,omitempty"`
	Turns      int              `json:"turns,omitempty"`
	TokenUsage *TokenUsage      `json:"token_usage,omitempty"`
	ModelUsage map[string]int64 `json:"model_usage,omitempty"`
}

// TokenUsage summarizes token consumption of one attempt.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Writer appends records to {historyDir}/{YYYY-MM-DD}-{actor}.jsonl.
// Appends are serialized so records for the same actor on the same day land
// in issue order. Errors are logged and never propagated to callers.
type Writer struct {
	dir    string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewWriter creates a history writer over the given directory.
func NewWriter(dir string, log *logger.Logger) *Writer {
	return &Writer{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "history")),
	}
}

// Append writes one JSON line. Best-effort: failures are logged, callers
// never see them.
func (w *Writer) Append(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.append(rec); err != nil {
		w.logger.Warn("failed to append history record",
			zap.String("request_id", rec.RequestID),
			zap.String("actor", rec.Actor),
			zap.Error(err))
	}
}

func (w *Writer) append(rec Record) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s.jsonl", rec.Timestamp.Format("2006-01-02"), rec.Actor)
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}
