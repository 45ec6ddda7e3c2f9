package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/relayhub/relayhub/internal/common/logger"
	"go.uber.org/zap"
)

var (
	// ErrTimeout is returned when the agent process exceeds the request
	// timeout and is killed.
	ErrTimeout = errors.New("agent: invocation timed out")
	// ErrNoResult is returned when the agent exits without emitting a
	// result message.
	ErrNoResult = errors.New("agent: stream ended without a result message")
)

// TokenUsage is the aggregate token consumption of one invocation.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Result is the outcome of one agent invocation.
type Result struct {
	Success    bool
	Text       string
	ErrorText  string
	DurationMS int64
	CostUSD    float64
	NumTurns   int
	Tokens     TokenUsage
	ModelUsage map[string]TokenUsage
}

// InvokeParams describes one agent invocation.
type InvokeParams struct {
	// Prompt is the full directive text fed to the agent.
	Prompt string
	// Dir is the working directory the agent runs in.
	Dir string
	// Timeout is the hard wall-clock limit. Zero means no limit.
	Timeout time.Duration
	// Model overrides the agent's default model when non-empty.
	Model string
	// SessionID resumes a prior agent session when Resume is set,
	// otherwise names the new session.
	SessionID string
	Resume    bool
	// OnOutput receives streamed chunks as they arrive. May be nil.
	OnOutput func(Chunk)
}

// Executor runs the agent CLI as a subprocess and parses its
// stream-json output.
type Executor struct {
	cmd    string
	logger *logger.Logger
}

func NewExecutor(cmd string, log *logger.Logger) *Executor {
	if cmd == "" {
		cmd = "claude"
	}
	return &Executor{
		cmd:    cmd,
		logger: log.WithFields(zap.String("component", "agent-executor")),
	}
}

// Invoke runs the agent to completion. Agent-level failures (the agent
// ran but reported an error) come back as a Result with Success false;
// the error return is reserved for spawn and protocol failures.
func (e *Executor) Invoke(ctx context.Context, p InvokeParams) (*Result, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := []string{"-p", "--output-format=stream-json", "--verbose"}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.SessionID != "" {
		if p.Resume {
			args = append(args, "--resume", p.SessionID)
		} else {
			args = append(args, "--session-id", p.SessionID)
		}
	}

	cmd := exec.CommandContext(ctx, e.cmd, args...)
	cmd.Dir = p.Dir
	cmd.Stdin = strings.NewReader(p.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderr := &strings.Builder{}
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: start %s: %w", e.cmd, err)
	}
	e.logger.Debug("agent started",
		zap.String("cmd", e.cmd),
		zap.String("dir", p.Dir),
		zap.String("session_id", p.SessionID))

	result, streamErr := e.consume(stdout, p.OnOutput)
	waitErr := cmd.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if streamErr != nil {
		return nil, streamErr
	}
	if result == nil {
		if waitErr != nil {
			return nil, fmt.Errorf("agent: %w: %s", waitErr, firstLine(stderr.String()))
		}
		return nil, ErrNoResult
	}
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(start).Milliseconds()
	}
	if waitErr != nil && result.Success {
		result.Success = false
		result.ErrorText = firstLine(stderr.String())
		if result.ErrorText == "" {
			result.ErrorText = waitErr.Error()
		}
	}
	return result, nil
}

// consume reads stream-json lines until EOF, forwarding chunks and
// capturing the final result message.
func (e *Executor) consume(r interface{ Read([]byte) (int, error) }, onOutput func(Chunk)) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var result *Result
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			e.logger.Debug("skipping unparseable stream line", zap.String("line", truncate(line, 200)))
			continue
		}
		if msg.Type == messageTypeResult {
			result = resultFrom(&msg)
			continue
		}
		if onOutput != nil {
			for _, c := range chunksFrom(&msg) {
				onOutput(c)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("agent: read stream: %w", err)
	}
	return result, nil
}

func resultFrom(msg *streamMessage) *Result {
	res := &Result{
		Success:    !msg.IsError,
		Text:       resultText(msg.Result),
		DurationMS: msg.DurationMS,
		CostUSD:    msg.CostUSD,
		NumTurns:   msg.NumTurns,
		Tokens: TokenUsage{
			InputTokens:  msg.TotalInputTokens,
			OutputTokens: msg.TotalOutputTokens,
		},
	}
	if res.CostUSD == 0 {
		res.CostUSD = msg.TotalCostUSD
	}
	if msg.IsError {
		res.ErrorText = res.Text
		if res.ErrorText == "" {
			res.ErrorText = "agent reported an error"
		}
	}
	if len(msg.ModelUsage) > 0 {
		res.ModelUsage = make(map[string]TokenUsage, len(msg.ModelUsage))
		var sum TokenUsage
		for model, u := range msg.ModelUsage {
			res.ModelUsage[model] = TokenUsage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
			sum.InputTokens += u.InputTokens
			sum.OutputTokens += u.OutputTokens
		}
		if res.Tokens.InputTokens == 0 && res.Tokens.OutputTokens == 0 {
			res.Tokens = sum
		}
	}
	return res
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
