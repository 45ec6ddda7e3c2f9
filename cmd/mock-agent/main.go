// Package main implements a mock agent binary that speaks the
// stream-json protocol the dispatcher expects from the real agent CLI.
// It reads the prompt from stdin and generates a canned response, which
// makes hub runs reproducible without an actual agent.
//
// Scenario selection is keyword driven: a prompt containing "fail"
// produces an error result, "slow" sleeps before answering, anything
// else succeeds.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	model := parseModelFlag(os.Args)

	prompt, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: read stdin: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	respond(enc, string(prompt), model)
}

func parseModelFlag(args []string) string {
	for i, arg := range args[1:] {
		if arg == "--model" && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, "--model=") {
			return strings.TrimPrefix(arg, "--model=")
		}
	}
	return "mock-default"
}

func emit(enc *json.Encoder, v any) {
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encode: %v\n", err)
		os.Exit(1)
	}
}

func respond(enc *json.Encoder, prompt, model string) {
	start := time.Now()
	lower := strings.ToLower(prompt)

	emit(enc, map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
	})

	if strings.Contains(lower, "slow") {
		time.Sleep(3 * time.Second)
	}

	emit(enc, assistant("thinking", "Reading the request."))
	emit(enc, assistantToolUse("Read"))
	emit(enc, assistant("text", "Working on it."))

	if strings.Contains(lower, "fail") {
		emit(enc, map[string]any{
			"type":        "result",
			"is_error":    true,
			"result":      "mock agent failure requested by prompt",
			"duration_ms": time.Since(start).Milliseconds(),
			"num_turns":   1,
			"cost_usd":    0.001,
		})
		return
	}

	emit(enc, assistant("text", "Done."))
	emit(enc, map[string]any{
		"type":        "result",
		"is_error":    false,
		"result":      "mock run complete",
		"duration_ms": time.Since(start).Milliseconds(),
		"num_turns":   2,
		"cost_usd":    0.0042,
		"model_usage": map[string]any{
			model: map[string]int64{"input_tokens": 1200, "output_tokens": 300},
		},
	})
}

func assistant(kind, text string) map[string]any {
	block := map[string]any{"type": kind}
	if kind == "thinking" {
		block["thinking"] = text
	} else {
		block["text"] = text
	}
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []any{block},
		},
	}
}

func assistantToolUse(name string) map[string]any {
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role": "assistant",
			"content": []any{map[string]any{
				"type":  "tool_use",
				"name":  name,
				"input": map[string]any{"path": "README.md"},
			}},
		},
	}
}
