// Package agent invokes the local coding agent CLI in a service working
// directory and streams its output. The CLI speaks the stream-json protocol:
// one JSON message per stdout line, ending with a result message.
package agent

import "encoding/json"

// Chunk kinds delivered through the OnOutput callback.
const (
	ChunkText       = "text"
	ChunkToolUse    = "tool_use"
	ChunkToolResult = "tool_result"
	ChunkThinking   = "thinking"
	ChunkStatus     = "status"
)

// Chunk is one streamed unit of agent output.
type Chunk struct {
	Kind string
	Text string
}

// Message types on the agent CLI's stdout stream.
const (
	messageTypeSystem    = "system"
	messageTypeAssistant = "assistant"
	messageTypeResult    = "result"
)

// streamMessage is one line of the agent CLI's stream-json output. The
// message type determines which fields are populated.
type streamMessage struct {
	Type string `json:"type"`

	// For system messages.
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// For assistant messages.
	Message *assistantMessage `json:"message,omitempty"`

	// For result messages. Result can be a string or an object.
	Result            json.RawMessage  `json:"result,omitempty"`
	IsError           bool             `json:"is_error,omitempty"`
	CostUSD           float64          `json:"cost_usd,omitempty"`
	TotalCostUSD      float64          `json:"total_cost_usd,omitempty"`
	DurationMS        int64            `json:"duration_ms,omitempty"`
	NumTurns          int              `json:"num_turns,omitempty"`
	TotalInputTokens  int64            `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64            `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]usage `json:"model_usage,omitempty"`
}

type assistantMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content,omitempty"`
	Usage   *usage         `json:"usage,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// chunksFrom translates one stream message into output chunks.
func chunksFrom(msg *streamMessage) []Chunk {
	switch msg.Type {
	case messageTypeSystem:
		if msg.Subtype != "" {
			return []Chunk{{Kind: ChunkStatus, Text: msg.Subtype}}
		}
		return nil
	case messageTypeAssistant:
		if msg.Message == nil {
			return nil
		}
		chunks := make([]Chunk, 0, len(msg.Message.Content))
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				chunks = append(chunks, Chunk{Kind: ChunkText, Text: block.Text})
			case "thinking":
				chunks = append(chunks, Chunk{Kind: ChunkThinking, Text: block.Thinking})
			case "tool_use":
				chunks = append(chunks, Chunk{Kind: ChunkToolUse, Text: block.Name})
			case "tool_result":
				chunks = append(chunks, Chunk{Kind: ChunkToolResult, Text: block.Content})
			}
		}
		return chunks
	}
	return nil
}

// resultText extracts the free-form result payload, which the CLI emits
// either as a bare string or as an object with a text field.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text
	}
	return string(raw)
}
