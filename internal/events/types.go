// Package events defines the event kinds and payload shapes emitted by the
// hub, plus the bridge that forwards them to external consumers.
package events

import "time"

// Request lifecycle events.
const (
	RequestClaimed   = "request:claimed"
	RequestCompleted = "request:completed"
	RequestFailed    = "request:failed"
)

// Remote (A2A) stream events.
const (
	A2AStatusUpdate   = "a2a:status-update"
	A2AArtifactUpdate = "a2a:artifact-update"
)

// Agent session events.
const (
	SessionStart    = "session:start"
	SessionOutput   = "session:output"
	SessionComplete = "session:complete"
	SessionError    = "session:error"
)

// Scheduler and git-sync events.
const (
	SchedulerTick = "scheduler:tick"
	SyncPull      = "sync:pull"
	SyncPush      = "sync:push"
)

// Service registry events.
const (
	ServiceAdded   = "service:added"
	ServiceRemoved = "service:removed"
)

// Kinds returns every defined event kind. The bridge subscribes to all of
// them; keep this list in sync with the constants above.
func Kinds() []string {
	return []string{
		RequestClaimed,
		RequestCompleted,
		RequestFailed,
		A2AStatusUpdate,
		A2AArtifactUpdate,
		SessionStart,
		SessionOutput,
		SessionComplete,
		SessionError,
		SchedulerTick,
		SyncPull,
		SyncPush,
		ServiceAdded,
		ServiceRemoved,
	}
}

// RequestClaimedPayload is emitted when a request is admitted and handed to
// an executor.
type RequestClaimedPayload struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	Directive string `json:"directive,omitempty"`
	Remote    bool   `json:"remote"`
	Attempt   int    `json:"attempt"`
}

// RequestCompletedPayload is emitted exactly once per successful request.
type RequestCompletedPayload struct {
	RequestID  string  `json:"request_id"`
	Service    string  `json:"service"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// RequestFailedPayload is emitted exactly once per failed request attempt.
type RequestFailedPayload struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	Error     string `json:"error"`
	WillRetry bool   `json:"will_retry"`
	Attempt   int    `json:"attempt"`
}

// SessionPayload accompanies session lifecycle events.
type SessionPayload struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	Error     string `json:"error,omitempty"`
}

// SessionOutputPayload carries a single streamed chunk of agent output.
type SessionOutputPayload struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	Kind      string `json:"kind"` // text, tool_use, tool_result, thinking, status
	Text      string `json:"text"`
}

// A2AStatusPayload carries a remote task state transition.
type A2AStatusPayload struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	TaskID    string `json:"task_id"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
}

// A2AArtifactPayload carries a remote task artifact.
type A2AArtifactPayload struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	Data      string `json:"data,omitempty"`
}

// SchedulerTickPayload summarizes one scheduler pass.
type SchedulerTickPayload struct {
	At         time.Time `json:"at"`
	Candidates int       `json:"candidates"`
	Dispatched int       `json:"dispatched"`
	DurationMS int64     `json:"duration_ms"`
}

// SyncPayload accompanies git pull/push events.
type SyncPayload struct {
	Root  string `json:"root"`
	Error string `json:"error,omitempty"`
}

// ServicePayload accompanies service registry change events.
type ServicePayload struct {
	Name string `json:"name"`
}
