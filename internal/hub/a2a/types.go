// Package a2a implements the client side of the agent-to-agent protocol
// used to hand requests to remote services. A request is POSTed as a
// message and the remote replies with an SSE stream of task events.
package a2a

import "encoding/json"

// Task states reported by a remote service.
const (
	StateSubmitted     = "submitted"
	StateWorking       = "working"
	StateInputRequired = "input-required"
	StateAuthRequired  = "auth-required"
	StateCompleted     = "completed"
	StateFailed        = "failed"
	StateCanceled      = "canceled"
	StateRejected      = "rejected"
)

// Terminal reports whether a task state ends the remote task.
func Terminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCanceled, StateRejected:
		return true
	}
	return false
}

// Event kinds on the task stream.
const (
	EventTaskCreated    = "task-created"
	EventStatusUpdate   = "status-update"
	EventArtifactUpdate = "artifact-update"
)

// Event is one SSE event from a remote task stream.
type Event struct {
	Kind      string          `json:"kind"`
	TaskID    string          `json:"taskId,omitempty"`
	ContextID string          `json:"contextId,omitempty"`
	State     string          `json:"state,omitempty"`
	Message   string          `json:"message,omitempty"`
	Artifact  *Artifact       `json:"artifact,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Artifact is a named payload produced by a remote task.
type Artifact struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// Message is the outbound request envelope.
type Message struct {
	RequestID string `json:"requestId"`
	From      string `json:"from"`
	Priority  string `json:"priority"`
	Directive string `json:"directive"`
	Body      string `json:"body,omitempty"`
}

// Task is the snapshot returned by the task endpoint once a task has
// reached a terminal state.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	State     string     `json:"state"`
	Message   string     `json:"message,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}
