// Package bus provides the event bus abstraction used by the hub.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"` // component that produced the event
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub/sub contract shared by the in-memory and NATS
// implementations. Within one event kind, subscribers observe events in the
// order a single emitter published them.
type EventBus interface {
	// Publish sends an event to every subscriber of the kind.
	Publish(ctx context.Context, kind string, event *Event) error

	// Subscribe registers a handler for a kind. Handlers are invoked in the
	// order Subscribe was called.
	Subscribe(kind string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down; further publishes fail.
	Close()

	// IsConnected reports whether the bus can deliver events.
	IsConnected() bool
}
