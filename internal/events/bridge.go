package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relayhub/relayhub/internal/common/logger"
	"github.com/relayhub/relayhub/internal/events/bus"
)

// WireMessage is the JSON shape bridged events are forwarded as. It is the
// only contract between the hub core and the WebSocket facade.
type WireMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink receives JSON-encoded wire messages from the bridge.
type Sink interface {
	Send(msg []byte) error
}

// Bridge subscribes a forwarder for every defined event kind and sends each
// event to the sink as an encoded WireMessage. The returned cleanup function
// unsubscribes all bridged listeners.
func Bridge(b bus.EventBus, sink Sink, log *logger.Logger) (func(), error) {
	subs := make([]bus.Subscription, 0, len(Kinds()))

	unsubscribe := func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				log.Warn("bridge unsubscribe failed", zap.Error(err))
			}
		}
	}

	for _, kind := range Kinds() {
		sub, err := b.Subscribe(kind, func(ctx context.Context, ev *bus.Event) error {
			data, err := json.Marshal(WireMessage{
				Type:      ev.Type,
				Data:      ev.Data,
				Timestamp: ev.Timestamp,
			})
			if err != nil {
				return fmt.Errorf("encode wire message: %w", err)
			}
			// Sink failures must not surface into business logic.
			if err := sink.Send(data); err != nil {
				log.Debug("bridge sink send failed",
					zap.String("kind", ev.Type),
					zap.Error(err))
			}
			return nil
		})
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("bridge subscribe %s: %w", kind, err)
		}
		subs = append(subs, sub)
	}

	return unsubscribe, nil
}

// Emit publishes a typed event, swallowing publish errors. Event emission is
// best-effort everywhere in the core.
func Emit(b bus.EventBus, kind, source string, data interface{}) {
	if b == nil {
		return
	}
	_ = b.Publish(context.Background(), kind, bus.NewEvent(kind, source, data))
}
