package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relayhub/relayhub/internal/common/logger"
)

// MemoryEventBus implements EventBus with in-process synchronous delivery.
// Subscribers for a kind are notified in subscribe order, on the publisher's
// goroutine. A panicking or erroring handler never prevents delivery to the
// remaining subscribers.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	kind    string
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.kind]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.kind] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers the event to every subscriber of the kind, synchronously
// and in subscribe order.
func (b *MemoryEventBus) Publish(ctx context.Context, kind string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	snapshot := make([]*memorySubscription, len(b.subscriptions[kind]))
	copy(snapshot, b.subscriptions[kind])
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.IsValid() {
			continue
		}
		b.deliver(ctx, kind, sub, event)
	}

	b.logger.Debug("published event",
		zap.String("kind", kind),
		zap.String("event_id", event.ID))
	return nil
}

// deliver invokes one handler, isolating panics and errors from the rest.
func (b *MemoryEventBus) deliver(ctx context.Context, kind string, sub *memorySubscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("kind", kind),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler error",
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// Subscribe registers a handler for a kind.
func (b *MemoryEventBus) Subscribe(kind string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		kind:    kind,
		handler: handler,
		active:  true,
	}
	b.subscriptions[kind] = append(b.subscriptions[kind], sub)

	b.logger.Debug("subscribed", zap.String("kind", kind))
	return sub, nil
}

// Close closes the event bus and deactivates all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.logger.Info("memory event bus closed")
}

// IsConnected returns true until Close is called.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
