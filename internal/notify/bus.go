package notify

import (
	"sync"

	"go.uber.org/zap"
)

type Topic string

const (
	TopicConnectionStatus  Topic = "CONNECTION_STATUS"
	TopicOrderStatusUpdate Topic = "ORDER_STATUS_UPDATE"
)

// ConnectionStatus is the payload published on TopicConnectionStatus.
// Reuse marks a connect call that found the session already live.
type ConnectionStatus struct {
	Connected bool
	Reuse     bool
	Err       error
}

type Handler func(payload any)

// Bus is an in-process fan-out for connection-state and order-update
// events. Handlers on a topic run in registration order on the publishing
// goroutine; a panicking handler is logged and never affects the publisher
// or its siblings.
type Bus struct {
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[Topic][]*busEntry
	nextId   uint64
}

type busEntry struct {
	id      uint64
	handler Handler
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[Topic][]*busEntry),
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextId++
	entry := &busEntry{
		id:      b.nextId,
		handler: handler,
	}

	b.handlers[topic] = append(b.handlers[topic], entry)

	id := entry.id

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i:i], entries[i+1:]...)

				return
			}
		}
	}
}

func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	entries := make([]*busEntry, len(b.handlers[topic]))
	copy(entries, b.handlers[topic])
	b.mu.Unlock()

	for _, entry := range entries {
		b.dispatch(topic, entry, payload)
	}
}

func (b *Bus) dispatch(topic Topic, entry *busEntry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", string(topic)),
				zap.Any("panic", r))
		}
	}()

	entry.handler(payload)
}
