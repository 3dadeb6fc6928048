package enrollment

import (
	"log/slog"
	"sync"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

// Bus is an in-process publish/subscribe hub for enrollment lifecycle
// events. Downstream collaborators (trusted-issuer registration, policy
// distribution) subscribe instead of being hard-wired into the ledger.
//
// Handlers run synchronously on the publisher's goroutine; they must not
// block. Subscribing and unsubscribing are safe under concurrent publishes.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(interfaces.EnrollmentEvent)
	log    *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		subs: make(map[string]map[int]func(interfaces.EnrollmentEvent)),
		log:  log,
	}
}

// Subscribe registers handler for a topic and returns an unsubscribe func.
// Calling unsubscribe more than once is a no-op.
func (b *Bus) Subscribe(topic string, handler func(interfaces.EnrollmentEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(interfaces.EnrollmentEvent))
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish delivers the event to all handlers subscribed to its topic.
// The subscriber set is snapshotted under the read lock so handlers may
// unsubscribe from within their own callback.
func (b *Bus) Publish(event interfaces.EnrollmentEvent) {
	b.mu.RLock()
	handlers := make([]func(interfaces.EnrollmentEvent), 0, len(b.subs[event.Topic]))
	for _, h := range b.subs[event.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	b.log.Debug("Publishing enrollment event",
		slog.String("topic", event.Topic),
		slog.Int("subscribers", len(handlers)))

	for _, h := range handlers {
		h(event)
	}
}
