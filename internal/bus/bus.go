package bus

import (
	"context"
	"sort"
	"sync"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Event is a message published on the bus.
type Event struct {
	Type    string
	Payload any
}

// Handler receives one event. Publish waits for it to return.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id        int
	eventType string
	handler   Handler
}

// Bus is an in-process pub/sub bus keyed by event type. Delivery is
// synchronous and unbuffered: Publish calls each current subscriber in
// subscription order and returns after the last one. Late subscribers never
// see earlier events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]subscription),
	}
}

// Subscribe registers handler for eventType and returns a function that
// removes it. The returned function is safe to call more than once.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{id: id, eventType: eventType, handler: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every handler subscribed at call time, even
// when ctx is already done; handlers decide what cancellation means to them.
// Handlers run outside the bus lock so they may publish or unsubscribe.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) {
	ev := Event{Type: eventType, Payload: payload}
	for _, sub := range b.snapshot(eventType) {
		sub.handler(ctx, ev)
	}
}

func (b *Bus) snapshot(eventType string) []subscription {
	b.mu.RLock()
	out := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == eventType || sub.eventType == AllEvents {
			out = append(out, sub)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
