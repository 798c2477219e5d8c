package observability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one lifecycle event published on the Bus.
type Event struct {
	Type string
	Data map[string]interface{}
	Time time.Time
}

// Bus implements the EventPublisher interface as a bounded-queue
// broadcast: each subscriber owns a buffered channel, and a publish that
// would block drops the event for that subscriber instead of stalling the
// publisher's critical path.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a listener with the given queue depth and returns
// its event channel plus a cancel function. The channel is closed on
// cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// Publish fans the event out to all subscribers. A full subscriber queue
// drops the event for that subscriber and logs; it never blocks or
// propagates a failure back to the publisher.
func (b *Bus) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	event := Event{
		Type: eventType,
		Data: data,
		Time: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			FromContext(ctx).Warn("event dropped for slow listener",
				zap.String("event_type", eventType))
		}
	}
}
