package wrapper

import (
	"sync"

	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// EventBuffer is a bounded FIFO of outbound events, filled while the ingest
// socket is down. Past capacity it drops new events and records the loss;
// it never applies backpressure to the producer.
type EventBuffer struct {
	mu         sync.Mutex
	events     []v1.StreamEvent
	capacity   int
	overflowed bool
}

// NewEventBuffer creates a buffer with the given capacity.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{
		events:   make([]v1.StreamEvent, 0, capacity),
		capacity: capacity,
	}
}

// Add enqueues an event. Returns false when the buffer is full; the event is
// dropped and the overflowed flag set.
func (b *EventBuffer) Add(ev v1.StreamEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.capacity {
		b.overflowed = true
		return false
	}
	b.events = append(b.events, ev)
	return true
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Overflowed reports whether any event was dropped since the last Drain.
func (b *EventBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}

// Drain returns all buffered events in arrival order and resets the buffer,
// including the overflowed flag.
func (b *EventBuffer) Drain() []v1.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.events
	b.events = make([]v1.StreamEvent, 0, b.capacity)
	b.overflowed = false
	return events
}
