package sink

import (
	"sync"

	"github.com/mutwatch/mutwatch/enrich"
	"github.com/mutwatch/mutwatch/types"
)

// Buffer is a bounded, mutex-guarded ring of enriched events for hosts
// that poll core.Core.DequeueEnrichedEvent rather than supplying a
// push-style sink. Unlike queue.Ring, which rejects the newest event
// when full, a full Buffer drops its oldest event; a mutex replaces the
// SPSC atomics because a Buffer is
// written by the single enrichment worker but may be read by any
// number of host goroutines calling DequeueEnrichedEvent concurrently.
type Buffer struct {
	mu       sync.Mutex
	events   []types.EnrichedEvent
	head     int
	size     int
	capacity int
}

// NewBuffer creates a Buffer able to hold capacity events before
// Handle starts dropping the oldest undelivered one.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		events:   make([]types.EnrichedEvent, capacity),
		capacity: capacity,
	}
}

// Handle implements enrich.Sink. When full, it drops the oldest
// buffered event to make room, since a host that stops polling should
// lose stale events rather than block the enrichment worker.
func (b *Buffer) Handle(event types.EnrichedEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := (b.head + b.size) % b.capacity
	if b.size == b.capacity {
		b.head = (b.head + 1) % b.capacity
	} else {
		b.size++
	}
	b.events[tail] = event
	return nil
}

// Pull removes and returns the oldest buffered event. ok is false if
// the buffer is empty.
func (b *Buffer) Pull() (types.EnrichedEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return types.EnrichedEvent{}, false
	}
	event := b.events[b.head]
	b.events[b.head] = types.EnrichedEvent{}
	b.head = (b.head + 1) % b.capacity
	b.size--
	return event, true
}

// Len returns the number of events currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

var _ enrich.Sink = &Buffer{}
