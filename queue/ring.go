// Package queue implements the bounded, single-producer/single-consumer
// event queue that decouples fault-time capture from enrichment-time
// analysis.
//
// The design follows spec.md §9's preferred realization: a ring buffer
// over a fixed-capacity array rather than a linked list of heap nodes,
// so enqueue/dequeue never allocate and memory stays bounded by
// capacity regardless of event rate.
package queue

import (
	"sync/atomic"

	"github.com/mutwatch/mutwatch/types"
)

// Ring is a wait-free SPSC FIFO of types.FastPathEvent with tail-drop
// semantics: an enqueue attempted against a full ring is rejected, the
// existing contents are never overwritten.
type Ring struct {
	buf      []types.FastPathEvent
	mask     uint64
	head     atomic.Uint64 // next slot to dequeue from
	tail     atomic.Uint64 // next slot to enqueue into
	capacity uint64
}

// New creates a Ring able to hold capacity events. The backing array is
// rounded up to the next power of two so index masking stays cheap; the
// ring still accepts at most capacity events.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	n := nextPow2(uint64(capacity))
	return &Ring{
		buf:      make([]types.FastPathEvent, n),
		mask:     n - 1,
		capacity: uint64(capacity),
	}
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Enqueue appends event to the queue. It reports false, without
// blocking, if the queue is at its configured capacity; the caller is
// responsible for counting the drop.
func (r *Ring) Enqueue(event types.FastPathEvent) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head >= r.capacity {
		return false
	}
	r.buf[tail&r.mask] = event
	r.tail.Store(tail + 1)
	return true
}

// Dequeue removes and returns the oldest event. ok is false if the
// queue was empty.
func (r *Ring) Dequeue() (event types.FastPathEvent, ok bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head >= tail {
		return types.FastPathEvent{}, false
	}
	event = r.buf[head&r.mask]
	r.head.Store(head + 1)
	return event, true
}

// Depth returns the number of events currently queued. The value is
// eventually consistent with concurrent producer/consumer activity.
func (r *Ring) Depth() uint32 {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail < head {
		return 0
	}
	return uint32(tail - head)
}

// Capacity returns the configured maximum depth of the queue.
func (r *Ring) Capacity() uint32 {
	return uint32(r.capacity)
}
