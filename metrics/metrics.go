// Package metrics holds the atomic counters the core exposes through
// getMetrics, plus an optional Prometheus exporter over them.
package metrics

import (
	"sync/atomic"
	"time"
)

// Counters are the raw atomic counters component H maintains. All
// fields are safe for concurrent use from any goroutine.
type Counters struct {
	eventsReceived  atomic.Uint64
	eventsProcessed atomic.Uint64
	eventsDropped   atomic.Uint64
	droppedByPause  atomic.Uint64
	callbacksFailed atomic.Uint64
	resolveFailures atomic.Uint64

	// latencyEWMA and latencyInit back mean_latency_ms: an
	// exponentially-weighted moving average over the last ~1024
	// events, per spec.md §9's definition of a metric the original
	// declared but never updated.
	latencyEWMA atomic.Uint64 // bits of a float64, via math.Float64bits
	latencyInit atomic.Bool
}

// New creates a zeroed Counters.
func New() *Counters { return &Counters{} }

func (c *Counters) IncReceived()       { c.eventsReceived.Add(1) }
func (c *Counters) IncProcessed()      { c.eventsProcessed.Add(1) }
func (c *Counters) IncDropped()        { c.eventsDropped.Add(1) }
func (c *Counters) IncDroppedByPause() { c.droppedByPause.Add(1) }
func (c *Counters) IncCallbacksFailed() { c.callbacksFailed.Add(1) }
func (c *Counters) IncResolveFailures() { c.resolveFailures.Add(1) }

const latencyEWMAAlpha = 2.0 / (1024.0 + 1.0)

// ObserveLatency folds a single enrichment-completion latency into the
// rolling EWMA.
func (c *Counters) ObserveLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	for {
		old := c.latencyEWMA.Load()
		var next float64
		if !c.latencyInit.Load() {
			next = ms
		} else {
			next = latencyEWMAAlpha*ms + (1-latencyEWMAAlpha)*float64frombits(old)
		}
		if c.latencyEWMA.CompareAndSwap(old, float64bits(next)) {
			c.latencyInit.Store(true)
			return
		}
	}
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	DroppedByPause  uint64
	CallbacksFailed uint64
	ResolveFailures uint64
	MeanLatencyMs   float64
}

// Snapshot reads every counter without locking.
func (c *Counters) Snapshot() Snapshot {
	mean := 0.0
	if c.latencyInit.Load() {
		mean = float64frombits(c.latencyEWMA.Load())
	}
	return Snapshot{
		EventsReceived:  c.eventsReceived.Load(),
		EventsProcessed: c.eventsProcessed.Load(),
		EventsDropped:   c.eventsDropped.Load(),
		DroppedByPause:  c.droppedByPause.Load(),
		CallbacksFailed: c.callbacksFailed.Load(),
		ResolveFailures: c.resolveFailures.Load(),
		MeanLatencyMs:   mean,
	}
}
