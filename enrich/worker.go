// Package enrich implements component F: the second-stage worker that
// drains the event queue, computes byte-level deltas against each
// covering variable's pre-image, resolves symbols, and hands the
// result to a configured sink.
package enrich

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mutwatch/mutwatch/metrics"
	"github.com/mutwatch/mutwatch/queue"
	"github.com/mutwatch/mutwatch/registry"
	"github.com/mutwatch/mutwatch/symbols"
	"github.com/mutwatch/mutwatch/types"
)

// pollInterval bounds how long the worker sleeps between empty
// dequeues, per spec.md §4.5's "sleep briefly (≤ 10 ms)".
const pollInterval = 10 * time.Millisecond

// Sink receives fully enriched events. Implementations must not block
// indefinitely; a slow sink only delays events_processed, never the
// fast path.
type Sink interface {
	Handle(event types.EnrichedEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(types.EnrichedEvent) error

// Handle implements Sink.
func (f SinkFunc) Handle(event types.EnrichedEvent) error { return f(event) }

// Worker is the enrichment worker, component F.
type Worker struct {
	queue    *queue.Ring
	registry *registry.Registry
	cache    *symbols.Cache
	resolver symbols.Resolver
	sink     Sink
	counters *metrics.Counters

	stopped atomic.Bool
	nowFn   func() time.Time
}

// New builds a Worker. resolver may be nil, in which case a cache miss
// always falls back to Unresolved.
func New(q *queue.Ring, reg *registry.Registry, cache *symbols.Cache, resolver symbols.Resolver, sink Sink, counters *metrics.Counters) *Worker {
	return &Worker{
		queue:    q,
		registry: reg,
		cache:    cache,
		resolver: resolver,
		sink:     sink,
		counters: counters,
		nowFn:    time.Now,
	}
}

// Stop sets the stop flag; Run exits promptly after its current sleep
// or dequeue. A Stop that lands before Run has begun still takes effect.
func (w *Worker) Stop() { w.stopped.Store(true) }

// Run drains the queue until Stop is called.
func (w *Worker) Run() error {
	for !w.stopped.Load() {
		event, ok := w.queue.Dequeue()
		if !ok {
			time.Sleep(pollInterval)
			continue
		}
		w.process(event)
	}
	return nil
}

// Drain synchronously processes every event currently queued, without
// sleeping between dequeues. Used by Stop(timeout) to flush the queue
// before teardown.
func (w *Worker) Drain() {
	for {
		event, ok := w.queue.Dequeue()
		if !ok {
			return
		}
		w.process(event)
	}
}

func (w *Worker) process(fp types.FastPathEvent) {
	enriched := types.EnrichedEvent{FastPathEvent: fp}

	ids := w.registry.LookupCovering(fp.FaultAddr)
	if len(ids) > 0 {
		enriched.VariableIds = ids

		// spec.md §4.5 steps 2-4 operate per covering descriptor; the
		// first-registered one (ids[0]) supplies the event's single
		// pre/post/deltas triple, matching EnrichedEvent's singular
		// shape. Every other covering descriptor still has its
		// pre-image advanced, so a later fault against it diffs
		// against current state rather than a stale snapshot.
		primary, post, ok := w.registry.CaptureAndAdvance(ids[0])
		if ok {
			enriched.PreImage = primary.PreImage
			enriched.PostImage = post
			// Scope mirrors source-level scoping that only a symbolizer
			// could have resolved; gate it on track-locals so it stays
			// empty when no descriptor asked for it.
			if primary.Flags.Wants(types.TrackLocals) {
				enriched.Scope = primary.Scope
			}
			if primary.Flags.Wants(types.TrackSQL) && primary.SQLContext != nil {
				enriched.SQLContext = primary.SQLContext
			}
			bound := primary.MutationDepth.Bound(len(primary.PreImage))
			enriched.Deltas = computeDeltas(primary.PreImage, post, bound)
		}
		for _, id := range ids[1:] {
			w.registry.CaptureAndAdvance(id)
		}
	}

	enriched.Symbol, enriched.File, enriched.Line = w.resolveSymbol(fp.IP)

	// spec.md §9 defines mean_latency_ms as the EWMA of
	// (enrichment_completion_ns - fault_ns)/1e6: fault-to-enriched
	// latency, including time spent waiting in the queue, not just the
	// enrichment step itself.
	latency := time.Duration(w.nowFn().UnixNano() - int64(fp.TimestampNs))
	enriched.EnrichmentLatencyNs = int64(latency)

	w.counters.IncProcessed()
	w.counters.ObserveLatency(latency)

	if err := w.invokeSink(enriched); err != nil {
		w.counters.IncCallbacksFailed()
	}
}

func (w *Worker) resolveSymbol(ip uint64) (symbol, file string, line int) {
	if entry, ok := w.cache.Get(ip); ok {
		return entry.Symbol, entry.File, entry.Line
	}
	if w.resolver != nil {
		if symbol, file, line, ok := w.resolver.Resolve(context.Background(), ip); ok {
			w.cache.Set(ip, symbol, file, line)
			return symbol, file, line
		}
	}
	return symbols.Unresolved()
}

// invokeSink calls the sink, converting a panic into an error so one
// misbehaving sink can never take down the worker thread.
func (w *Worker) invokeSink(event types.EnrichedEvent) (err error) {
	if w.sink == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{recovered: r}
		}
	}()
	return w.sink.Handle(event)
}

type panicError struct{ recovered any }

func (p *panicError) Error() string { return "enrich: sink panicked" }
