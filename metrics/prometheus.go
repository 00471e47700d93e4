package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector adapts a Snapshot function to prometheus.Collector,
// so a host can register it with any registry without that registry
// needing to know about Counters internals.
type Collector struct {
	snapshot func() Snapshot
	queueDepth func() uint32

	received  *prometheus.Desc
	processed *prometheus.Desc
	dropped   *prometheus.Desc
	pauseDrop *prometheus.Desc
	failed    *prometheus.Desc
	resolveFail *prometheus.Desc
	latency   *prometheus.Desc
	depth     *prometheus.Desc
}

// NewCollector wires a snapshot function and a queue-depth reader
// (typically core.Core.MetricsSnapshot and core.Core.QueueDepth) into a
// prometheus.Collector. queueDepth may be nil.
func NewCollector(snapshot func() Snapshot, queueDepth func() uint32) *Collector {
	ns := "mutwatch"
	return &Collector{
		snapshot:   snapshot,
		queueDepth: queueDepth,
		received:   prometheus.NewDesc(ns+"_events_received_total", "Fault records enqueued by the fast-path handler.", nil, nil),
		processed:  prometheus.NewDesc(ns+"_events_processed_total", "Events enriched and handed to the sink.", nil, nil),
		dropped:    prometheus.NewDesc(ns+"_events_dropped_total", "Events dropped because the queue was full.", nil, nil),
		pauseDrop:  prometheus.NewDesc(ns+"_events_dropped_by_pause_total", "Fault records drained but not enqueued while PAUSED.", nil, nil),
		failed:     prometheus.NewDesc(ns+"_callbacks_failed_total", "Sink invocations that raised or returned an error.", nil, nil),
		resolveFail: prometheus.NewDesc(ns+"_resolve_write_failures_total", "ResolveWrite re-arm calls that returned an error.", nil, nil),
		latency:    prometheus.NewDesc(ns+"_enrichment_latency_ms", "EWMA of fault-to-enriched latency over the last 1024 events.", nil, nil),
		depth:      prometheus.NewDesc(ns+"_queue_depth", "Current depth of the fast-path/enrichment event queue.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.received
	ch <- c.processed
	ch <- c.dropped
	ch <- c.pauseDrop
	ch <- c.failed
	ch <- c.resolveFail
	ch <- c.latency
	ch <- c.depth
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(snap.EventsReceived))
	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(snap.EventsProcessed))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(snap.EventsDropped))
	ch <- prometheus.MustNewConstMetric(c.pauseDrop, prometheus.CounterValue, float64(snap.DroppedByPause))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(snap.CallbacksFailed))
	ch <- prometheus.MustNewConstMetric(c.resolveFail, prometheus.CounterValue, float64(snap.ResolveFailures))
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, snap.MeanLatencyMs)
	if c.queueDepth != nil {
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(c.queueDepth()))
	}
}
