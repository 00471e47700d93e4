package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounters_Increments(t *testing.T) {
	c := New()
	c.IncReceived()
	c.IncReceived()
	c.IncProcessed()
	c.IncDropped()
	c.IncDroppedByPause()
	c.IncCallbacksFailed()
	c.IncResolveFailures()

	snap := c.Snapshot()
	require.Equal(t, uint64(2), snap.EventsReceived)
	require.Equal(t, uint64(1), snap.EventsProcessed)
	require.Equal(t, uint64(1), snap.EventsDropped)
	require.Equal(t, uint64(1), snap.DroppedByPause)
	require.Equal(t, uint64(1), snap.CallbacksFailed)
	require.Equal(t, uint64(1), snap.ResolveFailures)
	require.Zero(t, snap.MeanLatencyMs)
}

func TestCounters_ObserveLatency_FirstSampleIsExact(t *testing.T) {
	c := New()
	c.ObserveLatency(10 * time.Millisecond)
	require.InDelta(t, 10.0, c.Snapshot().MeanLatencyMs, 0.001)
}

func TestCounters_ObserveLatency_Converges(t *testing.T) {
	c := New()
	for i := 0; i < 5000; i++ {
		c.ObserveLatency(20 * time.Millisecond)
	}
	require.InDelta(t, 20.0, c.Snapshot().MeanLatencyMs, 0.01)
}

func TestCounters_ObserveLatency_Blends(t *testing.T) {
	c := New()
	c.ObserveLatency(10 * time.Millisecond)
	c.ObserveLatency(30 * time.Millisecond)
	mean := c.Snapshot().MeanLatencyMs
	require.Greater(t, mean, 10.0)
	require.Less(t, mean, 30.0)
}
