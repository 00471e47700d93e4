package fastpath

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mutwatch/mutwatch/faultchannel"
	"github.com/mutwatch/mutwatch/metrics"
	"github.com/mutwatch/mutwatch/queue"
	"github.com/stretchr/testify/require"
)

// fakeChannel feeds a scripted sequence of records to Poll, one batch
// per call, then reports no more records and blocks briefly like a
// real timed-out poll until closed.
type fakeChannel struct {
	mu          sync.Mutex
	batches     [][]faultchannel.Record
	idx         int
	resolved    []uintptr
	closed      bool
	resolveFail bool
}

func (f *fakeChannel) Arm(base, length uintptr) error    { return nil }
func (f *fakeChannel) Disarm(base, length uintptr) error { return nil }

func (f *fakeChannel) Poll(timeout time.Duration) ([]faultchannel.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx < len(f.batches) {
		b := f.batches[f.idx]
		f.idx++
		return b, nil
	}
	if f.closed {
		return nil, nil
	}
	time.Sleep(time.Millisecond)
	return nil, nil
}

func (f *fakeChannel) ResolveWrite(base, length uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, base)
	if f.resolveFail {
		return errResolve
	}
	return nil
}

var errResolve = errors.New("resolve failed")

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestHandler_EnqueuesWhileRunning(t *testing.T) {
	ch := &fakeChannel{batches: [][]faultchannel.Record{
		{{FaultAddr: 0x1000, TID: 7, WP: true}},
	}}
	q := queue.New(10)
	counters := metrics.New()
	h := New(ch, q, counters, UnavailableIPSource{})

	done := make(chan error, 1)
	go func() { done <- h.Run() }()

	require.Eventually(t, func() bool { return q.Depth() == 1 }, time.Second, time.Millisecond)
	h.Stop()
	require.NoError(t, <-done)

	event, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), event.FaultAddr)
	require.Equal(t, uintptr(0x1000), event.PageBase)
	require.Equal(t, uint64(7), event.TID)
	require.Equal(t, uint64(1), counters.Snapshot().EventsReceived)
}

func TestHandler_DropsByPauseWithoutEnqueuing(t *testing.T) {
	ch := &fakeChannel{batches: [][]faultchannel.Record{
		{{FaultAddr: 0x2000, TID: 1}},
	}}
	q := queue.New(10)
	counters := metrics.New()
	h := New(ch, q, counters, UnavailableIPSource{})
	h.SetPaused(true)

	done := make(chan error, 1)
	go func() { done <- h.Run() }()

	require.Eventually(t, func() bool { return counters.Snapshot().DroppedByPause == 1 }, time.Second, time.Millisecond)
	h.Stop()
	require.NoError(t, <-done)

	require.Equal(t, uint32(0), q.Depth())
	require.Equal(t, uint64(0), counters.Snapshot().EventsReceived)
}

func TestHandler_CountsQueueFullDrops(t *testing.T) {
	ch := &fakeChannel{batches: [][]faultchannel.Record{
		{{FaultAddr: 0x3000}, {FaultAddr: 0x3000}, {FaultAddr: 0x3000}},
	}}
	q := queue.New(1)
	counters := metrics.New()
	h := New(ch, q, counters, UnavailableIPSource{})

	done := make(chan error, 1)
	go func() { done <- h.Run() }()

	require.Eventually(t, func() bool { return counters.Snapshot().EventsDropped == 2 }, time.Second, time.Millisecond)
	h.Stop()
	require.NoError(t, <-done)

	// events_received + events_dropped equals the number of records (3):
	// only the record that actually fit in the capacity-1 queue is received.
	require.Equal(t, uint64(1), counters.Snapshot().EventsReceived)
	require.Equal(t, uint64(2), counters.Snapshot().EventsDropped)
}

func TestHandler_ResolveWriteFailureDoesNotDoubleCount(t *testing.T) {
	ch := &fakeChannel{
		batches: [][]faultchannel.Record{
			{{FaultAddr: 0x6000}},
		},
		resolveFail: true,
	}
	q := queue.New(10)
	counters := metrics.New()
	h := New(ch, q, counters, UnavailableIPSource{})

	done := make(chan error, 1)
	go func() { done <- h.Run() }()

	require.Eventually(t, func() bool { return counters.Snapshot().ResolveFailures == 1 }, time.Second, time.Millisecond)
	h.Stop()
	require.NoError(t, <-done)

	// The record was still enqueued (it's only the re-arm that failed);
	// events_received + events_dropped must equal the number of records
	// (1) regardless of the re-arm outcome, so ResolveWrite's failure is
	// tracked by its own counter instead of feeding events_dropped.
	require.Equal(t, uint64(1), counters.Snapshot().EventsReceived)
	require.Equal(t, uint64(0), counters.Snapshot().EventsDropped)
}

func TestHandler_ResolvesWriteForEveryRecord(t *testing.T) {
	ch := &fakeChannel{batches: [][]faultchannel.Record{
		{{FaultAddr: 0x4000}, {FaultAddr: 0x5001}},
	}}
	q := queue.New(10)
	counters := metrics.New()
	h := New(ch, q, counters, UnavailableIPSource{})

	done := make(chan error, 1)
	go func() { done <- h.Run() }()

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.resolved) == 2
	}, time.Second, time.Millisecond)
	h.Stop()
	require.NoError(t, <-done)

	require.Equal(t, uintptr(0x4000), ch.resolved[0])
	require.Equal(t, uintptr(0x5000), ch.resolved[1]) // masked down to page size
}
