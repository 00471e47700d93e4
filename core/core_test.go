package core

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/mutwatch/mutwatch/enrich"
	"github.com/mutwatch/mutwatch/faultchannel"
	"github.com/mutwatch/mutwatch/types"
)

const pageSize = 4096

func allocPage(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, pageSize*2)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + pageSize - 1) &^ (pageSize - 1)
	offset := aligned - addr
	page := buf[offset : offset+pageSize]
	t.Cleanup(func() { _ = buf })
	return page
}

func baseOf(page []byte) uintptr { return uintptr(unsafe.Pointer(&page[0])) }

// fakeChannel is a Channel a test can drive by pushing records for
// Poll to return, without requiring kernel userfaultfd support.
type fakeChannel struct {
	mu       sync.Mutex
	pending  []faultchannel.Record
	closed   bool
	resolved []uintptr
}

func (f *fakeChannel) push(r faultchannel.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, r)
}

func (f *fakeChannel) Arm(base, length uintptr) error    { return nil }
func (f *fakeChannel) Disarm(base, length uintptr) error { return nil }

func (f *fakeChannel) Poll(timeout time.Duration) ([]faultchannel.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeChannel) ResolveWrite(base, length uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, base)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type collectingSink struct {
	mu     sync.Mutex
	events []types.EnrichedEvent
}

func (s *collectingSink) Handle(event types.EnrichedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestCore(t *testing.T, fc *fakeChannel, sink enrich.Sink) *Core {
	t.Helper()
	return New(Options{
		Sink:        sink,
		OpenChannel: func() (faultchannel.Channel, error) { return fc, nil },
	})
}

func TestCore_Lifecycle_S1(t *testing.T) {
	c := newTestCore(t, &fakeChannel{}, nil)

	require.NoError(t, c.Initialize("/tmp/x", 16))
	require.Equal(t, StateInitialized, c.GetState())

	require.NoError(t, c.Start())
	require.Equal(t, StateRunning, c.GetState())

	require.NoError(t, c.Stop(time.Second))
	require.Equal(t, StateStopped, c.GetState())
}

func TestCore_RegisterRoundTrip_S2(t *testing.T) {
	c := newTestCore(t, &fakeChannel{}, nil)
	require.NoError(t, c.Initialize("/tmp/x", 16))

	page := allocPage(t)
	base := baseOf(page)

	id, err := c.RegisterPage(base, pageSize, "v", types.TrackThreads, types.WholePage())
	require.NoError(t, err)

	snap := c.ReadSnapshot(id)
	require.Equal(t, []byte{0, 0, 0, 0}, snap[:4])

	filled := make([]byte, pageSize)
	for i := range filled {
		filled[i] = 0x41
	}
	require.NoError(t, c.WriteSnapshot(id, filled))
	require.Equal(t, byte(0x41), c.ReadSnapshot(id)[0])

	require.True(t, c.UnregisterPage(id))
}

func TestCore_FaultDelivery_S3(t *testing.T) {
	fc := &fakeChannel{}
	sink := &collectingSink{}
	c := newTestCore(t, fc, sink)
	require.NoError(t, c.Initialize("/tmp/x", 16))

	page := allocPage(t)
	base := baseOf(page)
	id, err := c.RegisterPage(base, pageSize, "v", types.TrackThreads, types.WholePage())
	require.NoError(t, err)

	require.NoError(t, c.Start())

	page[128] = 0xFF
	fc.push(faultchannel.Record{FaultAddr: base + 128})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop(time.Second))

	event := sink.events[0]
	require.Equal(t, base, event.PageBase)
	require.Contains(t, event.VariableIds, id)
	require.Len(t, event.Deltas, 1)
	require.Equal(t, 128, event.Deltas[0].Offset)
	require.Equal(t, []byte{0xFF}, event.Deltas[0].New)
}

func TestCore_QueueFull_S4(t *testing.T) {
	fc := &fakeChannel{}
	sink := &collectingSink{}
	c := newTestCore(t, fc, sink)
	require.NoError(t, c.Initialize("/tmp/x", 2))
	require.NoError(t, c.Start())

	// Pause the worker's consumption by never letting it run ahead:
	// push all 5 records in one batch before the handler has a chance
	// to drain any of them, so the queue (capacity 2) fills up.
	for i := 0; i < 5; i++ {
		fc.push(faultchannel.Record{FaultAddr: uintptr(0x1000 + i*pageSize)})
	}

	require.Eventually(t, func() bool { return c.GetMetrics().EventsDropped == 3 }, time.Second, time.Millisecond)
	require.LessOrEqual(t, c.GetMetrics().QueueDepth, uint32(2))
	require.Equal(t, uint64(2), c.GetMetrics().EventsReceived)

	require.NoError(t, c.Stop(time.Second))
}

func TestCore_UnknownId_S5(t *testing.T) {
	c := newTestCore(t, &fakeChannel{}, nil)
	require.NoError(t, c.Initialize("/tmp/x", 16))

	require.False(t, c.UnregisterPage("no-such"))
	require.Nil(t, c.ReadSnapshot("no-such"))
}

func TestCore_IllegalTransition_S6(t *testing.T) {
	c := newTestCore(t, &fakeChannel{}, nil)

	err := c.Start()
	require.ErrorIs(t, err, ErrNotInitialized)
	require.Equal(t, StateUninitialized, c.GetState())
	require.Contains(t, c.GetErrorMessage(), "not initialized")
}

func TestCore_Initialize_IdempotentRejecting(t *testing.T) {
	c := newTestCore(t, &fakeChannel{}, nil)
	require.NoError(t, c.Initialize("/tmp/x", 16))
	require.ErrorIs(t, c.Initialize("/tmp/x", 16), ErrAlreadyInitialized)
}

func TestCore_Stop_IdempotentAccepting(t *testing.T) {
	c := newTestCore(t, &fakeChannel{}, nil)
	require.NoError(t, c.Initialize("/tmp/x", 16))
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop(time.Second))
	require.NoError(t, c.Stop(time.Second))
}

func TestCore_DequeueEnrichedEvent_RoundTrip(t *testing.T) {
	fc := &fakeChannel{}
	c := newTestCore(t, fc, nil) // no push sink configured at all
	require.NoError(t, c.Initialize("/tmp/x", 16))

	_, ok := c.DequeueEnrichedEvent()
	require.False(t, ok)

	page := allocPage(t)
	base := baseOf(page)
	id, err := c.RegisterPage(base, pageSize, "v", types.TrackThreads, types.WholePage())
	require.NoError(t, err)

	require.NoError(t, c.Start())
	page[64] = 0x2A
	fc.push(faultchannel.Record{FaultAddr: base + 64})

	var event types.EnrichedEvent
	require.Eventually(t, func() bool {
		event, ok = c.DequeueEnrichedEvent()
		return ok
	}, time.Second, time.Millisecond)

	require.Contains(t, event.VariableIds, id)
	require.Equal(t, base, event.PageBase)

	require.NoError(t, c.Stop(time.Second))
}

func TestCore_SetSQLContext_SurfacesOnEnrichedEvent(t *testing.T) {
	fc := &fakeChannel{}
	sink := &collectingSink{}
	c := newTestCore(t, fc, sink)
	require.NoError(t, c.Initialize("/tmp/x", 16))

	page := allocPage(t)
	base := baseOf(page)
	id, err := c.RegisterPage(base, pageSize, "v", types.TrackSQL, types.WholePage())
	require.NoError(t, err)
	require.NoError(t, c.SetSQLContext(id, &types.SQLContext{ContextID: "abc", Table: "accounts"}))

	require.NoError(t, c.Start())
	page[0] = 0x01
	fc.push(faultchannel.Record{FaultAddr: base})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop(time.Second))

	require.NotNil(t, sink.events[0].SQLContext)
	require.Equal(t, "abc", sink.events[0].SQLContext.ContextID)
	require.Equal(t, "accounts", sink.events[0].SQLContext.Table)

	require.ErrorIs(t, c.SetSQLContext("no-such", nil), ErrUnknownVariable)
}

func TestCore_PauseResume(t *testing.T) {
	fc := &fakeChannel{}
	c := newTestCore(t, fc, nil)
	require.NoError(t, c.Initialize("/tmp/x", 16))
	require.NoError(t, c.Start())

	require.NoError(t, c.Pause())
	require.Equal(t, StatePaused, c.GetState())

	fc.push(faultchannel.Record{FaultAddr: 0x1000})
	require.Eventually(t, func() bool { return c.GetMetrics().DroppedByPause == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Resume())
	require.Equal(t, StateRunning, c.GetState())

	require.NoError(t, c.Stop(time.Second))
}
