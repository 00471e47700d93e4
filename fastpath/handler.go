// Package fastpath implements component E: the dedicated thread that
// drains the fault channel, builds minimal FastPathEvents, and hands
// them to the event queue. It does as little work per fault as
// possible so a watched writer is blocked for the shortest time the
// design allows.
package fastpath

import (
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/mutwatch/mutwatch/faultchannel"
	"github.com/mutwatch/mutwatch/metrics"
	"github.com/mutwatch/mutwatch/queue"
	"github.com/mutwatch/mutwatch/types"
)

const pageSize = 4096

// pollTimeout bounds a single fault-channel poll, per spec.md §4.4's
// "short timeout (≤ 100 ms)".
const pollTimeout = 100 * time.Millisecond

// Handler drains channel, builds FastPathEvents and enqueues them into
// queue while paused is false; while paused is true it still drains
// and resolves faults (to keep writers unblocked) but counts them as
// dropped-by-pause instead of enqueuing.
type Handler struct {
	channel  faultchannel.Channel
	queue    *queue.Ring
	counters *metrics.Counters
	ipSource IPSource

	paused  atomic.Bool
	stopped atomic.Bool

	nextEventID atomic.Uint64
	nowNanos    func() uint64
}

// New builds a Handler. ipSource may be nil, in which case instruction
// pointers are always reported as 0.
func New(channel faultchannel.Channel, q *queue.Ring, counters *metrics.Counters, ipSource IPSource) *Handler {
	if ipSource == nil {
		ipSource = UnavailableIPSource{}
	}
	return &Handler{
		channel:  channel,
		queue:    q,
		counters: counters,
		ipSource: ipSource,
		nowNanos: func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

// SetPaused toggles whether enqueuing is suppressed. Safe to call
// concurrently with Run.
func (h *Handler) SetPaused(paused bool) { h.paused.Store(paused) }

// Stop sets the stop flag; Run exits promptly once its current poll
// returns. A Stop that lands before Run has begun still takes effect.
func (h *Handler) Stop() { h.stopped.Store(true) }

// Run drains the fault channel until Stop is called. It locks the
// calling goroutine to its OS thread for the duration, since the
// channel file descriptor is conceptually owned by a single thread
// for the life of the handler.
func (h *Handler) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !h.stopped.Load() {
		records, err := h.channel.Poll(pollTimeout)
		if err != nil {
			continue
		}
		for _, rec := range records {
			h.handleRecord(rec)
		}
	}
	return nil
}

func (h *Handler) handleRecord(rec faultchannel.Record) {
	pageBase := rec.FaultAddr &^ uintptr(pageSize-1)

	if h.paused.Load() {
		h.counters.IncDroppedByPause()
		if err := h.channel.ResolveWrite(pageBase, pageSize); err != nil {
			h.counters.IncResolveFailures()
		}
		return
	}

	event := types.FastPathEvent{
		EventID:     h.nextEventID.Add(1),
		TimestampNs: h.nowNanos(),
		PageBase:    pageBase,
		FaultAddr:   rec.FaultAddr,
		TID:         rec.TID,
		IP:          h.ipSource.InstructionPointer(rec.TID),
	}

	if !h.queue.Enqueue(event) {
		h.counters.IncDropped()
	} else {
		h.counters.IncReceived()
	}

	// ResolveWrite's failure is reported but must not feed back into the
	// received/dropped accounting above: the record is already counted
	// exactly once by the branch above, and re-arm failing doesn't undo
	// that classification, it just means the writer may see another
	// spurious fault later.
	if err := h.channel.ResolveWrite(pageBase, pageSize); err != nil {
		h.counters.IncResolveFailures()
		log.Printf("fastpath: resolve write at %#x: %v", pageBase, err)
	}
}
