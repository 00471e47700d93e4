// Package core wires components A through H behind the lifecycle
// state machine (G) and external API (I) spec.md §4.7/§4.8 describe:
// a single owner of the fault channel, the queue, the registry, the
// symbol cache, and the two worker goroutines that drain them.
package core

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mutwatch/mutwatch/enrich"
	"github.com/mutwatch/mutwatch/faultchannel"
	"github.com/mutwatch/mutwatch/fastpath"
	"github.com/mutwatch/mutwatch/metrics"
	"github.com/mutwatch/mutwatch/queue"
	"github.com/mutwatch/mutwatch/registry"
	"github.com/mutwatch/mutwatch/sink"
	"github.com/mutwatch/mutwatch/symbols"
	"github.com/mutwatch/mutwatch/types"
)

// State is one of the lifecycle controller's legal states.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitialized    State = "INITIALIZED"
	StateRunning        State = "RUNNING"
	StatePaused         State = "PAUSED"
	StateStopped        State = "STOPPED"
	StateError          State = "ERROR"
)

// Sentinel error kinds from spec.md §7. Each wraps a more specific
// message via fmt.Errorf("...: %w", ...) at the call site.
var (
	ErrNotInitialized     = errors.New("core: not initialized")
	ErrAlreadyInitialized = errors.New("core: already initialized")
	ErrBadState           = errors.New("core: operation illegal for current state")
	ErrInvalidArgument    = errors.New("core: invalid argument")
	ErrUnknownVariable    = errors.New("core: unknown variable id")
)

// OsError wraps a failure surfaced by the underlying fault-channel
// facility, carrying the original error text.
type OsError struct{ Err error }

func (e *OsError) Error() string { return fmt.Sprintf("core: os error: %v", e.Err) }
func (e *OsError) Unwrap() error { return e.Err }

const (
	defaultQueueSize = 10000
	defaultStopWait  = 5 * time.Second
)

// Core is the single owner of the fault channel, event queue,
// registry, symbol cache, and the two worker goroutines. It is safe
// to call any exported method from any goroutine at any time.
type Core struct {
	mu    sync.Mutex
	state State
	errMsg string

	outputDir string

	channel  faultchannel.Channel
	q        *queue.Ring
	reg      *registry.Registry
	cache    *symbols.Cache
	resolver symbols.Resolver
	sink     enrich.Sink
	pullBuffer *sink.Buffer
	counters *metrics.Counters

	ipSource    fastpath.IPSource
	openChannel func() (faultchannel.Channel, error)

	handler *fastpath.Handler
	worker  *enrich.Worker
	group   *errgroup.Group
}

// Options configures optional collaborators a host may supply at
// construction time; every field has a working default.
type Options struct {
	IPSource fastpath.IPSource
	Resolver symbols.Resolver
	Sink     enrich.Sink
	CacheTTL time.Duration

	// OpenChannel overrides how Initialize obtains a fault channel.
	// Defaults to faultchannel.Open; tests substitute a fake channel
	// here since userfaultfd requires kernel support and, often,
	// elevated privilege.
	OpenChannel func() (faultchannel.Channel, error)
}

// New creates a Core in the UNINITIALIZED state.
func New(opts Options) *Core {
	ipSource := opts.IPSource
	if ipSource == nil {
		ipSource = fastpath.UnavailableIPSource{}
	}
	openChannel := opts.OpenChannel
	if openChannel == nil {
		openChannel = faultchannel.Open
	}
	return &Core{
		state:       StateUninitialized,
		reg:         registry.New(),
		cache:       symbols.NewCache(opts.CacheTTL),
		resolver:    opts.Resolver,
		sink:        opts.Sink,
		counters:    metrics.New(),
		ipSource:    ipSource,
		openChannel: openChannel,
	}
}

// setError records err as the core's last-error message and moves the
// core into the terminal ERROR state. Used when the fault channel fails
// to open in Initialize, when arming the registered ranges fails in
// Start, and when Stop times out.
func (c *Core) setError(err error) {
	c.errMsg = err.Error()
	c.state = StateError
}

// setLastError records err as the core's last-error message without
// changing state, for operations illegal in the current state: per
// spec.md §7, "boolean-returning operations return false and set the
// core's last-error message" even when the state is otherwise
// unaffected. In ERROR the message that caused that transition is kept.
func (c *Core) setLastError(err error) {
	if c.state == StateError {
		return
	}
	c.errMsg = err.Error()
}

// Initialize opens the fault channel and creates the event queue.
// Idempotent-rejecting: a second call returns ErrAlreadyInitialized
// without side effects.
func (c *Core) Initialize(outputDir string, maxQueueSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		c.setLastError(ErrAlreadyInitialized)
		return ErrAlreadyInitialized
	}
	if maxQueueSize <= 0 {
		maxQueueSize = defaultQueueSize
	}

	channel, err := c.openChannel()
	if err != nil {
		c.setError(fmt.Errorf("core: open fault channel: %w", err))
		return &OsError{Err: err}
	}

	c.outputDir = outputDir
	c.channel = channel
	c.q = queue.New(maxQueueSize)
	c.pullBuffer = sink.NewBuffer(maxQueueSize)
	c.reg.Attach(channel, false)
	c.state = StateInitialized
	return nil
}

// Start arms every already-registered range and spawns the fast-path
// handler and enrichment worker.
func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUninitialized:
		c.setLastError(ErrNotInitialized)
		return ErrNotInitialized
	case StateInitialized:
	default:
		err := fmt.Errorf("%w: cannot start from %s", ErrBadState, c.state)
		c.setLastError(err)
		return err
	}

	if err := c.reg.ArmAll(); err != nil {
		c.setError(fmt.Errorf("core: arm registered ranges: %w", err))
		return &OsError{Err: err}
	}

	// Every enriched event reaches the pull buffer regardless of what
	// sink a host configured, so dequeueEnrichedEvent is never a dead
	// end: a pull-style host needs no push sink configured at all.
	sinks := make(sink.Fanout, 0, 2)
	if c.sink != nil {
		sinks = append(sinks, c.sink)
	}
	sinks = append(sinks, c.pullBuffer)

	c.handler = fastpath.New(c.channel, c.q, c.counters, c.ipSource)
	c.worker = enrich.New(c.q, c.reg, c.cache, c.resolver, sinks, c.counters)

	c.group = &errgroup.Group{}
	c.group.Go(func() error {
		if err := c.handler.Run(); err != nil {
			log.Printf("core: fast-path handler exited: %v", err)
		}
		return nil
	})
	c.group.Go(func() error {
		if err := c.worker.Run(); err != nil {
			log.Printf("core: enrichment worker exited: %v", err)
		}
		return nil
	})

	c.state = StateRunning
	return nil
}

// Pause keeps the fast-path handler draining the fault channel (so
// writers never block) but stops it from enqueuing events.
func (c *Core) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		err := fmt.Errorf("%w: cannot pause from %s", ErrBadState, c.state)
		c.setLastError(err)
		return err
	}
	c.handler.SetPaused(true)
	c.state = StatePaused
	return nil
}

// Resume resumes enqueuing on the fast-path handler.
func (c *Core) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		err := fmt.Errorf("%w: cannot resume from %s", ErrBadState, c.state)
		c.setLastError(err)
		return err
	}
	c.handler.SetPaused(false)
	c.state = StateRunning
	return nil
}

// Stop clears the running flag on both workers, drains the queue up to
// timeout, disarms every range, and closes the fault channel. Per
// spec.md §9's stop-timeout redesign, a timed-out drain transitions
// the core to ERROR rather than detaching threads that would go on to
// touch a closed channel. Calling Stop from STOPPED is a no-op success.
func (c *Core) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateRunning && c.state != StatePaused {
		state := c.state
		err := fmt.Errorf("%w: cannot stop from %s", ErrBadState, state)
		c.setLastError(err)
		c.mu.Unlock()
		return err
	}
	if timeout <= 0 {
		timeout = defaultStopWait
	}

	handler, worker, group := c.handler, c.worker, c.group
	c.mu.Unlock()

	handler.Stop()
	worker.Stop()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		c.mu.Lock()
		c.setError(fmt.Errorf("core: stop timed out after %s", timeout))
		err := errors.New(c.errMsg)
		c.mu.Unlock()
		return err
	}

	worker.Drain()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reg.DisarmAll()
	if err := c.channel.Close(); err != nil {
		log.Printf("core: close fault channel: %v", err)
	}
	c.state = StateStopped
	return nil
}

// RegisterPage registers a new watched page, per spec.md §4.3.
func (c *Core) RegisterPage(base, length uintptr, name string, flags types.TrackFlag, depth types.MutationDepth) (types.VariableId, error) {
	c.mu.Lock()
	state := c.state

	switch state {
	case StateUninitialized:
		c.setLastError(ErrNotInitialized)
		c.mu.Unlock()
		return "", ErrNotInitialized
	case StateStopped, StateError:
		err := fmt.Errorf("%w: cannot register from %s", ErrBadState, state)
		c.setLastError(err)
		c.mu.Unlock()
		return "", err
	}
	c.mu.Unlock()

	id, err := c.reg.Register(base, length, name, flags, depth)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		c.mu.Lock()
		c.setLastError(err)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

// UnregisterPage removes id from the registry.
func (c *Core) UnregisterPage(id types.VariableId) bool {
	return c.reg.Unregister(id)
}

// ReadSnapshot returns the stored pre-image for id, or nil if unknown.
func (c *Core) ReadSnapshot(id types.VariableId) []byte {
	return c.reg.ReadSnapshot(id)
}

// WriteSnapshot replaces the stored pre-image for id.
func (c *Core) WriteSnapshot(id types.VariableId, bytes []byte) error {
	if err := c.reg.WriteSnapshot(id, bytes); err != nil {
		if errors.Is(err, registry.ErrUnknownVariable) {
			return ErrUnknownVariable
		}
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// UpdateMetadata wholesale-replaces id's descriptor.
func (c *Core) UpdateMetadata(id types.VariableId, desc types.PageDescriptor) error {
	if err := c.reg.UpdateMetadata(id, desc); err != nil {
		return ErrUnknownVariable
	}
	return nil
}

// SetSQLContext attaches host-supplied SQL correlation metadata to id,
// per spec's track-sql flag ("attach current sql-context-id if
// provided by host"). The enrichment worker only surfaces it on
// EnrichedEvent when id's descriptor has track-sql or track-all set.
func (c *Core) SetSQLContext(id types.VariableId, ctx *types.SQLContext) error {
	if err := c.reg.SetSQLContext(id, ctx); err != nil {
		return ErrUnknownVariable
	}
	return nil
}

// DequeueEnrichedEvent pops the oldest enriched event off the core's
// internal pull buffer, for hosts that poll rather than receive a push
// callback through Options.Sink. Every enriched event lands in this
// buffer in addition to whatever sink a host configured, so it always
// has something to return once events are flowing. ok is false before
// Initialize has run or when the buffer is currently empty.
func (c *Core) DequeueEnrichedEvent() (types.EnrichedEvent, bool) {
	if c.pullBuffer == nil {
		return types.EnrichedEvent{}, false
	}
	return c.pullBuffer.Pull()
}

// GetState returns the current lifecycle state.
func (c *Core) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetErrorMessage returns the message from the most recent failed
// operation. Once the core enters ERROR the message is frozen to the
// error that caused that transition, since ERROR is terminal.
func (c *Core) GetErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// MetricsSnapshot returns the raw counter snapshot, for collaborators
// (like the Prometheus exporter) that want it without the QueueDepth
// field GetMetrics adds.
func (c *Core) MetricsSnapshot() metrics.Snapshot { return c.counters.Snapshot() }

// QueueDepth returns the current depth of the event queue, or 0 before
// Initialize has run.
func (c *Core) QueueDepth() uint32 {
	if c.q == nil {
		return 0
	}
	return c.q.Depth()
}

// GetMetrics returns a point-in-time snapshot of every counter.
func (c *Core) GetMetrics() types.Metrics {
	snap := c.counters.Snapshot()
	depth := uint32(0)
	if c.q != nil {
		depth = c.q.Depth()
	}
	return types.Metrics{
		EventsReceived:  snap.EventsReceived,
		EventsProcessed: snap.EventsProcessed,
		EventsDropped:   snap.EventsDropped,
		DroppedByPause:  snap.DroppedByPause,
		CallbacksFailed: snap.CallbacksFailed,
		ResolveFailures: snap.ResolveFailures,
		MeanLatencyMs:   snap.MeanLatencyMs,
		QueueDepth:      depth,
	}
}
