// Package registry is the authoritative mapping from VariableId to
// watched-page metadata and pre-image snapshot. It is guarded by a
// single mutex that is never held across a call into the fault
// channel, matching spec.md §4.3's requirement that arm/disarm calls
// happen with the registry mutex released.
//
// The map-of-pointers-behind-one-mutex shape is grounded on the
// teacher's process.ProcessMap (process/tracking.go): Add/Get/Remove/
// List under a single sync.RWMutex.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/mutwatch/mutwatch/faultchannel"
	"github.com/mutwatch/mutwatch/types"
)

// ErrUnknownVariable is returned by operations given an id the
// registry has never seen, or has since forgotten.
var ErrUnknownVariable = fmt.Errorf("registry: unknown variable id")

const pageSize = 4096

// entry pairs a descriptor with its insertion order, so lookupCovering
// can tie-break by registration order as spec.md §4.3 requires.
type entry struct {
	desc  types.PageDescriptor
	order uint64
}

// Registry is the variable registry, component C.
type Registry struct {
	mu       sync.Mutex
	vars     map[types.VariableId]*entry
	nextOrd  uint64
	channel  faultchannel.Channel
	armed    bool // whether the core is in a state that keeps ranges armed
}

// New creates an empty registry. channel may be nil if the core has not
// yet opened a fault channel (e.g. before initialize); Attach must be
// called once one exists.
func New() *Registry {
	return &Registry{vars: make(map[types.VariableId]*entry)}
}

// Attach wires the fault channel the registry arms/disarms ranges on,
// and records whether ranges should currently be kept armed (core is
// RUNNING or PAUSED).
func (r *Registry) Attach(channel faultchannel.Channel, armed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = channel
	r.armed = armed
}

// SetArmed flips whether newly registered pages get armed immediately.
// ArmAll and DisarmAll set the same flag on start/stop transitions.
func (r *Registry) SetArmed(armed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = armed
}

// snapshotPage copies length bytes starting at base out of the host's
// address space. The caller guarantees the page is mapped and readable.
func snapshotPage(base, length uintptr) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(length))
	dst := make([]byte, length)
	copy(dst, src)
	return dst
}

// Register validates and stores a new watched page, arming it on the
// fault channel if the core is currently RUNNING or PAUSED.
func (r *Registry) Register(base, length uintptr, name string, flags types.TrackFlag, depth types.MutationDepth) (types.VariableId, error) {
	if base%pageSize != 0 {
		return "", fmt.Errorf("registry: base %#x is not page-aligned", base)
	}
	if length == 0 || length%pageSize != 0 {
		return "", fmt.Errorf("registry: length %d must be a positive multiple of the page size", length)
	}

	r.mu.Lock()
	channel, armed := r.channel, r.armed
	r.mu.Unlock()

	id := types.VariableId(uuid.NewString())

	if armed && channel != nil {
		if err := channel.Arm(base, length); err != nil {
			return "", fmt.Errorf("registry: arm: %w", err)
		}
	}

	desc := types.PageDescriptor{
		VariableId:    id,
		Base:          base,
		Length:        length,
		Name:          name,
		Flags:         flags,
		MutationDepth: depth,
		PreImage:      snapshotPage(base, length),
		RegisteredAt:  time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextOrd++
	r.vars[id] = &entry{desc: desc, order: r.nextOrd}
	return id, nil
}

// Unregister removes id from the registry, disarming its range if the
// core is currently RUNNING or PAUSED. Returns false if id is unknown.
//
// Disarm is eager rather than deferred to Stop: see DESIGN.md's record
// of this open question.
func (r *Registry) Unregister(id types.VariableId) bool {
	r.mu.Lock()
	e, ok := r.vars[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.vars, id)
	base, length := e.desc.Base, e.desc.Length
	channel, armed := r.channel, r.armed
	r.mu.Unlock()

	if armed && channel != nil {
		_ = channel.Disarm(base, length)
	}
	return true
}

// ReadSnapshot returns a copy of the pre-image for id, or nil if id is
// unknown.
func (r *Registry) ReadSnapshot(id types.VariableId) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.vars[id]
	if !ok {
		return nil
	}
	return append([]byte(nil), e.desc.PreImage...)
}

// WriteSnapshot replaces the stored pre-image for id. It fails if id is
// unknown or len(bytes) doesn't match the descriptor's length.
func (r *Registry) WriteSnapshot(id types.VariableId, bytes []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.vars[id]
	if !ok {
		return ErrUnknownVariable
	}
	if uintptr(len(bytes)) != e.desc.Length {
		return fmt.Errorf("registry: snapshot length %d does not match descriptor length %d", len(bytes), e.desc.Length)
	}
	e.desc.PreImage = append([]byte(nil), bytes...)
	return nil
}

// SetSQLContext attaches or clears host-supplied SQL correlation
// metadata for id, consulted by the enrichment worker when the
// descriptor's track-sql flag is set. Passing a nil ctx clears it.
func (r *Registry) SetSQLContext(id types.VariableId, ctx *types.SQLContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.vars[id]
	if !ok {
		return ErrUnknownVariable
	}
	if ctx == nil {
		e.desc.SQLContext = nil
		return nil
	}
	c := *ctx
	e.desc.SQLContext = &c
	return nil
}

// UpdateMetadata wholesale-replaces the descriptor for id, preserving
// its VariableId and RegisteredAt.
func (r *Registry) UpdateMetadata(id types.VariableId, desc types.PageDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.vars[id]
	if !ok {
		return ErrUnknownVariable
	}
	desc.VariableId = e.desc.VariableId
	desc.RegisteredAt = e.desc.RegisteredAt
	e.desc = desc
	return nil
}

// Descriptor returns a copy of id's current descriptor.
func (r *Registry) Descriptor(id types.VariableId) (types.PageDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.vars[id]
	if !ok {
		return types.PageDescriptor{}, false
	}
	return e.desc.Clone(), true
}

// AdvancePreImage atomically replaces id's pre-image with postImage and
// returns the descriptor as it stood just before the advance (its
// pre-image is the value the enrichment worker should diff against).
// Used by the enrichment worker per spec.md §4.5 step 4.
func (r *Registry) AdvancePreImage(id types.VariableId, postImage []byte) (types.PageDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.vars[id]
	if !ok {
		return types.PageDescriptor{}, false
	}
	prev := e.desc.Clone()
	e.desc.PreImage = append([]byte(nil), postImage...)
	return prev, true
}

// CaptureAndAdvance snapshots the live memory at id's page, under the
// registry mutex, and atomically advances the stored pre-image to that
// snapshot. It returns the descriptor as it stood before the advance
// (whose PreImage is the value to diff against) together with the
// freshly captured post-image. Used by the enrichment worker per
// spec.md §4.5 steps 2 and 4, which must happen atomically with
// respect to concurrent writeSnapshot/updateMetadata calls.
func (r *Registry) CaptureAndAdvance(id types.VariableId) (pre types.PageDescriptor, post []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.vars[id]
	if !ok {
		return types.PageDescriptor{}, nil, false
	}
	prev := e.desc.Clone()
	postImage := snapshotPage(e.desc.Base, e.desc.Length)
	e.desc.PreImage = append([]byte(nil), postImage...)
	return prev, postImage, true
}

// LookupCovering returns every VariableId whose page range contains
// addr, insertion-order ascending.
func (r *Registry) LookupCovering(addr uintptr) []types.VariableId {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hits []*entry
	for _, e := range r.vars {
		if addr >= e.desc.Base && addr < e.desc.Base+e.desc.Length {
			hits = append(hits, e)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].order < hits[j].order })

	ids := make([]types.VariableId, len(hits))
	for i, e := range hits {
		ids[i] = e.desc.VariableId
	}
	return ids
}

// Len returns the number of currently registered variables.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vars)
}

// ArmAll arms every currently registered page on the fault channel. It
// is called by the lifecycle controller when transitioning into
// RUNNING from INITIALIZED.
func (r *Registry) ArmAll() error {
	r.mu.Lock()
	channel := r.channel
	if channel == nil {
		r.mu.Unlock()
		return fmt.Errorf("registry: no fault channel attached")
	}
	descs := make([]types.PageDescriptor, 0, len(r.vars))
	for _, e := range r.vars {
		descs = append(descs, e.desc)
	}
	r.mu.Unlock()

	for _, d := range descs {
		if err := channel.Arm(d.Base, d.Length); err != nil {
			return fmt.Errorf("registry: arm %s: %w", d.VariableId, err)
		}
	}

	r.mu.Lock()
	r.armed = true
	r.mu.Unlock()
	return nil
}

// DisarmAll disarms every currently registered page.
func (r *Registry) DisarmAll() {
	r.mu.Lock()
	channel := r.channel
	descs := make([]types.PageDescriptor, 0, len(r.vars))
	for _, e := range r.vars {
		descs = append(descs, e.desc)
	}
	r.mu.Unlock()

	if channel != nil {
		for _, d := range descs {
			_ = channel.Disarm(d.Base, d.Length)
		}
	}

	r.mu.Lock()
	r.armed = false
	r.mu.Unlock()
}
