// Package types holds the data model shared by every component of the
// mutation-capture pipeline: variable metadata, fast-path and enriched
// events, and symbol-cache entries.
package types

import "time"

// VariableId uniquely identifies a registered page within a process.
// Ids are never reused once issued.
type VariableId string

// TrackFlag is a bit in the tracking-flags set a host supplies at
// registration time.
type TrackFlag uint8

const (
	TrackThreads TrackFlag = 1 << iota
	TrackSQL
	TrackAll
	TrackLocals
)

// Has reports whether flag is set in f.
func (f TrackFlag) Has(flag TrackFlag) bool {
	return f&flag != 0
}

// Wants reports whether flag's optional enrichment should be applied to
// a descriptor carrying f, treating TrackAll as shorthand for every
// optional flag per spec's "track-all: enable all optional enrichment".
func (f TrackFlag) Wants(flag TrackFlag) bool {
	return f.Has(flag) || f.Has(TrackAll)
}

// DepthKind selects how much of a page is considered when diffing.
type DepthKind uint8

const (
	DepthWholePage DepthKind = iota
	DepthFirstN
)

// MutationDepth bounds how many bytes from the start of a page are
// considered when computing deltas.
type MutationDepth struct {
	Kind DepthKind
	N    int // meaningful only when Kind == DepthFirstN
}

// WholePage is the default mutation depth: the entire page participates
// in diffing.
func WholePage() MutationDepth { return MutationDepth{Kind: DepthWholePage} }

// FirstN bounds diffing to the first n bytes of the page.
func FirstN(n int) MutationDepth { return MutationDepth{Kind: DepthFirstN, N: n} }

// Bound returns the number of leading bytes of a page of the given
// length that participate in diffing under this depth.
func (d MutationDepth) Bound(pageLen int) int {
	if d.Kind == DepthWholePage {
		return pageLen
	}
	if d.N > pageLen {
		return pageLen
	}
	return d.N
}

// Scope is the source-level scope of a watched variable. A descriptor's
// Scope is whatever the host set through UpdateMetadata; the enrichment
// worker copies it onto an EnrichedEvent only when TrackLocals (or
// TrackAll) is set. No symbolizer in this module computes it, and the
// zero value is the empty string, not ScopeUnknown.
type Scope string

const (
	ScopeLocal   Scope = "local"
	ScopeGlobal  Scope = "global"
	ScopeBoth    Scope = "both"
	ScopeUnknown Scope = "unknown"
)

// PageDescriptor is the authoritative record of a single watched page.
type PageDescriptor struct {
	VariableId    VariableId
	Base          uintptr
	Length        uintptr
	Name          string
	Flags         TrackFlag
	MutationDepth MutationDepth
	PreImage      []byte
	Scope         Scope
	SQLContext    *SQLContext
	RegisteredAt  time.Time
}

// Clone returns a deep copy of the descriptor, safe to hand to a caller
// without sharing the PreImage backing array or the SQLContext pointer.
func (p PageDescriptor) Clone() PageDescriptor {
	c := p
	c.PreImage = append([]byte(nil), p.PreImage...)
	if p.SQLContext != nil {
		ctx := *p.SQLContext
		c.SQLContext = &ctx
	}
	return c
}

// FastPathEvent is the minimal record built at fault time.
type FastPathEvent struct {
	EventID     uint64
	TimestampNs uint64
	PageBase    uintptr
	FaultAddr   uintptr
	TID         uint64
	IP          uint64
}

// Delta is a contiguous run of differing bytes between a pre- and
// post-image.
type Delta struct {
	Offset int
	Old    []byte
	New    []byte
}

// SQLContext is optional correlation metadata a host supplies when
// TrackSQL is set.
type SQLContext struct {
	ContextID string
	Query     string
	Table     string
}

// EnrichedEvent is a FastPathEvent plus everything the enrichment
// worker computed for it.
type EnrichedEvent struct {
	FastPathEvent

	Symbol string
	File   string
	Line   int

	PreImage  []byte
	PostImage []byte
	Deltas    []Delta

	VariableIds []VariableId
	Scope       Scope

	SQLContext *SQLContext

	EnrichmentLatencyNs int64
}

// SymbolEntry is a cached instruction-pointer resolution.
type SymbolEntry struct {
	Symbol    string
	File      string
	Line      int
	InsertsAt time.Time
}

// Metrics is a point-in-time snapshot of the core's counters.
type Metrics struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	DroppedByPause  uint64
	CallbacksFailed uint64
	ResolveFailures uint64
	MeanLatencyMs   float64
	QueueDepth      uint32
}
