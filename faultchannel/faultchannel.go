// Package faultchannel opens and drives the OS write-fault facility
// used to trap the first write to a watched page: arming/disarming
// ranges and delivering raw fault records to the fast-path handler.
//
// The interface is platform-agnostic by design (spec.md §9: "the core
// does not itself implement write-fault interception on platforms that
// lack a userspace page-fault facility"); only the Linux build actually
// traps writes, via userfaultfd. Every other platform compiles against
// the same interface and fails Open with ErrUnsupportedPlatform, the
// same role bpf_darwin.go plays for the teacher's eBPF reader.
package faultchannel

import (
	"errors"
	"time"
)

// ErrUnsupportedPlatform is returned by Open on platforms with no
// userspace write-fault facility.
var ErrUnsupportedPlatform = errors.New("faultchannel: write-fault interception not supported on this platform")

// Record is a raw fault notification as delivered by the OS, before any
// fast-path enrichment.
type Record struct {
	FaultAddr uintptr
	TID       uint64
	WP        bool // true if this was a write-protect fault
}

// Channel is the capability set the fast-path handler needs from the
// underlying OS write-fault facility.
type Channel interface {
	// Arm marks [base, base+length) so that the next write from any
	// thread faults instead of completing. It fails if the range
	// overlaps an existing arming or the OS refuses it.
	Arm(base, length uintptr) error

	// Disarm releases write-protection from [base, base+length). After
	// it returns, no new faults are generated for that range.
	Disarm(base, length uintptr) error

	// Poll blocks up to timeout for one or more fault records.
	Poll(timeout time.Duration) ([]Record, error)

	// ResolveWrite lets the faulting write at [base, base+length)
	// proceed and re-arms the range for subsequent first-write
	// detection. Failure of the re-arm step is reported but does not
	// undo the disarm half.
	ResolveWrite(base, length uintptr) error

	// Close releases the channel's OS resources. Safe to call more
	// than once.
	Close() error
}

// Open negotiates and returns a Channel backed by the OS write-fault
// facility. Implemented per-platform; see faultchannel_linux.go and
// faultchannel_other.go.
func Open() (Channel, error) {
	return open()
}
