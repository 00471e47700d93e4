//go:build linux

package faultchannel

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux implements the write-fault facility with userfaultfd(2),
// write-protect mode. The ioctl request codes are derived from the
// kernel's _IOC encoding rather than hardcoded, so the relationship
// between request and payload struct stays obvious at the call site.

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits    = 8
	iocTypeBits  = 8
	iocSizeBits  = 14
	iocDirBits   = 2
	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	uffdioMagic = 0xAA
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

type uffdioAPI struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegister struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

type uffdioWriteprotect struct {
	Range uffdioRange
	Mode  uint64
}

// uffdMsg mirrors struct uffd_msg; only the pagefault arm of the union
// is modeled since UFFD_FEATURE_PAGEFAULT_FLAG_WP is the only event
// type this channel negotiates.
type uffdMsg struct {
	Event     uint8
	Reserved1 uint8
	Reserved2 uint16
	Reserved3 uint32
	Flags     uint64
	Address   uint64
	Ptid      uint32
	_         uint32
}

const (
	uffdAPIVersion = 0xAA

	uffdFeatureThreadID         = 1 << 8
	uffdFeaturePagefaultFlagWP = 1 << 0

	uffdRegisterModeMissing = 1 << 0
	uffdRegisterModeWP      = 1 << 1

	uffdWriteprotectModeWP = 1 << 0

	uffdEventPagefault  = 0x12
	uffdPagefaultFlagWP = 1 << 1

	msgSize = 32 // sizeof(struct uffd_msg)
)

var (
	reqAPI          = ioc(iocWrite|iocRead, uffdioMagic, 0x3F, unsafe.Sizeof(uffdioAPI{}))
	reqRegister     = ioc(iocWrite|iocRead, uffdioMagic, 0x00, unsafe.Sizeof(uffdioRegister{}))
	reqUnregister   = ioc(iocRead, uffdioMagic, 0x01, unsafe.Sizeof(uffdioRange{}))
	reqWriteprotect = ioc(iocWrite|iocRead, uffdioMagic, 0x06, unsafe.Sizeof(uffdioWriteprotect{}))
)

type armedRange struct {
	base, length uintptr
}

type linuxChannel struct {
	fd int

	mu     sync.Mutex
	armed  []armedRange
	closed bool
}

func open() (Channel, error) {
	fd, _, errno := unix.Syscall(sysUserfaultfd, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("faultchannel: userfaultfd: %w", errno)
	}

	api := uffdioAPI{
		API:      uffdAPIVersion,
		Features: uffdFeatureThreadID | uffdFeaturePagefaultFlagWP,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, reqAPI, uintptr(unsafe.Pointer(&api))); errno != 0 {
		unix.Close(int(fd))
		return nil, fmt.Errorf("faultchannel: UFFDIO_API: %w", errno)
	}

	return &linuxChannel{fd: int(fd)}, nil
}

func (c *linuxChannel) overlaps(base, length uintptr) bool {
	end := base + length
	for _, a := range c.armed {
		if base < a.base+a.length && a.base < end {
			return true
		}
	}
	return false
}

func (c *linuxChannel) Arm(base, length uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.overlaps(base, length) {
		return fmt.Errorf("faultchannel: range [%#x, %#x) overlaps an existing arming", base, base+length)
	}

	reg := uffdioRegister{
		Range: uffdioRange{Start: uint64(base), Len: uint64(length)},
		Mode:  uffdRegisterModeWP,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), reqRegister, uintptr(unsafe.Pointer(&reg))); errno != 0 {
		return fmt.Errorf("faultchannel: UFFDIO_REGISTER: %w", errno)
	}

	// Registering in WP mode only enables write-protect tracking; the
	// range faults on write once it is actually write-protected.
	wp := uffdioWriteprotect{Range: reg.Range, Mode: uffdWriteprotectModeWP}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), reqWriteprotect, uintptr(unsafe.Pointer(&wp))); errno != 0 {
		_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), reqUnregister, uintptr(unsafe.Pointer(&reg.Range)))
		return fmt.Errorf("faultchannel: UFFDIO_WRITEPROTECT arm: %w", errno)
	}

	c.armed = append(c.armed, armedRange{base: base, length: length})
	return nil
}

func (c *linuxChannel) Disarm(base, length uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rng := uffdioRange{Start: uint64(base), Len: uint64(length)}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), reqUnregister, uintptr(unsafe.Pointer(&rng))); errno != 0 {
		return fmt.Errorf("faultchannel: UFFDIO_UNREGISTER: %w", errno)
	}

	for i, a := range c.armed {
		if a.base == base && a.length == length {
			c.armed = append(c.armed[:i], c.armed[i+1:]...)
			break
		}
	}
	return nil
}

func (c *linuxChannel) Poll(timeout time.Duration) ([]Record, error) {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("faultchannel: poll: %w", err)
	}
	if n <= 0 {
		return nil, nil
	}

	buf := make([]byte, msgSize*16)
	nread, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("faultchannel: read: %w", err)
	}
	if nread <= 0 {
		return nil, nil
	}

	count := nread / msgSize
	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		msg := (*uffdMsg)(unsafe.Pointer(&buf[i*msgSize]))
		if msg.Event != uffdEventPagefault {
			continue
		}
		records = append(records, Record{
			FaultAddr: uintptr(msg.Address),
			TID:       uint64(msg.Ptid),
			WP:        msg.Flags&uffdPagefaultFlagWP != 0,
		})
	}
	return records, nil
}

func (c *linuxChannel) ResolveWrite(base, length uintptr) error {
	wp := uffdioWriteprotect{Range: uffdioRange{Start: uint64(base), Len: uint64(length)}}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), reqWriteprotect, uintptr(unsafe.Pointer(&wp))); errno != 0 {
		return fmt.Errorf("faultchannel: UFFDIO_WRITEPROTECT clear: %w", errno)
	}

	wp.Mode = uffdWriteprotectModeWP
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), reqWriteprotect, uintptr(unsafe.Pointer(&wp))); errno != 0 {
		return fmt.Errorf("faultchannel: UFFDIO_WRITEPROTECT re-arm: %w", errno)
	}
	return nil
}

func (c *linuxChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
