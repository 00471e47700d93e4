//go:build !linux

package faultchannel

// open is the non-Linux fallback: there is no userspace write-fault
// facility to negotiate, mirroring the role bpf_darwin.go plays for the
// teacher's eBPF reader on the same platform.
func open() (Channel, error) {
	return nil, ErrUnsupportedPlatform
}
