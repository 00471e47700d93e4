//go:build linux && arm64

package faultchannel

// sysUserfaultfd is __NR_userfaultfd from include/uapi/asm-generic/unistd.h,
// which arm64 uses directly.
const sysUserfaultfd = 282
