//go:build linux && amd64

package faultchannel

// sysUserfaultfd is __NR_userfaultfd from arch/x86/entry/syscalls/syscall_64.tbl.
// golang.org/x/sys/unix does not expose this number on every release, so
// it's kept local and per-arch, the same way the kernel table is per-arch.
const sysUserfaultfd = 323
