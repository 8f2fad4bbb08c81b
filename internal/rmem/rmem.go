// Package rmem performs bulk cross-process memory transfers using the
// process_vm_readv/writev scatter-gather syscalls, each call moving a
// single contiguous range through one local/remote iovec pair.
package rmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Read copies len(out) bytes from pid's address space starting at
// remoteAddr into out. A short transfer (fewer bytes than requested) is a
// hard failure; there is no retry.
func Read(pid int, remoteAddr uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &out[0], Len: uint64(len(out))}}
	remote := []unix.RemoteIovec{{Base: uintptr(remoteAddr), Len: len(out)}}

	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_readv(pid=%d, addr=%#x, len=%d): %w", pid, remoteAddr, len(out), err)
	}
	if n != len(out) {
		return fmt.Errorf("process_vm_readv(pid=%d, addr=%#x): short read %d of %d bytes", pid, remoteAddr, n, len(out))
	}
	return nil
}

// Write copies in to pid's address space starting at remoteAddr. A short
// transfer is a hard failure; there is no retry.
func Write(pid int, remoteAddr uint64, in []byte) error {
	if len(in) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &in[0], Len: uint64(len(in))}}
	remote := []unix.RemoteIovec{{Base: uintptr(remoteAddr), Len: len(in)}}

	n, err := unix.ProcessVMWritev(pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_writev(pid=%d, addr=%#x, len=%d): %w", pid, remoteAddr, len(in), err)
	}
	if n != len(in) {
		return fmt.Errorf("process_vm_writev(pid=%d, addr=%#x): short write %d of %d bytes", pid, remoteAddr, n, len(in))
	}
	return nil
}

// ReadUint64 reads a single little-endian 64-bit word at remoteAddr.
func ReadUint64(pid int, remoteAddr uint64) (uint64, error) {
	var buf [8]byte
	if err := Read(pid, remoteAddr, buf[:]); err != nil {
		return 0, err
	}
	return leUint64(buf[:]), nil
}

// WriteUint64 writes a single little-endian 64-bit word at remoteAddr.
func WriteUint64(pid int, remoteAddr uint64, v uint64) error {
	var buf [8]byte
	putLeUint64(buf[:], v)
	return Write(pid, remoteAddr, buf[:])
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putLeUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
