// Package ptracer is the remote function caller: it attaches to a traced
// thread, invokes an arbitrary function there with up to six register-passed
// arguments, and returns its value. Completion is detected via the sentinel
// return convention: the callee's return address is set to 0, so a normal
// return manifests as SIGSEGV at fault address 0.
package ptracer

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/scudoscope/heapwalk/internal/arch"
	"github.com/scudoscope/heapwalk/internal/diag"
)

// linuxSiginfo mirrors the leading fields of Linux's siginfo_t for the
// SIGSEGV case: signal number, errno, code, then a union whose first member
// for a fault signal is si_addr. x/sys/unix's own Siginfo type leaves this
// union opaque, so this engine reads it directly the same way gvisor's
// ptrace engine issues raw ptrace requests (unix.RawSyscall6(unix.SYS_PTRACE,
// ...)) rather than through a higher-level wrapper that doesn't exist for
// PTRACE_GETSIGINFO.
type linuxSiginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
	_     [104]byte
}

// getSigInfo issues PTRACE_GETSIGINFO, grounded on the same raw
// unix.RawSyscall6(unix.SYS_PTRACE, ...) idiom gvisor's systrap subprocess
// code uses for every ptrace request without an x/sys/unix wrapper.
func getSigInfo(pid int) (linuxSiginfo, error) {
	var info linuxSiginfo
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(pid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return linuxSiginfo{}, fmt.Errorf("ptrace getsiginfo pid %d: %w", pid, errno)
	}
	return info, nil
}

// TrapFunc is invoked every time the call loop observes a SIGTRAP before the
// sentinel return fires. Returning true tells the engine to step the traced
// thread past the trap instruction and resume; returning false ends the
// call early (treated as an ordinary terminal stop).
type TrapFunc func() (resume bool, err error)

// Attacher is the narrow attach/detach lifecycle split out of Call so
// callers outside this module's heap iterator (e.g. future symbol-resolving
// front ends) can hold a traced thread open without driving the full call
// state machine. Grounded on the original implementation's separation of
// ptrace_attach/ptrace_detach from ptrace_call_remote_function.
type Attacher interface {
	Attach(pid int) error
	Detach(pid int) error
}

type defaultAttacher struct{}

// DefaultAttacher is the production Attacher, backed directly by the ptrace
// syscalls.
var DefaultAttacher Attacher = defaultAttacher{}

func (defaultAttacher) Attach(pid int) error { return attach(pid) }
func (defaultAttacher) Detach(pid int) error { return unix.PtraceDetach(pid) }

// attach issues PTRACE_ATTACH and waits for the resulting stop event,
// retrying transparently on EINTR. It fails if the target exits or the
// syscall errors with anything other than EINTR.
func attach(pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return fmt.Errorf("ptrace attach pid %d: %w", pid, err)
	}
	for {
		var status unix.WaitStatus
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("waitpid after attach to pid %d: %w", pid, err)
		}
		if status.Stopped() {
			return nil
		}
		if status.Exited() || status.Signaled() {
			return fmt.Errorf("pid %d exited during attach", pid)
		}
	}
}

// Call implements the remote function call state machine:
//
//	attach -> getregs -> backup -> setup_call -> setregs -> cont ->
//	[waitpid loop] -> getsiginfo -> getregs -> restore(backup) -> detach
//
// trap may be nil, in which case any SIGTRAP stop ends the call immediately
// (matching the original's NULL trap_callback behavior).
func Call(pid int, funcAddr uint64, args [6]uint64, trap TrapFunc) (uint64, error) {
	if err := attach(pid); err != nil {
		return 0, err
	}
	detach := func() {
		if err := unix.PtraceDetach(pid); err != nil {
			diag.Warningf("ptrace detach pid %d: %v", pid, err)
		}
	}

	regs, err := arch.Get(pid)
	if err != nil {
		detach()
		return 0, fmt.Errorf("getregs pid %d: %w", pid, err)
	}
	backup := regs

	poke := func(addr, val uint64) error {
		var buf [8]byte
		putLE(buf[:], val)
		n, err := unix.PtracePokeData(pid, uintptr(addr), buf[:])
		if err != nil {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("short poke: wrote %d of %d bytes", n, len(buf))
		}
		return nil
	}

	if err := regs.SetupCall(funcAddr, args, 0, poke); err != nil {
		detach()
		return 0, fmt.Errorf("setup_call pid %d: %w", pid, err)
	}

	if err := regs.Set(pid); err != nil {
		detach()
		return 0, fmt.Errorf("setregs pid %d: %w", pid, err)
	}
	if err := unix.PtraceCont(pid, 0); err != nil {
		detach()
		return 0, fmt.Errorf("ptrace cont pid %d: %w", pid, err)
	}

	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			detach()
			return 0, fmt.Errorf("waitpid pid %d: %w", pid, err)
		}

		if status.Exited() || status.Signaled() {
			detach()
			return 0, fmt.Errorf("pid %d exited unexpectedly during call", pid)
		}

		if !status.Stopped() {
			continue
		}
		if trap == nil || status.StopSignal() != unix.SIGTRAP {
			break
		}

		resume, err := trap()
		if err != nil {
			detach()
			return 0, fmt.Errorf("trap callback pid %d: %w", pid, err)
		}
		if !resume {
			break
		}

		regs, err = arch.Get(pid)
		if err != nil {
			detach()
			return 0, fmt.Errorf("getregs after trap pid %d: %w", pid, err)
		}
		regs.Advance(arch.TrapAdvance)
		if err := regs.Set(pid); err != nil {
			detach()
			return 0, fmt.Errorf("setregs after trap pid %d: %w", pid, err)
		}
		if err := unix.PtraceCont(pid, 0); err != nil {
			detach()
			return 0, fmt.Errorf("ptrace cont after trap pid %d: %w", pid, err)
		}
	}

	siginfo, err := getSigInfo(pid)
	if err != nil {
		detach()
		return 0, err
	}

	finalRegs, err := arch.Get(pid)
	if err != nil {
		detach()
		return 0, fmt.Errorf("getregs before restore pid %d: %w", pid, err)
	}

	retVal := finalRegs.RetVal()

	if err := backup.Set(pid); err != nil {
		detach()
		return 0, fmt.Errorf("restore registers pid %d: %w", pid, err)
	}
	detach()

	if status.StopSignal() != unix.SIGSEGV || siginfo.Addr != 0 {
		return retVal, fmt.Errorf("remote call to %#x did not complete normally: stop signal %v, fault addr %#x", funcAddr, status.StopSignal(), siginfo.Addr)
	}

	return retVal, nil
}

func putLE(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
