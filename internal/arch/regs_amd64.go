//go:build amd64

package arch

import "golang.org/x/sys/unix"

// trapAdvance is the RIP delta to step past "int3".
const trapAdvance = 1

type rawRegs = unix.PtraceRegs

func getRegs(pid int, r *rawRegs) error {
	return unix.PtraceGetRegs(pid, r)
}

func setRegs(pid int, r *rawRegs) error {
	return unix.PtraceSetRegs(pid, r)
}

// setupCall writes args[0..6) into rdi, rsi, rdx, rcx, r8, r9, zeroes rax
// (the va_args count bionic's calling convention expects), sets RIP to
// funcAddr, and decrements RSP by one word to push returnAddr onto the
// stack via poke so that the callee's "ret" faults at returnAddr.
func setupCall(r *rawRegs, funcAddr uint64, args [6]uint64, returnAddr uint64, poke PokeWord) error {
	r.Rdi = args[0]
	r.Rsi = args[1]
	r.Rdx = args[2]
	r.Rcx = args[3]
	r.R8 = args[4]
	r.R9 = args[5]
	r.Rax = 0
	r.Rip = funcAddr
	r.Rsp -= 8
	if poke != nil {
		if err := poke(r.Rsp, returnAddr); err != nil {
			return err
		}
	}
	return nil
}

// stackReserve decrements RSP by n bytes and returns the new stack pointer.
func stackReserve(r *rawRegs, n uint64) uint64 {
	r.Rsp -= n
	return r.Rsp
}

func retVal(r *rawRegs) uint64 {
	return r.Rax
}

func ip(r *rawRegs) uint64 {
	return r.Rip
}

func advance(r *rawRegs, delta uint64) {
	r.Rip += delta
}
