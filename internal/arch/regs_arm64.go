//go:build arm64

package arch

import "golang.org/x/sys/unix"

// ntPrstatus is NT_PRSTATUS, the regset type PTRACE_GETREGSET/SETREGSET
// expect for the general-purpose register file.
const ntPrstatus = 1

// trapAdvance is the PC delta to step past "brk #0x0".
const trapAdvance = 4

type rawRegs = unix.PtraceRegsArm64

func getRegs(pid int, r *rawRegs) error {
	return unix.PtraceGetRegSetArm64(pid, ntPrstatus, r)
}

func setRegs(pid int, r *rawRegs) error {
	return unix.PtraceSetRegSetArm64(pid, ntPrstatus, r)
}

// setupCall writes args[0..6) into x0..x5, sets PC to funcAddr, and sets LR
// (x30) to returnAddr so that a bare "ret" from funcAddr faults at
// returnAddr instead of needing a real caller frame. poke is unused: ARM64
// carries its return address in a register, not on the stack.
func setupCall(r *rawRegs, funcAddr uint64, args [6]uint64, returnAddr uint64, poke PokeWord) error {
	for i, a := range args {
		r.Regs[i] = a
	}
	r.Regs[30] = returnAddr // LR
	r.Pc = funcAddr
	return nil
}

// stackReserve is a no-op on ARM64; see arch.Registers.StackReserve.
func stackReserve(r *rawRegs, n uint64) uint64 {
	return r.Sp
}

func retVal(r *rawRegs) uint64 {
	return r.Regs[0]
}

func ip(r *rawRegs) uint64 {
	return r.Pc
}

func advance(r *rawRegs, delta uint64) {
	r.Pc += delta
}
