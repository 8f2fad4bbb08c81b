// Package arch hides CPU differences behind a narrow surface: reading and
// writing a traced thread's register file, preparing a register set for a
// remote function call, and the trap-instruction advance delta. Every other
// package in this module is architecture-agnostic.
package arch

// Registers is the architecture-tagged register set. Its concrete layout is
// supplied by the GOARCH-specific build-tagged file (regs_arm64.go,
// regs_amd64.go); callers never touch the embedded raw struct directly.
type Registers struct {
	raw rawRegs
}

// Get reads pid's current register file via PTRACE_GETREGSET/GETREGS.
func Get(pid int) (Registers, error) {
	var r Registers
	if err := getRegs(pid, &r.raw); err != nil {
		return Registers{}, err
	}
	return r, nil
}

// Set writes r back to pid via PTRACE_SETREGSET/SETREGS.
func (r Registers) Set(pid int) error {
	return setRegs(pid, &r.raw)
}

// Equal reports whether two register snapshots are bit-for-bit identical,
// used by the register-conservation test property.
func (r Registers) Equal(other Registers) bool {
	return r.raw == other.raw
}

// PokeWord writes a single 64-bit word to the traced process's address
// space; SetupCall uses it on architectures (x86-64) whose calling
// convention pushes the return address onto the stack rather than carrying
// it in a link register.
type PokeWord func(addr, val uint64) error

// SetupCall arranges r so that resuming the traced thread invokes the
// function at funcAddr with up to six register-passed arguments, and
// returns to returnAddr (the sentinel address 0 in normal use) via
// architecture-specific means: ARM64 writes the link register directly;
// x86-64 decrements the stack pointer and pokes returnAddr at the new top of
// stack using poke. poke may be nil on ARM64, where it is unused.
func (r *Registers) SetupCall(funcAddr uint64, args [6]uint64, returnAddr uint64, poke PokeWord) error {
	return setupCall(&r.raw, funcAddr, args, returnAddr, poke)
}

// StackReserve reserves n bytes below the current stack pointer and returns
// the resulting address. It is a no-op returning the current stack pointer
// unchanged on ARM64, which the AAPCS64 calling convention used here never
// needs; x86-64's cdecl-style convention passes its sentinel return address
// on the stack, so only that architecture actually reserves space.
func (r *Registers) StackReserve(n uint64) uint64 {
	return stackReserve(&r.raw, n)
}

// RetVal returns the function return value register (x0 on ARM64, RAX on
// x86-64).
func (r Registers) RetVal() uint64 {
	return retVal(&r.raw)
}

// IP returns the current program counter.
func (r Registers) IP() uint64 {
	return ip(&r.raw)
}

// TrapAdvance is the number of bytes to add to the program counter after a
// SIGTRAP caused by the architecture's trap instruction, to step past it
// before resuming (+4 on ARM64 for brk #0x0, +1 on x86-64 for int3).
const TrapAdvance = trapAdvance

// Advance steps the program counter forward by delta bytes, used to step
// past a trap instruction before resuming.
func (r *Registers) Advance(delta uint64) {
	advance(&r.raw, delta)
}
