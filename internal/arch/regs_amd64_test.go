//go:build amd64

package arch

import "testing"

func TestSetupCallAmd64(t *testing.T) {
	var r Registers
	r.raw.Rsp = 0x7ffff000
	args := [6]uint64{1, 2, 3, 4, 5, 6}

	var pokeAddr, pokeVal uint64
	poke := func(addr, val uint64) error {
		pokeAddr, pokeVal = addr, val
		return nil
	}

	if err := r.SetupCall(0xdead0000, args, 0, poke); err != nil {
		t.Fatalf("SetupCall: %v", err)
	}
	if r.raw.Rdi != 1 || r.raw.Rsi != 2 || r.raw.Rdx != 3 || r.raw.Rcx != 4 || r.raw.R8 != 5 || r.raw.R9 != 6 {
		t.Errorf("argument registers not set correctly: %+v", r.raw)
	}
	if r.raw.Rax != 0 {
		t.Errorf("Rax = %#x, want 0", r.raw.Rax)
	}
	if r.IP() != 0xdead0000 {
		t.Errorf("IP() = %#x, want 0xdead0000", r.IP())
	}
	if r.raw.Rsp != 0x7ffff000-8 {
		t.Errorf("Rsp = %#x, want %#x", r.raw.Rsp, 0x7ffff000-8)
	}
	if pokeAddr != r.raw.Rsp || pokeVal != 0 {
		t.Errorf("poke(%#x, %#x), want (%#x, 0)", pokeAddr, pokeVal, r.raw.Rsp)
	}
}

func TestRetValAmd64(t *testing.T) {
	var r Registers
	r.raw.Rax = 0x1234
	if got := r.RetVal(); got != 0x1234 {
		t.Errorf("RetVal() = %#x, want 0x1234", got)
	}
}

func TestTrapAdvanceAmd64(t *testing.T) {
	if TrapAdvance != 1 {
		t.Errorf("TrapAdvance = %d, want 1", TrapAdvance)
	}
}

func TestAdvanceAmd64(t *testing.T) {
	var r Registers
	r.raw.Rip = 0x1000
	r.Advance(TrapAdvance)
	if r.IP() != 0x1001 {
		t.Errorf("IP() after Advance = %#x, want 0x1001", r.IP())
	}
}
