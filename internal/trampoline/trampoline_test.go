package trampoline

import "testing"

// TestBytesNonEmpty exercises the sentinel-delta extraction against the
// real, architecture-specific assembly built into this binary. It cannot
// validate the instruction semantics (that requires a live ptrace target,
// which no test in this module sets up) but it does catch
// a zero-length or negative extraction, which would mean trampolineEnd
// was not laid out immediately after trampolineStart.
func TestBytesNonEmpty(t *testing.T) {
	b := Bytes()
	if len(b) == 0 {
		t.Fatal("Bytes() returned an empty slice")
	}
	if len(b) > 256 {
		t.Errorf("Bytes() = %d bytes, suspiciously large for a callback trampoline", len(b))
	}
}

// TestBytesContainsTrap checks that the extracted body contains the
// architecture's debug-break encoding somewhere in its instruction stream,
// a cheap sanity check that Bytes sliced real code and not padding.
func TestBytesContainsTrap(t *testing.T) {
	b := Bytes()
	if !containsTrap(b) {
		t.Error("extracted trampoline body does not contain the expected trap encoding")
	}
}
