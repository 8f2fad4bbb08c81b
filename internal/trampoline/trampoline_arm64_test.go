//go:build arm64

package trampoline

// containsTrap reports whether b contains the little-endian encoding of
// "brk #0x0" (0xd4200000).
func containsTrap(b []byte) bool {
	for i := 0; i+4 <= len(b); i++ {
		if b[i] == 0x00 && b[i+1] == 0x00 && b[i+2] == 0x20 && b[i+3] == 0xd4 {
			return true
		}
	}
	return false
}
