package heapwalk

import (
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/scudoscope/heapwalk/internal/config"
	"github.com/scudoscope/heapwalk/internal/procmaps"
	"github.com/scudoscope/heapwalk/internal/rmem"
)

func TestRoundUpPage(t *testing.T) {
	cases := []struct {
		name     string
		n, page  uint64
		expected uint64
	}{
		{"zero", 0, 4096, 4096},
		{"exact multiple", 8192, 4096, 8192},
		{"one byte over", 4097, 4096, 8192},
		{"under one page", 100, 4096, 4096},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := roundUpPage(c.n, c.page); got != c.expected {
				t.Errorf("roundUpPage(%d, %d) = %d, want %d", c.n, c.page, got, c.expected)
			}
		})
	}
}

func TestSelected(t *testing.T) {
	patterns := config.RegionPatterns{
		Exact:  []string{"[anon:libc_malloc]"},
		Prefix: []string{"[anon:scudo:"},
	}
	cases := []struct {
		name   string
		region procmaps.Region
		want   bool
	}{
		{"exact match, readable", procmaps.Region{Perms: "rw-p", Path: "[anon:libc_malloc]"}, true},
		{"prefix match, readable", procmaps.Region{Perms: "r--p", Path: "[anon:scudo:primary]"}, true},
		{"matching path but not readable", procmaps.Region{Perms: "-w-p", Path: "[anon:libc_malloc]"}, false},
		{"readable but unmatched path", procmaps.Region{Perms: "r-xp", Path: "/lib/libc.so"}, false},
		{"empty perms", procmaps.Region{Perms: "", Path: "[anon:libc_malloc]"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := selected(c.region, patterns); got != c.want {
				t.Errorf("selected(%+v) = %v, want %v", c.region, got, c.want)
			}
		})
	}
}

func TestLeUint64RoundTrip(t *testing.T) {
	var buf [8]byte
	want := uint64(0x0102030405060708)
	for i := range buf {
		buf[i] = byte(want >> (8 * uint(i)))
	}
	if got := leUint64(buf[:]); got != want {
		t.Errorf("leUint64 = %#x, want %#x", got, want)
	}
}

// mmapPage allocates one real, writable page in the current process and
// returns its address, suitable as a "remote" address for self-pid rmem
// calls exercising the header/drain logic without a ptrace target.
func mmapPage(t *testing.T) uint64 {
	t.Helper()
	size := unix.Getpagesize()
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(data) })
	return uint64(uintptr(unsafe.Pointer(&data[0])))
}

func TestHeaderRoundTrip(t *testing.T) {
	addr := mmapPage(t)
	pid := os.Getpid()

	want := bufferHeader{maxEntries: 252, cursor: 10}
	if err := writeHeader(pid, addr, want); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	got, err := readHeader(pid, addr)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if got != want {
		t.Errorf("readHeader = %+v, want %+v", got, want)
	}
}

func TestDrainDeliversEntriesAndResetsCursor(t *testing.T) {
	addr := mmapPage(t)
	pid := os.Getpid()

	entries := []struct{ base, size uint64 }{
		{0x1000, 32},
		{0x2000, 64},
		{0x3000, 16},
	}
	hdr := bufferHeader{maxEntries: 16, cursor: uint64(len(entries))}
	if err := writeHeader(pid, addr, hdr); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	for i, e := range entries {
		off := addr + headerBytes + uint64(i)*entryBytes
		buf := make([]byte, entryBytes)
		putLE(buf[0:8], e.base)
		putLE(buf[8:16], e.size)
		if err := rmem.Write(pid, off, buf); err != nil {
			t.Fatalf("writing entry %d: %v", i, err)
		}
	}

	var got []struct{ base, size uint64 }
	cb := func(_ any, base, size uint64) {
		got = append(got, struct{ base, size uint64 }{base, size})
	}

	n, err := drain(pid, addr, cb, nil)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != len(entries) {
		t.Errorf("drain returned %d entries, want %d", n, len(entries))
	}
	if len(got) != len(entries) {
		t.Fatalf("callback invoked %d times, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].base != e.base || got[i].size != e.size {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}

	after, err := readHeader(pid, addr)
	if err != nil {
		t.Fatalf("readHeader after drain: %v", err)
	}
	if after.cursor != 0 {
		t.Errorf("cursor after drain = %d, want 0", after.cursor)
	}
	if after.maxEntries != hdr.maxEntries {
		t.Errorf("max_entries after drain = %d, want %d (unchanged)", after.maxEntries, hdr.maxEntries)
	}
}

func TestDrainRejectsCursorPastMax(t *testing.T) {
	addr := mmapPage(t)
	pid := os.Getpid()

	if err := writeHeader(pid, addr, bufferHeader{maxEntries: 4, cursor: 5}); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	if _, err := drain(pid, addr, func(any, uint64, uint64) {}, nil); err == nil {
		t.Error("drain with cursor > max_entries succeeded, want error")
	}
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
