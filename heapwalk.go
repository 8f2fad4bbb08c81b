// Package heapwalk is a remote heap enumerator for Linux/Android processes:
// given the pid of a running, non-self target, it streams (base, size)
// records covering every live allocation in the target's bionic
// libc_malloc, Scudo, and GWP-ASan heaps. It orchestrates the cross-process
// symbol resolver, the remote memory transfer helpers, and the ptrace
// engine to inject a trampoline into the target and drive bionic's
// malloc_iterate remotely.
package heapwalk

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/scudoscope/heapwalk/internal/config"
	"github.com/scudoscope/heapwalk/internal/diag"
	"github.com/scudoscope/heapwalk/internal/procmaps"
	"github.com/scudoscope/heapwalk/internal/ptracer"
	"github.com/scudoscope/heapwalk/internal/rmem"
	"github.com/scudoscope/heapwalk/internal/symbols"
	"github.com/scudoscope/heapwalk/internal/trampoline"
)

const (
	// headerBytes is the shared buffer header's on-the-wire size:
	// max_entries (8 bytes) followed by cursor (8 bytes).
	headerBytes = 16
	// entryBytes is one (base, size) record's on-the-wire size.
	entryBytes = 16
)

// bufferHeader mirrors the shared buffer's header layout in the target.
// cursor is an entry-count index (0-based), not a word offset; see
// DESIGN.md's Open Question decision on shared-buffer cursor semantics.
type bufferHeader struct {
	maxEntries uint64
	cursor     uint64
}

// codeRegion is the remote RWX-then-RX page holding the injected trampoline.
type codeRegion struct {
	addr uint64
	size uint64
}

// enumContext is the observer-side state for one walk.
type enumContext struct {
	pid      int
	cfg      *config.Config
	cb       Callback
	userCtx  any
	libc     string
	dataAddr uint64
	stats    Stats
	failed   bool
}

// Callback receives one (base, size) record per live allocation discovered
// during a walk. userCtx is whatever the caller passed to Enumerate.
type Callback func(userCtx any, base, size uint64)

// Stats reports bookkeeping about a walk: how many regions were walked or
// skipped, how many drain cycles occurred, and how many entries were
// delivered in total.
type Stats struct {
	Entries        int
	RegionsWalked  int
	RegionsSkipped int
	DrainCycles    int
}

// Enumerate walks pid's bionic heap, invoking cb once per live allocation,
// and reports whether the walk completed without a detected failure. A
// false return means delivered entries may be an incomplete snapshot.
func Enumerate(pid int, cb Callback, userCtx any) bool {
	ok, _ := EnumerateWithStats(pid, cb, userCtx, nil)
	return ok
}

// EnumerateWithStats is Enumerate plus Stats about the walk. cfg may be nil,
// in which case config.Default() governs region selection, buffer sizing,
// and the drain-cycle cap.
func EnumerateWithStats(pid int, cb Callback, userCtx any, cfg *config.Config) (bool, Stats) {
	if cfg == nil {
		cfg = config.Default()
	}

	libc, err := discoverLibc(pid)
	if err != nil {
		diag.Errorf("heapwalk: locating libc in pid %d: %v", pid, err)
		return false, Stats{}
	}

	pageSize := uint64(unix.Getpagesize())
	if cfg.PageSizeOverride > 0 {
		pageSize = uint64(cfg.PageSizeOverride)
	}
	maxEntries := (pageSize - headerBytes) / entryBytes
	if cfg.MaxBufferEntries > 0 {
		maxEntries = uint64(cfg.MaxBufferEntries)
	}

	ectx := &enumContext{pid: pid, cfg: cfg, cb: cb, userCtx: userCtx, libc: libc}

	// 1. Provisioning.
	dataAddr, err := remoteMmap(pid, libc, 0, pageSize, uint64(unix.PROT_READ|unix.PROT_WRITE), uint64(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS))
	if err != nil {
		diag.Errorf("heapwalk: provisioning data page in pid %d: %v", pid, err)
		return false, ectx.stats
	}
	ectx.dataAddr = dataAddr

	trampBytes := trampoline.Bytes()
	codeSize := roundUpPage(uint64(len(trampBytes)), pageSize)
	codeAddr, err := remoteMmap(pid, libc, 0, codeSize, uint64(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC), uint64(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS))
	if err != nil {
		diag.Errorf("heapwalk: provisioning code page in pid %d: %v", pid, err)
		if _, merr := remoteMunmap(pid, libc, dataAddr, pageSize); merr != nil {
			diag.Warningf("heapwalk: munmap data page in pid %d: %v", pid, merr)
		}
		return false, ectx.stats
	}
	code := codeRegion{addr: codeAddr, size: codeSize}

	teardown := func() {
		if _, err := remoteMunmap(pid, libc, ectx.dataAddr, pageSize); err != nil {
			diag.Warningf("heapwalk: munmap data page in pid %d: %v", pid, err)
		}
		if _, err := remoteMunmap(pid, libc, code.addr, code.size); err != nil {
			diag.Warningf("heapwalk: munmap code page in pid %d: %v", pid, err)
		}
	}

	if err := writeHeader(pid, dataAddr, bufferHeader{maxEntries: maxEntries, cursor: 0}); err != nil {
		diag.Errorf("heapwalk: writing initial header in pid %d: %v", pid, err)
		teardown()
		return false, ectx.stats
	}

	if err := rmem.Write(pid, codeAddr, trampBytes); err != nil {
		diag.Errorf("heapwalk: writing trampoline in pid %d: %v", pid, err)
		teardown()
		return false, ectx.stats
	}
	// Re-protect the code page to R-X now that the trampoline is written,
	// rather than leaving it RWX for the rest of the walk.
	if _, err := resolveAndCall(pid, libc, "mprotect", [6]uint64{codeAddr, codeSize, uint64(unix.PROT_READ | unix.PROT_EXEC)}, nil); err != nil {
		diag.Errorf("heapwalk: mprotect code page in pid %d: %v", pid, err)
		teardown()
		return false, ectx.stats
	}

	// 2. Freeze allocations.
	if _, err := resolveAndCall(pid, libc, "malloc_disable", [6]uint64{}, nil); err != nil {
		diag.Errorf("heapwalk: malloc_disable in pid %d: %v", pid, err)
		teardown()
		return false, ectx.stats
	}

	// 3. Region selection.
	var regions []procmaps.Region
	if err := procmaps.Iterate(pid, func(r procmaps.Region) bool {
		regions = append(regions, r)
		return true
	}); err != nil {
		diag.Errorf("heapwalk: reading maps for pid %d: %v", pid, err)
		ectx.failed = true
	}

	// 4. Per-region walk, 5. drain protocol.
	if !ectx.failed {
		for _, r := range regions {
			if !selected(r, cfg.Regions) {
				ectx.stats.RegionsSkipped++
				diag.V(diag.Level(cfg.Verbosity)).Infof("heapwalk: skipping region %s in pid %d", r, pid)
				continue
			}
			ectx.stats.RegionsWalked++
			diag.V(diag.Level(cfg.Verbosity)).Infof("heapwalk: walking region %s in pid %d", r, pid)

			regionTrapDrains := 0
			trap := func() (bool, error) {
				n, err := drain(pid, dataAddr, ectx.cb, ectx.userCtx)
				if err != nil {
					return false, err
				}
				ectx.stats.DrainCycles++
				ectx.stats.Entries += n
				regionTrapDrains++
				diag.V(diag.Level(cfg.Verbosity)).Infof("heapwalk: drain cycle %d delivered %d entries in pid %d", ectx.stats.DrainCycles, n, pid)
				if cfg.MaxDrainCycles > 0 && regionTrapDrains > cfg.MaxDrainCycles {
					return false, fmt.Errorf("exceeded max drain cycles (%d)", cfg.MaxDrainCycles)
				}
				return true, nil
			}

			args := [6]uint64{r.Start, r.Len(), codeAddr, dataAddr}
			if _, err := resolveAndCall(pid, libc, "malloc_iterate", args, trap); err != nil {
				diag.Errorf("heapwalk: malloc_iterate over %s in pid %d: %v", r, pid, err)
				ectx.failed = true
				break
			}

			n, err := drain(pid, dataAddr, ectx.cb, ectx.userCtx)
			if err != nil {
				diag.Errorf("heapwalk: final drain over %s in pid %d: %v", r, pid, err)
				ectx.failed = true
				break
			}
			ectx.stats.DrainCycles++
			ectx.stats.Entries += n
		}
	}

	// 6. Thaw. Best-effort: its failure does not gate the walk's success.
	if _, err := resolveAndCall(pid, libc, "malloc_enable", [6]uint64{}, nil); err != nil {
		diag.Warningf("heapwalk: malloc_enable in pid %d: %v", pid, err)
	}

	// 7. Teardown, unconditional.
	teardown()

	return !ectx.failed, ectx.stats
}

// drain reads the shared buffer's header, verifies cursor <= max_entries,
// reads cursor entries in one bulk transfer, delivers each to cb, then
// resets cursor to 0 and writes the header back.
func drain(pid int, dataAddr uint64, cb Callback, userCtx any) (int, error) {
	hdr, err := readHeader(pid, dataAddr)
	if err != nil {
		return 0, err
	}
	if hdr.cursor > hdr.maxEntries {
		return 0, fmt.Errorf("shared buffer cursor %d exceeds max_entries %d", hdr.cursor, hdr.maxEntries)
	}
	if hdr.cursor == 0 {
		return 0, nil
	}

	buf := make([]byte, hdr.cursor*entryBytes)
	if err := rmem.Read(pid, dataAddr+headerBytes, buf); err != nil {
		return 0, fmt.Errorf("reading %d entries: %w", hdr.cursor, err)
	}

	for i := uint64(0); i < hdr.cursor; i++ {
		off := i * entryBytes
		base := leUint64(buf[off : off+8])
		size := leUint64(buf[off+8 : off+16])
		cb(userCtx, base, size)
	}

	if err := writeHeader(pid, dataAddr, bufferHeader{maxEntries: hdr.maxEntries, cursor: 0}); err != nil {
		return 0, fmt.Errorf("resetting cursor: %w", err)
	}
	return int(hdr.cursor), nil
}

func readHeader(pid int, dataAddr uint64) (bufferHeader, error) {
	maxEntries, err := rmem.ReadUint64(pid, dataAddr)
	if err != nil {
		return bufferHeader{}, fmt.Errorf("reading max_entries: %w", err)
	}
	cursor, err := rmem.ReadUint64(pid, dataAddr+8)
	if err != nil {
		return bufferHeader{}, fmt.Errorf("reading cursor: %w", err)
	}
	return bufferHeader{maxEntries: maxEntries, cursor: cursor}, nil
}

func writeHeader(pid int, dataAddr uint64, h bufferHeader) error {
	if err := rmem.WriteUint64(pid, dataAddr, h.maxEntries); err != nil {
		return fmt.Errorf("writing max_entries: %w", err)
	}
	if err := rmem.WriteUint64(pid, dataAddr+8, h.cursor); err != nil {
		return fmt.Errorf("writing cursor: %w", err)
	}
	return nil
}

// selected reports whether r is eligible for walking: its first permission
// character must be 'r' and its backing path must match one of cfg's
// region patterns.
func selected(r procmaps.Region, patterns config.RegionPatterns) bool {
	if len(r.Perms) == 0 || r.Perms[0] != 'r' {
		return false
	}
	return patterns.Matches(r.Path)
}

// discoverLibc finds pid's executable libc.so mapping, used as the (lib,
// sym) resolution target for every remote call this walk issues.
func discoverLibc(pid int) (string, error) {
	var path string
	err := procmaps.Iterate(pid, func(r procmaps.Region) bool {
		if len(r.Perms) >= 3 && r.Perms[2] == 'x' && strings.Contains(r.Path, "libc.so") {
			path = r.Path
			return false
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("no libc.so mapping found in pid %d", pid)
	}
	return path, nil
}

func roundUpPage(n, pageSize uint64) uint64 {
	if n == 0 {
		return pageSize
	}
	return (n + pageSize - 1) / pageSize * pageSize
}

// resolveAndCall resolves sym in libc and calls it remotely with args.
func resolveAndCall(pid int, libc, sym string, args [6]uint64, trap ptracer.TrapFunc) (uint64, error) {
	fn, err := symbols.Resolve(pid, libc, sym)
	if err != nil {
		return 0, errors.Wrapf(err, "resolving %s", sym)
	}
	ret, err := ptracer.Call(pid, fn, args, trap)
	if err != nil {
		return 0, errors.Wrapf(err, "calling %s", sym)
	}
	return ret, nil
}

func remoteMmap(pid int, libc string, addr, length, prot, flags uint64) (uint64, error) {
	args := [6]uint64{addr, length, prot, flags, ^uint64(0), 0} // fd = -1
	ret, err := resolveAndCall(pid, libc, "mmap", args, nil)
	if err != nil {
		return 0, err
	}
	if ret == ^uint64(0) {
		return 0, errors.New("mmap returned MAP_FAILED")
	}
	return ret, nil
}

func remoteMunmap(pid int, libc string, addr, length uint64) (uint64, error) {
	return resolveAndCall(pid, libc, "munmap", [6]uint64{addr, length}, nil)
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
