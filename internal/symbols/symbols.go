// Package symbols resolves a (library, symbol) pair to its address inside a
// remote process's address space, by resolving the symbol locally and
// translating through the map reader's region-equivalence query. This
// exploits that a shared library is mapped at a single ASLR offset per
// process, so a symbol's file offset within its backing region is identical
// in every process that maps the same file with the same permissions and
// size.
package symbols

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/scudoscope/heapwalk/internal/procmaps"
)

// Resolve returns sym's address inside pid's address space, as exported by
// lib (a path to a shared object, e.g.
// "/apex/com.android.runtime/lib64/bionic/libc.so").
func Resolve(pid int, lib, sym string) (uint64, error) {
	fileOffset, err := symbolFileOffset(lib, sym)
	if err != nil {
		return 0, errors.Wrapf(err, "resolving %s in %s", sym, lib)
	}

	selfPid := os.Getpid()
	selfRegion, ok, err := findContainingOffset(selfPid, lib, fileOffset)
	if err != nil {
		return 0, errors.Wrapf(err, "reading local maps for pid %d", selfPid)
	}
	if !ok {
		return 0, errors.Errorf("no local region of %s contains file offset %#x (symbol %s)", lib, fileOffset, sym)
	}

	targetRegion, ok, err := procmaps.FindEquivalent(pid, selfRegion)
	if err != nil {
		return 0, errors.Wrapf(err, "reading target maps for pid %d", pid)
	}
	if !ok {
		return 0, errors.Errorf("no region in pid %d equivalent to %s", pid, selfRegion)
	}

	return targetRegion.Start + (fileOffset - selfRegion.Offset), nil
}

// symbolFileOffset opens lib with debug/elf, locates sym in the dynamic
// symbol table, and converts its link-time virtual address into a file
// offset via the PT_LOAD segment that covers it. A file offset — not a
// virtual address — is what's directly comparable to a /proc/<pid>/maps
// region's Offset field, which is why Resolve translates through it rather
// than through a raw runtime pointer (this module never dlopen()s the
// library, so it has no such pointer to begin with).
//
// debug/elf is used here rather than a third-party ELF library: resolving a
// dynamic symbol's value and program headers is a direct stdlib call away,
// and no example in this corpus pulls in a dedicated ELF parser for
// symbol-table lookups specifically.
func symbolFileOffset(lib, sym string) (uint64, error) {
	f, err := elf.Open(lib)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", lib, err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf("read dynamic symbols of %s: %w", lib, err)
	}

	var vaddr uint64
	found := false
	for _, s := range syms {
		if s.Name == sym {
			vaddr, found = s.Value, true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("symbol %s not found in %s", sym, lib)
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Memsz {
			return vaddr - p.Vaddr + p.Off, nil
		}
	}
	return 0, fmt.Errorf("symbol %s at vaddr %#x falls outside every PT_LOAD segment of %s", sym, vaddr, lib)
}

// findContainingOffset scans pid's maps for the region backed by lib whose
// file offset range contains fileOffset.
func findContainingOffset(pid int, lib string, fileOffset uint64) (region procmaps.Region, ok bool, err error) {
	err = procmaps.Iterate(pid, func(r procmaps.Region) bool {
		if regionCoversOffset(r, lib, fileOffset) {
			region, ok = r, true
			return false
		}
		return true
	})
	return region, ok, err
}

// regionCoversOffset reports whether r is backed by lib and its file offset
// range [Offset, Offset+Len) contains fileOffset.
func regionCoversOffset(r procmaps.Region, lib string, fileOffset uint64) bool {
	return r.Path == lib && fileOffset >= r.Offset && fileOffset < r.Offset+r.Len()
}
