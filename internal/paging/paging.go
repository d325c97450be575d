// Package paging implements the generic multi-level page-table
// walker/builder shared by the CPU stage-2 tables, IOMMU tables, and
// guest-physical lookups (§3 "Paging structure descriptor", §4.2). The
// teacher repo has no direct analogue (its hv/kvm backends delegate
// paging to the host kernel's KVM_SET_USER_MEMORY_REGION), so this
// package is new code grounded on the shape of internal/hv/address_space.go
// (fixed arena, explicit alignment, no implicit growth) and on §9's
// "tagged variants for paging" design note: each hardware format is a
// Format value (a sum-type-like struct of per-level LevelOps), and the
// walker itself is generic over the level.
package paging

import (
	"fmt"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
	"github.com/jailhouse-go/jailhouse/internal/pagepool"
)

// Flags mirror the permission/attribute bits a PTE can carry. They are a
// format-agnostic superset; each Format maps them onto its own encoding.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExecute
	FlagDevice // device memory: no speculative access, strict ordering
)

// Coherency selects the flush policy from §4.2.
type Coherency int

const (
	// NonCoherent indicates the walker (e.g. an IOMMU without snoop) needs
	// explicit cache flushes of each modified PTE word.
	NonCoherent Coherency = iota
	Coherent
)

// LevelOps describes one level of a page-table format: entry layout, the
// page size a terminal entry at this level covers (0 = no hugepage here),
// and a pointer to the next level's ops (nil at the leaf level).
type LevelOps struct {
	// PageSize is the size in bytes a terminal entry at this level maps,
	// or 0 if this level holds no hugepage: a non-leaf level with 0
	// always points at a next-level table, and the leaf level (Next ==
	// nil) maps 4 KiB pages.
	PageSize uint64

	// EntryCount is the number of entries per table at this level.
	EntryCount int

	// EntryStride is the byte size of one entry (8 for all formats modeled).
	EntryStride int

	// Index extracts this level's index from a virtual/guest address.
	Index func(addr uint64) int

	Next *LevelOps
}

// Format names a complete per-architecture table shape, per §3's "Arrays
// of these are composed per format: x86-64 four-level, x86 PAE, i386
// two-level, realmode, VT-d/EPT/NPT/stage-2 variants."
type Format struct {
	Name string
	Root *LevelOps
}

// rawEntry is the uniform 64-bit PTE encoding used across every Format in
// this implementation: bit 0 valid, bit 1 "is terminal" (vs. next-table),
// bits 2-5 Flags, bits 12-51 physical page number.
type rawEntry uint64

const (
	bitValid    = 1 << 0
	bitTerminal = 1 << 1
	flagShift   = 2
	flagMask    = 0xF << flagShift
	physShift   = 12
	physMask    = ((uint64(1) << 40) - 1) << physShift
)

func (e rawEntry) valid() bool     { return e&bitValid != 0 }
func (e rawEntry) terminal() bool  { return e&bitTerminal != 0 }
func (e rawEntry) flags() Flags    { return Flags((uint64(e) & flagMask) >> flagShift) }
func (e rawEntry) phys() uint64    { return uint64(e) & physMask }
func mkTerminal(phys uint64, f Flags) rawEntry {
	return rawEntry(bitValid | bitTerminal | (uint64(f)<<flagShift)&flagMask | (phys & physMask))
}
func mkNextPT(phys uint64) rawEntry {
	return rawEntry(bitValid | (phys & physMask))
}

// Invalid is returned by Virt2Phys / GetPhys when no mapping satisfies the
// request.
const Invalid uint64 = ^uint64(0)

// X8664Format models the x86-64 four-level format: PML4 -> PDPT -> PD -> PT,
// with 2 MiB hugepages at the PD level and 1 GiB at the PDPT level.
var X8664Format = buildLevels("x86-64-4level", []uint64{0, 1 << 30, 2 << 20, 0}, []int{39, 30, 21, 12})

// Stage2Format models a generic ARM/VT-d/EPT-style stage-2 table with the
// same geometry as X8664Format; kept distinct so callers can log which
// translation regime produced a fault.
var Stage2Format = buildLevels("stage2-4level", []uint64{0, 1 << 30, 2 << 20, 0}, []int{39, 30, 21, 12})

func buildLevels(name string, hugePageSizes []uint64, shifts []int) Format {
	levels := make([]LevelOps, len(shifts))
	for i, shift := range shifts {
		s := shift
		levels[i] = LevelOps{
			PageSize:    hugePageSizes[i],
			EntryCount:  512,
			EntryStride: 8,
			Index:       func(addr uint64) int { return int((addr >> uint(s)) & 0x1FF) },
		}
	}
	for i := 0; i < len(levels)-1; i++ {
		levels[i].Next = &levels[i+1]
	}
	return Format{Name: name, Root: &levels[0]}
}

// Table is a page-table tree rooted in a pagepool-backed page.
type Table struct {
	pool    *pagepool.Pool
	format  Format
	rootIdx uint32 // page index of the root table within pool
}

// NewTable allocates a zeroed root table from pool.
func NewTable(pool *pagepool.Pool, format Format) (*Table, error) {
	idx, err := pool.Alloc(1)
	if err != nil {
		return nil, fmt.Errorf("paging: allocate root table: %w", err)
	}
	zeroPage(pool, idx)
	return &Table{pool: pool, format: format, rootIdx: idx}, nil
}

// RootPhys returns the page index backing the root table (stands in for a
// physical address a real CPU/IOMMU root register would hold).
func (t *Table) RootPhys() uint32 { return t.rootIdx }

func zeroPage(pool *pagepool.Pool, idx uint32) {
	b := pool.Bytes()
	off := int(idx) * pagepool.PageSize
	clear(b[off : off+pagepool.PageSize])
}

func (t *Table) entryAt(tableIdx uint32, i int) rawEntry {
	b := t.pool.Bytes()
	off := int(tableIdx)*pagepool.PageSize + i*8
	var v uint64
	for k := 0; k < 8; k++ {
		v |= uint64(b[off+k]) << (8 * k)
	}
	return rawEntry(v)
}

func (t *Table) setEntry(tableIdx uint32, i int, e rawEntry) {
	b := t.pool.Bytes()
	off := int(tableIdx)*pagepool.PageSize + i*8
	v := uint64(e)
	for k := 0; k < 8; k++ {
		b[off+k] = byte(v >> (8 * k))
	}
}

func (t *Table) tableEmpty(tableIdx uint32, n int) bool {
	for i := 0; i < n; i++ {
		if t.entryAt(tableIdx, i).valid() {
			return false
		}
	}
	return true
}

// Create maps [virt, virt+size) to [phys, phys+size) with the given flags,
// splitting any hugepage it encounters that only partially overlaps the
// new mapping (§4.2, §3 invariant). coherent names the flush policy of
// the walker; the simulation neither performs nor records PTE flushes,
// so it has no effect on the result.
func (t *Table) Create(phys, size, virt uint64, flags Flags, coherent Coherency) error {
	if size == 0 {
		return nil
	}
	if phys%pagepool.PageSize != 0 || virt%pagepool.PageSize != 0 || size%pagepool.PageSize != 0 {
		return fmt.Errorf("paging: unaligned mapping phys=%#x virt=%#x size=%#x: %w", phys, virt, size, jhsys.EINVAL)
	}
	return t.create(t.format.Root, t.rootIdx, phys, virt, size, flags)
}

func (t *Table) create(level *LevelOps, tableIdx uint32, phys, virt, size uint64, flags Flags) error {
	for size > 0 {
		idx := level.Index(virt)
		e := t.entryAt(tableIdx, idx)

		if level.PageSize != 0 && size >= level.PageSize && virt%level.PageSize == 0 && phys%level.PageSize == 0 {
			if e.valid() && !e.terminal() {
				return fmt.Errorf("paging: cannot replace next-level table with hugepage at virt=%#x: %w", virt, jhsys.EINVAL)
			}
			t.setEntry(tableIdx, idx, mkTerminal(phys, flags))
			virt += level.PageSize
			phys += level.PageSize
			size -= level.PageSize
			continue
		}

		if level.Next == nil {
			// Leaf level but remaining size/alignment doesn't cover
			// level.PageSize (0 at the leaf, meaning 4 KiB): map one page.
			step := uint64(pagepool.PageSize)
			t.setEntry(tableIdx, idx, mkTerminal(phys, flags))
			virt += step
			phys += step
			size -= step
			continue
		}

		var nextIdx uint32
		switch {
		case !e.valid():
			newIdx, err := t.pool.Alloc(1)
			if err != nil {
				return fmt.Errorf("paging: allocate sub-table: %w", err)
			}
			zeroPage(t.pool, newIdx)
			t.setEntry(tableIdx, idx, mkNextPT(uint64(newIdx)*pagepool.PageSize))
			nextIdx = newIdx
		case e.terminal():
			// Splitting a hugepage: allocate a sub-table and carry the
			// flags/base forward to every sub-entry (§3 invariant, §4.2).
			newIdx, err := t.pool.Alloc(1)
			if err != nil {
				return fmt.Errorf("paging: split hugepage: allocate sub-table: %w", err)
			}
			zeroPage(t.pool, newIdx)
			hugeBase := e.phys()
			hugeFlags := e.flags()
			subPageSize := pageSizeBelow(level)
			for i := 0; i < level.EntryCount; i++ {
				sub := hugeBase + uint64(i)*subPageSize
				t.setEntry(newIdx, i, mkTerminal(sub, hugeFlags))
			}
			t.setEntry(tableIdx, idx, mkNextPT(uint64(newIdx)*pagepool.PageSize))
			nextIdx = newIdx
		default:
			nextIdx = uint32(e.phys() / pagepool.PageSize)
		}

		// Recurse for exactly the span this index covers, clipped to
		// what's left of the caller's request.
		span := level.PageSize
		if span == 0 {
			span = pagepool.PageSize
		}
		chunk := span - (virt % span)
		if chunk > size {
			chunk = size
		}
		if err := t.create(level.Next, nextIdx, phys, virt, chunk, flags); err != nil {
			return err
		}
		virt += chunk
		phys += chunk
		size -= chunk
	}
	return nil
}

func pageSizeBelow(level *LevelOps) uint64 {
	if level.Next == nil {
		return pagepool.PageSize
	}
	if level.Next.PageSize != 0 {
		return level.Next.PageSize
	}
	return pagepool.PageSize
}

// Destroy unmaps [virt, virt+size), splitting hugepages that only
// partially intersect the range and freeing sub-tables that become empty.
// Per §4.2's contract it never fails for whole-page requests already
// mapped; it can fail with ENOMEM if splitting a hugepage requires a
// sub-table allocation and the pool is exhausted (B4).
func (t *Table) Destroy(virt, size uint64, coherent Coherency) error {
	if size == 0 {
		return nil
	}
	if virt%pagepool.PageSize != 0 || size%pagepool.PageSize != 0 {
		return fmt.Errorf("paging: unaligned destroy virt=%#x size=%#x: %w", virt, size, jhsys.EINVAL)
	}
	_, err := t.destroy(t.format.Root, t.rootIdx, virt, size)
	return err
}

// destroy returns whether the table at tableIdx became empty.
func (t *Table) destroy(level *LevelOps, tableIdx uint32, virt, size uint64) (bool, error) {
	for size > 0 {
		idx := level.Index(virt)
		e := t.entryAt(tableIdx, idx)
		span := level.PageSize
		if span == 0 {
			span = pagepool.PageSize
		}
		chunk := span - (virt % span)
		if chunk > size {
			chunk = size
		}

		if !e.valid() {
			virt += chunk
			size -= chunk
			continue
		}

		if e.terminal() {
			if chunk == span {
				t.setEntry(tableIdx, idx, 0)
			} else {
				// Partial unmap of a hugepage: split first.
				if level.Next == nil {
					return false, fmt.Errorf("paging: cannot split at leaf level: %w", jhsys.EINVAL)
				}
				newIdx, err := t.pool.Alloc(1)
				if err != nil {
					return false, fmt.Errorf("paging: split hugepage for destroy: %w", err)
				}
				zeroPage(t.pool, newIdx)
				hugeBase := e.phys()
				hugeFlags := e.flags()
				subPageSize := pageSizeBelow(level)
				for i := 0; i < level.EntryCount; i++ {
					t.setEntry(newIdx, i, mkTerminal(hugeBase+uint64(i)*subPageSize, hugeFlags))
				}
				t.setEntry(tableIdx, idx, mkNextPT(uint64(newIdx)*pagepool.PageSize))
				empty, err := t.destroy(level.Next, newIdx, virt, chunk)
				if err != nil {
					return false, err
				}
				if empty {
					t.setEntry(tableIdx, idx, 0)
					if err := t.pool.Free(newIdx, 1); err != nil {
						return false, err
					}
				}
			}
			virt += chunk
			size -= chunk
			continue
		}

		// Next-level table.
		nextIdx := uint32(e.phys() / pagepool.PageSize)
		empty, err := t.destroy(level.Next, nextIdx, virt, chunk)
		if err != nil {
			return false, err
		}
		if empty {
			t.setEntry(tableIdx, idx, 0)
			if err := t.pool.Free(nextIdx, 1); err != nil {
				return false, err
			}
		}
		virt += chunk
		size -= chunk
	}
	return t.tableEmpty(tableIdx, level.EntryCount), nil
}

// Virt2Phys walks the table and returns the physical address mapped at
// virt if it carries all of requiredFlags, or Invalid otherwise (§4.2, P2).
func (t *Table) Virt2Phys(virt uint64, required Flags) uint64 {
	level := t.format.Root
	tableIdx := t.rootIdx
	base := virt &^ (pagepool.PageSize - 1)
	_ = base
	for {
		idx := level.Index(virt)
		e := t.entryAt(tableIdx, idx)
		if !e.valid() {
			return Invalid
		}
		if e.terminal() {
			if e.flags()&required != required {
				return Invalid
			}
			span := level.PageSize
			if span == 0 {
				span = pagepool.PageSize
			}
			offset := virt % span
			return e.phys() + offset
		}
		if level.Next == nil {
			return Invalid
		}
		level = level.Next
		tableIdx = uint32(e.phys() / pagepool.PageSize)
	}
}
