package iommu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// pvuChunk is one maximally-aligned power-of-two slice of a region, as
// produced by splitRegionLargestFirst. The PVU's descriptor format (per
// original_source/hypervisor/arch/arm64/ti-pvu.c, which only the
// descriptor layout is taken from) can only express power-of-two-sized,
// naturally-aligned mappings, so larger requests are decomposed here
// before being handed to hardware.
type pvuChunk struct {
	phys uint64
	virt uint64
	size uint64
}

// splitRegionLargestFirst decomposes [virt, virt+size) into the fewest
// possible power-of-two, naturally-aligned chunks, taking the largest
// chunk that fits at the current position at each step, and returns them
// ordered by size, largest first (§9's "greedy largest-first split"
// design note).
func splitRegionLargestFirst(phys, virt, size uint64) []pvuChunk {
	var chunks []pvuChunk
	for size > 0 {
		// Largest power-of-two that both fits in the remaining size and
		// is compatible with the current alignment of virt (and phys,
		// which must move in lockstep).
		align := uint64(1) << 63
		for align > size {
			align >>= 1
		}
		for align > 1 && (virt&(align-1) != 0 || phys&(align-1) != 0) {
			align >>= 1
		}
		chunks = append(chunks, pvuChunk{phys: phys, virt: virt, size: align})
		phys += align
		virt += align
		size -= align
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].size > chunks[j].size })
	return chunks
}

// pvuCellState tracks deferred (uncommitted) and committed mappings for
// one cell; whether the cell has left SHUT_DOWN comes from
// PVU.IsCellRunning.
type pvuCellState struct {
	regions *domainRegions
	pending []MemoryRegion
	chunks  []pvuChunk
}

// PVU implements Unit for TI's page-based virtualization unit (PVU): a
// hardware block with no context/root table hierarchy at all, just a
// flat descriptor array programmed in one shot, which forces every
// mapping change to be staged and applied atomically at ConfigCommit
// (§9's "deferred mapping") rather than incrementally like VT-d/SMMU.
// Per the resolved Open Question in §9, unmapping memory from a cell
// that is already RUNNING is rejected with EPERM: PVU hardware has no
// way to invalidate a single in-flight descriptor without reprogramming
// the whole array, which this hypervisor will not do to a live cell.
type PVU struct {
	mu sync.Mutex

	cells map[CellID]*pvuCellState

	// IsCellRunning reports whether cell has left SHUT_DOWN; wired to
	// the cell manager's state machine. Nil is treated as "never
	// running", which is only appropriate in isolation tests.
	IsCellRunning func(cell CellID) bool

	faults faultLog
}

// NewPVU constructs an uninitialized PVU unit.
func NewPVU(isCellRunning func(cell CellID) bool) *PVU {
	return &PVU{
		cells:         make(map[CellID]*pvuCellState),
		IsCellRunning: isCellRunning,
	}
}

func (p *PVU) Init() error { return nil }

func (p *PVU) CellInit(cell CellID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.cells[cell]; exists {
		return fmt.Errorf("pvu: cell %d already initialized: %w", cell, jhsys.EEXIST)
	}
	p.cells[cell] = &pvuCellState{regions: newDomainRegions()}
	return nil
}

func (p *PVU) CellExit(cell CellID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.cells[cell]; !exists {
		return fmt.Errorf("pvu: cell %d not initialized: %w", cell, jhsys.ENOENT)
	}
	delete(p.cells, cell)
	return nil
}

func (p *PVU) stateFor(cell CellID) (*pvuCellState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.cells[cell]
	if !ok {
		return nil, fmt.Errorf("pvu: cell %d not initialized: %w", cell, jhsys.ENOENT)
	}
	return st, nil
}

func (p *PVU) MapMemoryRegion(cell CellID, r MemoryRegion) error {
	st, err := p.stateFor(cell)
	if err != nil {
		return err
	}
	if err := st.regions.add(r); err != nil {
		return err
	}
	p.mu.Lock()
	st.pending = append(st.pending, r)
	p.mu.Unlock()
	return nil
}

// UnmapMemoryRegion implements the resolved Open Question: any unmap
// request against a cell that is already RUNNING is rejected outright,
// since the PVU's flat descriptor array cannot be partially invalidated
// without reprogramming the whole array while the cell's vCPUs may be
// actively translating through it.
func (p *PVU) UnmapMemoryRegion(cell CellID, virtStart, size uint64) error {
	if p.IsCellRunning != nil && p.IsCellRunning(cell) {
		return fmt.Errorf("pvu: unmap on running cell %d: %w", cell, jhsys.EPERM)
	}
	st, err := p.stateFor(cell)
	if err != nil {
		return err
	}
	if _, err := st.regions.remove(virtStart, size); err != nil {
		return err
	}
	p.mu.Lock()
	for i, r := range st.pending {
		if r.VirtStart == virtStart && r.Size == size {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	return nil
}

func (p *PVU) AddPCIDevice(cell CellID, sourceID uint32) error {
	// The PVU sits between CPU cores and memory, not between PCI
	// endpoints and memory (that path runs through a separate bus
	// bridge outside the hypervisor's IOMMU abstraction on this
	// platform), so device attach/detach is a no-op that still
	// validates the cell exists.
	_, err := p.stateFor(cell)
	return err
}

func (p *PVU) RemovePCIDevice(cell CellID, sourceID uint32) error {
	_, err := p.stateFor(cell)
	return err
}

// ConfigCommit applies every pending mapping, splitting each into
// power-of-two aligned chunks before appending to the cell's committed
// descriptor list, and clears the pending queue.
func (p *PVU) ConfigCommit(cell CellID) error {
	st, err := p.stateFor(cell)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range st.pending {
		st.chunks = append(st.chunks, splitRegionLargestFirst(r.PhysStart, r.VirtStart, r.Size)...)
	}
	st.pending = nil
	return nil
}

// CommittedChunkCount reports how many hardware descriptors a cell's
// committed mappings currently occupy, for tests and diagnostics.
func (p *PVU) CommittedChunkCount(cell CellID) (int, error) {
	st, err := p.stateFor(cell)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(st.chunks), nil
}

// The PVU has no interrupt-remap table of its own; MSI routing on this
// platform is handled entirely by the GIC, so these are no-ops returning
// a stable zero index.
func (p *PVU) MapInterrupt(sourceID uint32, address uint64, data uint32) (uint32, error) {
	return 0, nil
}

func (p *PVU) UnmapInterrupt(remapIndex uint32) {}

func (p *PVU) RecordFault(f Fault) { p.faults.record(f) }

func (p *PVU) CheckPendingFaults() []Fault { return p.faults.drain() }

func (p *PVU) Shutdown() error { return nil }
