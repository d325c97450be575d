// Package iommu implements the IOMMU abstraction layer (§4.5): a common
// Unit interface plus four variant backends (VT-d, SMMU-v2, SMMU-v3, TI
// PVU) selected at init time from the system configuration, per §9's
// "tagged-variant sum type, not a C-style vtable of function pointers"
// design note. Grounded on the teacher's internal/hv common.go
// (VirtualCPU/VirtualMachine as the model for a small hardware-facing
// interface implemented by multiple backends) and on gvisor.dev/gvisor's
// pkg/bitmap, reused here for DID/IRTE slot allocation the same way
// internal/pagepool reuses it for page-frame allocation.
package iommu

import (
	"fmt"
	"sync"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// CellID identifies the cell a mapping or device belongs to.
type CellID uint32

// MemoryRegion is one second-stage mapping request, mirroring the
// per-cell memory regions carried in the cell configuration (§3).
type MemoryRegion struct {
	PhysStart uint64
	VirtStart uint64 // IOVA
	Size      uint64
	ReadOnly  bool
	NoExecute bool
}

// Fault is a single recorded DMA or interrupt-remap fault (§4.10).
type Fault struct {
	Cell    CellID
	Device  uint32 // source-id / stream-id / requester-id, variant-specific encoding
	Address uint64
	Reason  string
}

// Unit is the common interface every IOMMU variant implements (§4.5).
// Call sequence per cell lifecycle: CellInit, then any number of
// MapMemoryRegion/UnmapMemoryRegion/AddPCIDevice/RemovePCIDevice, then
// ConfigCommit to make the accumulated changes visible to hardware, and
// finally CellExit on cell destruction.
type Unit interface {
	// Init performs one-time hardware bring-up (root/context tables,
	// command queues) at hypervisor enablement.
	Init() error

	// CellInit reserves a hardware domain/context for cell.
	CellInit(cell CellID) error

	// CellExit releases the domain/context reserved for cell, unmapping
	// anything still mapped.
	CellExit(cell CellID) error

	// ConfigCommit flushes accumulated mapping/device changes to
	// hardware (invalidation queue drain, TLB/ATC invalidate).
	ConfigCommit(cell CellID) error

	// MapMemoryRegion establishes r in cell's domain.
	MapMemoryRegion(cell CellID, r MemoryRegion) error

	// UnmapMemoryRegion removes a previously mapped region, identified
	// by its IOVA start and size.
	UnmapMemoryRegion(cell CellID, virtStart, size uint64) error

	// AddPCIDevice attaches a PCI source-id to cell's domain.
	AddPCIDevice(cell CellID, sourceID uint32) error

	// RemovePCIDevice detaches a PCI source-id from cell's domain.
	RemovePCIDevice(cell CellID, sourceID uint32) error

	// MapInterrupt programs an interrupt-remap table entry for an MSI
	// from sourceID and returns the index hardware should route through.
	// This is the operation pci.IRQRemapper calls MapMSI; Unit does not
	// implement that interface itself.
	MapInterrupt(sourceID uint32, address uint64, data uint32) (remapIndex uint32, err error)

	// UnmapInterrupt releases a previously programmed remap entry.
	UnmapInterrupt(remapIndex uint32)

	// CheckPendingFaults drains and returns faults recorded since the
	// last call (§4.10 NMI-driven fault aggregation).
	CheckPendingFaults() []Fault

	// Shutdown tears down hardware state at hypervisor disable.
	Shutdown() error
}

// domainRegions is the shared per-cell mapping bookkeeping used by every
// variant's MapMemoryRegion/UnmapMemoryRegion/CellExit, so each backend
// only has to implement the hardware-programming half.
type domainRegions struct {
	mu      sync.Mutex
	regions map[uint64]MemoryRegion // keyed by VirtStart
}

func newDomainRegions() *domainRegions {
	return &domainRegions{regions: make(map[uint64]MemoryRegion)}
}

func (d *domainRegions) add(r MemoryRegion) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.regions {
		if overlaps(existing.VirtStart, existing.Size, r.VirtStart, r.Size) {
			return fmt.Errorf("iommu: region [%#x,%#x) overlaps existing mapping: %w",
				r.VirtStart, r.VirtStart+r.Size, jhsys.EEXIST)
		}
	}
	d.regions[r.VirtStart] = r
	return nil
}

func (d *domainRegions) remove(virtStart, size uint64) (MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regions[virtStart]
	if !ok || r.Size != size {
		return MemoryRegion{}, fmt.Errorf("iommu: unmap [%#x,%#x): no matching mapping: %w",
			virtStart, virtStart+size, jhsys.ENOENT)
	}
	delete(d.regions, virtStart)
	return r, nil
}

func (d *domainRegions) all() []MemoryRegion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MemoryRegion, 0, len(d.regions))
	for _, r := range d.regions {
		out = append(out, r)
	}
	return out
}

func overlaps(aStart, aSize, bStart, bSize uint64) bool {
	return aStart < bStart+bSize && bStart < aStart+aSize
}

// faultLog is the shared fault-queue bookkeeping (§4.10): faults
// accumulate until drained by CheckPendingFaults, matching the real
// hardware's "event queue drained by software" model.
type faultLog struct {
	mu     sync.Mutex
	faults []Fault
}

func (f *faultLog) record(flt Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, flt)
}

func (f *faultLog) drain() []Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.faults
	f.faults = nil
	return out
}
