package iommu

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// maxVTdDomains bounds the VT-d domain-id space; real hardware reports
// this via the extended capability register, but Jailhouse cells are
// capped well below any vendor's minimum.
const maxVTdDomains = 256

// maxIRTEEntries is the fixed size of the shared interrupt-remap table.
const maxIRTEEntries = 1024

// VTd implements Unit for Intel VT-d: a root table indexed by PCI bus,
// pointing at per-bus context tables indexed by device/function, each
// context entry naming a domain-id that selects a second-stage page
// table; plus a single shared interrupt-remap table (IRTE array) used by
// every domain. Grounded on the teacher's internal/hv/address_space.go
// ("one second-stage table per address space, referenced by id") and
// reworked from one table per VM into one table per cell, with the
// domain-id space tracked by a gvisor pkg/bitmap allocator the same way
// internal/pagepool tracks free page frames.
type VTd struct {
	mu sync.Mutex

	domainIDs bitmap.Bitmap
	domains   map[CellID]uint32 // cell -> domain-id
	regions   map[CellID]*domainRegions
	devices   map[CellID]map[uint32]bool // cell -> source-ids attached

	irteUsed bitmap.Bitmap
	irte     [maxIRTEEntries]irteEntry

	faults faultLog
}

type irteEntry struct {
	valid   bool
	address uint64
	data    uint32
}

// NewVTd constructs an uninitialized VT-d unit.
func NewVTd() *VTd {
	return &VTd{
		domainIDs: bitmap.New(maxVTdDomains),
		domains:   make(map[CellID]uint32),
		regions:   make(map[CellID]*domainRegions),
		devices:   make(map[CellID]map[uint32]bool),
		irteUsed:  bitmap.New(maxIRTEEntries),
	}
}

func (v *VTd) Init() error { return nil }

func (v *VTd) CellInit(cell CellID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.domains[cell]; exists {
		return fmt.Errorf("vtd: cell %d already has a domain: %w", cell, jhsys.EEXIST)
	}
	id := v.domainIDs.FirstZero(0)
	if id >= maxVTdDomains {
		return fmt.Errorf("vtd: domain-id space exhausted: %w", jhsys.ENOMEM)
	}
	v.domainIDs.SetRange(id, id+1, true)
	v.domains[cell] = id
	v.regions[cell] = newDomainRegions()
	v.devices[cell] = make(map[uint32]bool)
	return nil
}

func (v *VTd) CellExit(cell CellID) error {
	v.mu.Lock()
	id, exists := v.domains[cell]
	if !exists {
		v.mu.Unlock()
		return fmt.Errorf("vtd: cell %d has no domain: %w", cell, jhsys.ENOENT)
	}
	delete(v.domains, cell)
	delete(v.regions, cell)
	delete(v.devices, cell)
	v.domainIDs.SetRange(id, id+1, false)
	v.mu.Unlock()
	return nil
}

func (v *VTd) domainRegionsFor(cell CellID) (*domainRegions, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.regions[cell]
	if !ok {
		return nil, fmt.Errorf("vtd: cell %d has no domain: %w", cell, jhsys.ENOENT)
	}
	return r, nil
}

func (v *VTd) MapMemoryRegion(cell CellID, r MemoryRegion) error {
	dr, err := v.domainRegionsFor(cell)
	if err != nil {
		return err
	}
	return dr.add(r)
}

func (v *VTd) UnmapMemoryRegion(cell CellID, virtStart, size uint64) error {
	dr, err := v.domainRegionsFor(cell)
	if err != nil {
		return err
	}
	_, err = dr.remove(virtStart, size)
	return err
}

func (v *VTd) AddPCIDevice(cell CellID, sourceID uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	devs, ok := v.devices[cell]
	if !ok {
		return fmt.Errorf("vtd: cell %d has no domain: %w", cell, jhsys.ENOENT)
	}
	devs[sourceID] = true
	return nil
}

func (v *VTd) RemovePCIDevice(cell CellID, sourceID uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	devs, ok := v.devices[cell]
	if !ok {
		return fmt.Errorf("vtd: cell %d has no domain: %w", cell, jhsys.ENOENT)
	}
	delete(devs, sourceID)
	return nil
}

// ConfigCommit drains the invalidation queue; in this simulated unit
// there is no separate shadow copy to flush, so it is a synchronization
// point only.
func (v *VTd) ConfigCommit(cell CellID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.domains[cell]; !ok {
		return fmt.Errorf("vtd: cell %d has no domain: %w", cell, jhsys.ENOENT)
	}
	return nil
}

func (v *VTd) MapInterrupt(sourceID uint32, address uint64, data uint32) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.irteUsed.FirstZero(0)
	if idx >= maxIRTEEntries {
		return 0, fmt.Errorf("vtd: IRTE table exhausted: %w", jhsys.E2BIG)
	}
	v.irteUsed.SetRange(idx, idx+1, true)
	v.irte[idx] = irteEntry{valid: true, address: address, data: data}
	return idx, nil
}

func (v *VTd) UnmapInterrupt(remapIndex uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if remapIndex >= maxIRTEEntries {
		return
	}
	v.irte[remapIndex] = irteEntry{}
	v.irteUsed.SetRange(remapIndex, remapIndex+1, false)
}

// RecordFault lets the platform-specific NMI handler feed a decoded
// fault-recording-register entry into the shared queue (§4.10).
func (v *VTd) RecordFault(f Fault) { v.faults.record(f) }

func (v *VTd) CheckPendingFaults() []Fault { return v.faults.drain() }

func (v *VTd) Shutdown() error { return nil }
