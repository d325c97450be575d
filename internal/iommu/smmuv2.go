package iommu

import (
	"fmt"
	"sync"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// smmuV2ContextBanks is the number of context banks a typical ARM
// SMMU-v2 implementation exposes; each bank holds one cell's domain.
const smmuV2ContextBanks = 32

// SMMUv2 implements Unit for ARM SMMU-v2: devices are attached by
// programming stream-match/stream-id registers (SMRs) that select a
// context bank, and each context bank carries one second-stage table.
// Grounded on the VT-d unit's domain/device bookkeeping split, adapted
// to SMMU-v2's fixed (not dynamically sized) context-bank array.
type SMMUv2 struct {
	mu sync.Mutex

	bankOf  map[CellID]int
	bankUsed [smmuV2ContextBanks]bool
	regions map[CellID]*domainRegions

	streamMatches map[uint32]int // source-id -> context bank

	faults faultLog
}

// NewSMMUv2 constructs an uninitialized SMMU-v2 unit.
func NewSMMUv2() *SMMUv2 {
	return &SMMUv2{
		bankOf:        make(map[CellID]int),
		regions:       make(map[CellID]*domainRegions),
		streamMatches: make(map[uint32]int),
	}
}

func (s *SMMUv2) Init() error { return nil }

func (s *SMMUv2) CellInit(cell CellID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bankOf[cell]; exists {
		return fmt.Errorf("smmuv2: cell %d already has a context bank: %w", cell, jhsys.EEXIST)
	}
	bank := -1
	for i, used := range s.bankUsed {
		if !used {
			bank = i
			break
		}
	}
	if bank < 0 {
		return fmt.Errorf("smmuv2: context-bank array exhausted: %w", jhsys.ENOMEM)
	}
	s.bankUsed[bank] = true
	s.bankOf[cell] = bank
	s.regions[cell] = newDomainRegions()
	return nil
}

func (s *SMMUv2) CellExit(cell CellID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, exists := s.bankOf[cell]
	if !exists {
		return fmt.Errorf("smmuv2: cell %d has no context bank: %w", cell, jhsys.ENOENT)
	}
	for sid, b := range s.streamMatches {
		if b == bank {
			delete(s.streamMatches, sid)
		}
	}
	s.bankUsed[bank] = false
	delete(s.bankOf, cell)
	delete(s.regions, cell)
	return nil
}

func (s *SMMUv2) domainRegionsFor(cell CellID) (*domainRegions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[cell]
	if !ok {
		return nil, fmt.Errorf("smmuv2: cell %d has no context bank: %w", cell, jhsys.ENOENT)
	}
	return r, nil
}

func (s *SMMUv2) MapMemoryRegion(cell CellID, r MemoryRegion) error {
	dr, err := s.domainRegionsFor(cell)
	if err != nil {
		return err
	}
	return dr.add(r)
}

func (s *SMMUv2) UnmapMemoryRegion(cell CellID, virtStart, size uint64) error {
	dr, err := s.domainRegionsFor(cell)
	if err != nil {
		return err
	}
	_, err = dr.remove(virtStart, size)
	return err
}

func (s *SMMUv2) AddPCIDevice(cell CellID, sourceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, ok := s.bankOf[cell]
	if !ok {
		return fmt.Errorf("smmuv2: cell %d has no context bank: %w", cell, jhsys.ENOENT)
	}
	s.streamMatches[sourceID] = bank
	return nil
}

func (s *SMMUv2) RemovePCIDevice(cell CellID, sourceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, matched := s.streamMatches[sourceID]
	if !matched || s.bankOf[cell] != bank {
		return fmt.Errorf("smmuv2: source-id %#x not attached to cell %d: %w", sourceID, cell, jhsys.ENOENT)
	}
	delete(s.streamMatches, sourceID)
	return nil
}

func (s *SMMUv2) ConfigCommit(cell CellID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bankOf[cell]; !ok {
		return fmt.Errorf("smmuv2: cell %d has no context bank: %w", cell, jhsys.ENOENT)
	}
	return nil
}

// SMMU-v2 has no dedicated MSI translation table of its own: MSIs from
// devices behind an SMMU still route through the platform's GIC ITS, so
// remap indices are assigned from a simple monotonic counter representing
// ITS collection entries.
var smmuV2ITSCounter struct {
	mu  sync.Mutex
	nxt uint32
}

func (s *SMMUv2) MapInterrupt(sourceID uint32, address uint64, data uint32) (uint32, error) {
	smmuV2ITSCounter.mu.Lock()
	defer smmuV2ITSCounter.mu.Unlock()
	idx := smmuV2ITSCounter.nxt
	smmuV2ITSCounter.nxt++
	return idx, nil
}

func (s *SMMUv2) UnmapInterrupt(remapIndex uint32) {}

func (s *SMMUv2) RecordFault(f Fault) { s.faults.record(f) }

func (s *SMMUv2) CheckPendingFaults() []Fault { return s.faults.drain() }

func (s *SMMUv2) Shutdown() error { return nil }
