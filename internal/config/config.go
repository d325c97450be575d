// Package config decodes the system and cell configuration blobs (§3, §6)
// carried as YAML documents, and defines the comm-region layout shared
// between a cell's guest and the hypervisor. Grounded on the teacher's
// use of gopkg.in/yaml.v3 for on-disk configuration (internal/oci's
// image-config decoding follows the same decode-then-validate shape this
// package uses) generalized from container-image metadata into
// hypervisor partitioning tables.
package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

const (
	SystemSignature = "JHSYST"
	CellSignature   = "JHCELL"
	CurrentRevision = 1
)

// MemoryRegion is one memory region entry within a cell configuration
// (§3's per-cell memory region list, shared with internal/iommu.MemoryRegion
// and internal/paging.Flags once resolved into runtime form).
type MemoryRegion struct {
	PhysStart uint64 `yaml:"phys_start"`
	VirtStart uint64 `yaml:"virt_start"`
	Size      uint64 `yaml:"size"`
	ReadOnly  bool   `yaml:"read_only"`
	NoExecute bool   `yaml:"no_execute"`
	DMA       bool   `yaml:"dma"` // also mapped into the IOMMU domain
}

// PCIDevice is one PCI device entry within a cell configuration.
type PCIDevice struct {
	Bus         uint8    `yaml:"bus"`
	Device      uint8    `yaml:"device"`
	Function    uint8    `yaml:"function"`
	BARMask     [6]uint32 `yaml:"bar_mask"`
	IsBridge    bool     `yaml:"is_bridge"`
	IsIVSHMEM   bool     `yaml:"is_ivshmem"`
	ShmemPhys   uint64   `yaml:"shmem_phys,omitempty"`
	ShmemSize   uint64   `yaml:"shmem_size,omitempty"`
}

// IRQLine is one physical IRQ handed to a cell.
type IRQLine struct {
	Number uint32 `yaml:"number"`
}

// CellConfig is the per-cell configuration blob (§3).
type CellConfig struct {
	Signature string `yaml:"signature"`
	Revision  uint16 `yaml:"revision"`

	// ID is the cell's stable numeric id (§3); left at zero in the root
	// cell's embedded config (the root cell is always id 0 and never
	// goes through CELL_CREATE's id-conflict check).
	ID   uint32   `yaml:"id"`
	Name string   `yaml:"name"`
	CPUs []uint32 `yaml:"cpus"`

	MemoryRegions []MemoryRegion `yaml:"memory_regions"`
	PCIDevices    []PCIDevice    `yaml:"pci_devices"`
	IRQLines      []IRQLine      `yaml:"irq_lines"`

	ConsolePresent bool `yaml:"console_present"`

	// MsgReplyTimeout bounds, in milliseconds, how long the cell manager
	// waits for ReplyFromCell during cell destroy before forcing the
	// cell to FAILED and tearing it down anyway (§4.9, §8 scenario 6).
	// Zero means "use the manager's default".
	MsgReplyTimeout uint32 `yaml:"msg_reply_timeout"`

	// PassiveCommRegion cells are treated as implicit APPROVED for any
	// comm-page request (§4.9's "PASSIVE_COMMREG flag") - their guest
	// never polls or answers msg_to_cell.
	PassiveCommRegion bool `yaml:"passive_commregion"`
}

// Validate checks the cell configuration's self-describing header and
// internal consistency, per §7's "malformed configuration is EINVAL, not
// a panic".
func (c *CellConfig) Validate() error {
	if c.Signature != CellSignature {
		return fmt.Errorf("cell config: bad signature %q: %w", c.Signature, jhsys.EINVAL)
	}
	if c.Revision != CurrentRevision {
		return fmt.Errorf("cell config: unsupported revision %d: %w", c.Revision, jhsys.EINVAL)
	}
	if c.Name == "" {
		return fmt.Errorf("cell config: empty name: %w", jhsys.EINVAL)
	}
	if len(c.CPUs) == 0 {
		return fmt.Errorf("cell config %q: no CPUs assigned: %w", c.Name, jhsys.EINVAL)
	}
	seenCPU := make(map[uint32]bool, len(c.CPUs))
	for _, cpu := range c.CPUs {
		if seenCPU[cpu] {
			return fmt.Errorf("cell config %q: cpu %d listed twice: %w", c.Name, cpu, jhsys.EINVAL)
		}
		seenCPU[cpu] = true
	}
	for i, r := range c.MemoryRegions {
		if r.Size == 0 {
			return fmt.Errorf("cell config %q: memory region %d has zero size: %w", c.Name, i, jhsys.EINVAL)
		}
	}
	for i, d := range c.PCIDevices {
		if d.IsIVSHMEM && (d.ShmemSize == 0) {
			return fmt.Errorf("cell config %q: ivshmem device %d has zero shmem_size: %w", c.Name, i, jhsys.EINVAL)
		}
	}
	return nil
}

// SystemConfig is the top-level system configuration blob (§3): platform
// description plus the root cell's own configuration, since the root
// cell is not created through the normal CELL_CREATE hypercall path.
type SystemConfig struct {
	Signature string `yaml:"signature"`
	Revision  uint16 `yaml:"revision"`

	HypervisorMemSize uint64 `yaml:"hypervisor_mem_size"`
	RemapPoolSize     uint64 `yaml:"remap_pool_size"`

	RootCell CellConfig `yaml:"root_cell"`

	IOMMUVariant string `yaml:"iommu_variant"` // "vtd", "smmuv2", "smmuv3", "pvu"
	IRQChipKind  string `yaml:"irq_chip"`      // "lapic", "gicv2", "gicv3"
}

// Validate checks the system configuration's header, the embedded root
// cell configuration, and the selected IOMMU/IRQ-chip variant names.
func (s *SystemConfig) Validate() error {
	if s.Signature != SystemSignature {
		return fmt.Errorf("system config: bad signature %q: %w", s.Signature, jhsys.EINVAL)
	}
	if s.Revision != CurrentRevision {
		return fmt.Errorf("system config: unsupported revision %d: %w", s.Revision, jhsys.EINVAL)
	}
	if s.HypervisorMemSize == 0 {
		return fmt.Errorf("system config: hypervisor_mem_size must be non-zero: %w", jhsys.EINVAL)
	}
	switch s.IOMMUVariant {
	case "vtd", "smmuv2", "smmuv3", "pvu":
	default:
		return fmt.Errorf("system config: unknown iommu_variant %q: %w", s.IOMMUVariant, jhsys.EINVAL)
	}
	switch s.IRQChipKind {
	case "lapic", "gicv2", "gicv3":
	default:
		return fmt.Errorf("system config: unknown irq_chip %q: %w", s.IRQChipKind, jhsys.EINVAL)
	}
	if err := s.RootCell.Validate(); err != nil {
		return fmt.Errorf("system config: root cell: %w", err)
	}
	return nil
}

// DecodeSystemConfig reads and validates a system configuration blob.
func DecodeSystemConfig(r io.Reader) (*SystemConfig, error) {
	var cfg SystemConfig
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("system config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecodeCellConfig reads and validates a standalone cell configuration
// blob, as submitted through the CELL_CREATE hypercall payload.
func DecodeCellConfig(r io.Reader) (*CellConfig, error) {
	var cfg CellConfig
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("cell config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CellState is the cell lifecycle state exposed to the guest through the
// comm region (§5, §6). The numeric values are pinned by §6's guest ABI
// and must not be reordered.
type CellState uint32

const (
	CellStateRunning       CellState = 0
	CellStateRunningLocked CellState = 1
	CellStateShutDown      CellState = 2
	CellStateFailed        CellState = 3
	CellStateFailedCommRev CellState = 4
)

// CommMessage is the guest/hypervisor command channel carried in the
// comm region (§6): the hypervisor writes a message such as
// MsgShutdownRequest to MsgToCell and polls ReplyFromCell for the cell's
// answer, giving up after the configured reply timeout.
type CommMessage uint32

const (
	MsgNone CommMessage = iota
	MsgShutdownRequest
	MsgReconfigure
)

// CommReply is the guest's answer to MsgToCell, carried in
// ReplyFromCell (§4.9: "APPROVED/DENIED/RECEIVED").
type CommReply uint32

const (
	ReplyNone CommReply = iota
	ReplyApproved
	ReplyDenied
	ReplyReceived
)

// CommRegion is the fixed-layout, guest-mapped control page through
// which a cell's kernel observes its own state and responds to
// hypervisor-initiated requests (§6). Field order and width are part of
// the stable guest ABI the comm region exposes, so it intentionally
// mirrors a C struct layout instead of using Go-idiomatic types
// throughout.
type CommRegion struct {
	Signature     [16]byte
	Revision      uint32
	CellState     CellState
	MsgToCell     CommMessage
	ReplyFromCell CommReply
	MsgToHost     CommMessage
	FaultCount    uint32
}

// CommSignature is §6's comm-region signature, "JHCOMMRG", stored as the
// full 16-byte guest-visible field (trailing bytes zero).
const CommSignature = "JHCOMMRG"

// NewCommRegion returns a zeroed comm region stamped with the current
// signature/revision, as placed at the well-known guest-physical address
// every cell's kernel is told about at boot.
func NewCommRegion() *CommRegion {
	var cr CommRegion
	copy(cr.Signature[:], CommSignature)
	cr.Revision = CurrentRevision
	cr.CellState = CellStateShutDown
	return &cr
}
