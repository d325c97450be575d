// Package cellmgr implements the cell manager (§4.9): a fixed arena of
// cell slots indexed by id, the cell lifecycle state machine
// (SHUT_DOWN/RUNNING/RUNNING_LOCKED/FAILED/FAILED_COMM_REV), the
// hypercall dispatcher guests use to drive that state machine, and the
// reconfiguration lock serializing Create/SetLoadable/Start/Destroy
// against each other. Grounded on §9's "fixed arena + free-list index,
// not a map" design note (mirroring the teacher's internal/pagepool
// fixed-arena shape one level up: cells instead of pages) and on the
// teacher's internal/hv/common.go VirtualMachine.VirtualCPUCall pattern
// for addressing one of several owned units by index.
package cellmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jailhouse-go/jailhouse/internal/config"
	"github.com/jailhouse-go/jailhouse/internal/fault"
	"github.com/jailhouse-go/jailhouse/internal/hv"
	"github.com/jailhouse-go/jailhouse/internal/iommu"
	"github.com/jailhouse-go/jailhouse/internal/irqchip"
	"github.com/jailhouse-go/jailhouse/internal/jhsys"
	"github.com/jailhouse-go/jailhouse/internal/pagepool"
	"github.com/jailhouse-go/jailhouse/internal/pci"
)

// MaxCells bounds the cell arena; real Jailhouse derives this from the
// root cell's system configuration, but a fixed compile-time ceiling
// keeps the arena a flat array instead of a growable slice, per §9.
const MaxCells = 64

// defaultMsgReplyTimeout is the comm-page shutdown handshake timeout
// (§4.9) used when a cell's config leaves msg_reply_timeout at zero.
// shutdownPollInterval is how often Destroy re-checks ReplyFromCell
// while waiting.
const (
	defaultMsgReplyTimeout = 50 * time.Millisecond
	shutdownPollInterval   = 1 * time.Millisecond
)

// State is a cell's lifecycle state (§5).
type State int32

const (
	StateShutDown State = iota
	StateRunning
	StateRunningLocked
	StateFailed
	StateFailedCommRev
)

func (s State) String() string {
	switch s {
	case StateShutDown:
		return "SHUT_DOWN"
	case StateRunning:
		return "RUNNING"
	case StateRunningLocked:
		return "RUNNING_LOCKED"
	case StateFailed:
		return "FAILED"
	case StateFailedCommRev:
		return "FAILED_COMM_REV"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cell is one partition's bookkeeping in the manager's arena.
type Cell struct {
	mu sync.Mutex

	ID     uint32
	Name   string
	state  State
	config *config.CellConfig

	cpus    []uint32
	loaded  bool
	devices []pci.BDF

	comm *config.CommRegion
}

func (c *Cell) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cell) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Manager owns the cell arena and every subsystem a cell's lifecycle
// touches: the PCI ownership registry, the selected IOMMU unit, the
// selected IRQ chip, and the fault aggregator.
type Manager struct {
	// reconfig serializes every structural operation (Create, SetLoadable,
	// Start, Destroy) against every other one, per §5's reconfiguration
	// lock: at most one cell's lifecycle transition is ever in flight.
	reconfig sync.Mutex

	mu    sync.Mutex
	cells [MaxCells]*Cell
	root  *Cell

	pci     *pci.Registry
	iommu   iommu.Unit
	irq     irqchip.Chip
	faults  *fault.Aggregator
	physmem *hv.AddressSpace

	// memPool/remapPool back HYPERVISOR_GET_INFO's pool occupancy fields
	// (§4.9, §6); both are optional (nil reports zero occupancy) since a
	// Manager used purely for lifecycle-state unit tests has no backing
	// arena to report on.
	memPool   *pagepool.Pool
	remapPool *pagepool.Pool

	log *slog.Logger
}

// SetPools wires the page pools HYPERVISOR_GET_INFO reports occupancy
// for (§4.1, §4.9). Either argument may be nil.
func (m *Manager) SetPools(mem, remap *pagepool.Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memPool = mem
	m.remapPool = remap
}

// New constructs a manager with an already-running root cell occupying
// slot 0, owning every CPU named in rootCfg. reservedMemSize arbitrates
// physical address ranges for regions a cell config leaves for the
// hypervisor to place (currently just auto-assigned ivshmem windows); it
// should cover every region named by any cell config's memory_regions so
// auto-placement never collides with an operator-fixed one.
func New(rootCfg *config.CellConfig, pciReg *pci.Registry, iommuUnit iommu.Unit, irqChip irqchip.Chip, faults *fault.Aggregator, reservedMemSize uint64, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := rootCfg.Validate(); err != nil {
		return nil, fmt.Errorf("cellmgr: invalid root cell config: %w", err)
	}
	physmem := hv.NewAddressSpace(reservedMemSize)
	m := &Manager{pci: pciReg, iommu: iommuUnit, irq: irqChip, faults: faults, physmem: physmem, log: log.With("component", "cellmgr")}

	root := &Cell{ID: 0, Name: rootCfg.Name, state: StateRunning, config: rootCfg, cpus: append([]uint32(nil), rootCfg.CPUs...), comm: config.NewCommRegion()}
	root.comm.CellState = config.CellStateRunning
	for _, cpu := range root.cpus {
		if err := irqChip.AssignCPU(irqchip.CPUID(cpu), 0); err != nil {
			return nil, fmt.Errorf("cellmgr: assign root cpu %d: %w", cpu, err)
		}
	}
	if err := iommuUnit.CellInit(iommu.CellID(0)); err != nil {
		return nil, fmt.Errorf("cellmgr: iommu init for root cell: %w", err)
	}
	m.cells[0] = root
	m.root = root
	return m, nil
}

// claimSlot validates that id/name don't conflict with any existing
// cell (§4.9: "no name or id conflict with any existing cell"; §8 B2:
// a duplicate id fails with EEXIST) and that id fits the arena; the slot
// itself is filled at the end of Create, under m.reconfig. Cell
// ids are assigned by the configuration, not auto-allocated, the way
// real Jailhouse's userspace tool picks an id when it writes the cell
// configuration.
func (m *Manager) claimSlot(id uint32, name string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || id >= MaxCells {
		return 0, fmt.Errorf("cellmgr: cell id %d out of range [1,%d): %w", id, MaxCells, jhsys.ERANGE)
	}
	for _, c := range m.cells {
		if c == nil {
			continue
		}
		if c.ID == id {
			return 0, fmt.Errorf("cellmgr: cell id %d already in use by %q: %w", id, c.Name, jhsys.EEXIST)
		}
		if c.Name == name {
			return 0, fmt.Errorf("cellmgr: cell name %q already in use (id %d): %w", name, c.ID, jhsys.EEXIST)
		}
	}
	return id, nil
}

func (m *Manager) cellAt(id uint32) (*Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id >= MaxCells || m.cells[id] == nil {
		return nil, fmt.Errorf("cellmgr: no cell with id %d: %w", id, jhsys.ENOENT)
	}
	return m.cells[id], nil
}

// Create implements the CELL_CREATE hypercall (§4.9): validates cfg,
// claims an arena slot and the CPUs/PCI devices it names (which must
// currently belong to the root cell), and leaves the new cell in
// SHUT_DOWN. Every partial claim is rolled back if a later step fails.
func (m *Manager) Create(cfg *config.CellConfig) (*Cell, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.reconfig.Lock()
	defer m.reconfig.Unlock()

	id, err := m.claimSlot(cfg.ID, cfg.Name)
	if err != nil {
		return nil, err
	}

	claimedCPUs := make([]uint32, 0, len(cfg.CPUs))
	rollbackCPUs := func() {
		for _, cpu := range claimedCPUs {
			m.irq.UnassignCPU(irqchip.CPUID(cpu))
			_ = m.irq.AssignCPU(irqchip.CPUID(cpu), m.root.ID)
			m.root.reclaimCPU(cpu)
		}
	}
	for _, cpu := range cfg.CPUs {
		if err := m.root.releaseCPU(cpu); err != nil {
			rollbackCPUs()
			return nil, fmt.Errorf("cellmgr: cpu %d not available from root cell: %w", cpu, err)
		}
		claimedCPUs = append(claimedCPUs, cpu)
		m.irq.UnassignCPU(irqchip.CPUID(cpu))
		if err := m.irq.AssignCPU(irqchip.CPUID(cpu), id); err != nil {
			rollbackCPUs()
			return nil, fmt.Errorf("cellmgr: assign cpu %d: %w", cpu, err)
		}
	}

	if err := m.iommu.CellInit(iommu.CellID(id)); err != nil {
		rollbackCPUs()
		return nil, fmt.Errorf("cellmgr: iommu cell init: %w", err)
	}

	var claimedDevices []pci.BDF
	rollbackDevices := func() {
		for _, bdf := range claimedDevices {
			_ = m.pci.AssignToCell(bdf, m.root.ID)
		}
	}
	for i := range cfg.PCIDevices {
		d := &cfg.PCIDevices[i]
		if d.IsIVSHMEM && d.ShmemPhys == 0 {
			alloc, err := m.physmem.Allocate(hv.MMIOAllocationRequest{
				Name:      fmt.Sprintf("ivshmem-%02x:%02x.%x", d.Bus, d.Device, d.Function),
				Size:      d.ShmemSize,
				Alignment: 0x1000,
			})
			if err != nil {
				rollbackDevices()
				_ = m.iommu.CellExit(iommu.CellID(id))
				rollbackCPUs()
				return nil, fmt.Errorf("cellmgr: auto-place ivshmem region: %w", err)
			}
			d.ShmemPhys = alloc.Base
		}
		bdf := pci.BDF{Bus: d.Bus, Device: d.Device, Function: d.Function}
		if err := m.pci.AssignToCell(bdf, id); err != nil {
			rollbackDevices()
			_ = m.iommu.CellExit(iommu.CellID(id))
			rollbackCPUs()
			return nil, fmt.Errorf("cellmgr: assign pci device %s: %w", bdf, err)
		}
		claimedDevices = append(claimedDevices, bdf)
		if err := m.iommu.AddPCIDevice(iommu.CellID(id), sourceID(bdf)); err != nil {
			rollbackDevices()
			_ = m.iommu.CellExit(iommu.CellID(id))
			rollbackCPUs()
			return nil, fmt.Errorf("cellmgr: attach pci device %s to iommu domain: %w", bdf, err)
		}
	}

	for _, r := range cfg.MemoryRegions {
		if !r.DMA {
			continue
		}
		region := iommu.MemoryRegion{PhysStart: r.PhysStart, VirtStart: r.VirtStart, Size: r.Size, ReadOnly: r.ReadOnly, NoExecute: r.NoExecute}
		if err := m.iommu.MapMemoryRegion(iommu.CellID(id), region); err != nil {
			rollbackDevices()
			_ = m.iommu.CellExit(iommu.CellID(id))
			rollbackCPUs()
			return nil, fmt.Errorf("cellmgr: map memory region: %w", err)
		}
	}
	if err := m.iommu.ConfigCommit(iommu.CellID(id)); err != nil {
		rollbackDevices()
		_ = m.iommu.CellExit(iommu.CellID(id))
		rollbackCPUs()
		return nil, fmt.Errorf("cellmgr: commit iommu config: %w", err)
	}

	cell := &Cell{
		ID:      id,
		Name:    cfg.Name,
		state:   StateShutDown,
		config:  cfg,
		cpus:    claimedCPUs,
		devices: claimedDevices,
		comm:    config.NewCommRegion(),
	}
	m.mu.Lock()
	m.cells[id] = cell
	m.mu.Unlock()

	m.log.Info("cell created", "id", id, "name", cfg.Name, "cpus", claimedCPUs)
	return cell, nil
}

func sourceID(bdf pci.BDF) uint32 {
	return uint32(bdf.Bus)<<8 | uint32(bdf.Device)<<3 | uint32(bdf.Function)
}

// releaseCPU marks cpu as no longer belonging to the root cell's active
// set; it is re-added on cell destruction.
func (c *Cell) releaseCPU(cpu uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, owned := range c.cpus {
		if owned == cpu {
			c.cpus = append(c.cpus[:i], c.cpus[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("cpu %d not owned: %w", cpu, jhsys.EBUSY)
}

func (c *Cell) reclaimCPU(cpu uint32) {
	c.mu.Lock()
	c.cpus = append(c.cpus, cpu)
	c.mu.Unlock()
}

// SetLoadable implements CELL_SET_LOADABLE: a cell in SHUT_DOWN becomes
// eligible to have its initial image contents written into its memory
// regions by the root cell's loader tool; the cell's own CPUs remain
// parked until Start.
func (m *Manager) SetLoadable(id uint32) error {
	m.reconfig.Lock()
	defer m.reconfig.Unlock()
	cell, err := m.cellAt(id)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.state != StateShutDown {
		return fmt.Errorf("cellmgr: SetLoadable on cell %d in state %s: %w", id, cell.state, jhsys.EINVAL)
	}
	cell.loaded = true
	return nil
}

// Start implements CELL_START: a loadable cell transitions to RUNNING and
// its comm region begins reflecting that state to the guest.
func (m *Manager) Start(id uint32) error {
	m.reconfig.Lock()
	defer m.reconfig.Unlock()
	cell, err := m.cellAt(id)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.state != StateShutDown || !cell.loaded {
		return fmt.Errorf("cellmgr: Start on cell %d in state %s (loaded=%v): %w", id, cell.state, cell.loaded, jhsys.EINVAL)
	}
	cell.state = StateRunning
	cell.comm.CellState = config.CellStateRunning
	m.log.Info("cell started", "id", id, "name", cell.Name)
	return nil
}

// requestShutdown runs the §4.9 comm-page shutdown handshake: it posts
// MsgShutdownRequest into the cell's comm page and polls ReplyFromCell
// until the cell answers or its msg_reply_timeout elapses. A
// PassiveCommRegion cell never polls its own comm page, so it is
// granted an automatic APPROVED instead of being waited on. Reports
// whether the cell replied in time.
func (m *Manager) requestShutdown(cell *Cell) bool {
	cell.mu.Lock()
	if cell.config != nil && cell.config.PassiveCommRegion {
		cell.comm.ReplyFromCell = config.ReplyApproved
		cell.mu.Unlock()
		return true
	}
	timeout := defaultMsgReplyTimeout
	if cell.config != nil && cell.config.MsgReplyTimeout > 0 {
		timeout = time.Duration(cell.config.MsgReplyTimeout) * time.Millisecond
	}
	cell.comm.MsgToCell = config.MsgShutdownRequest
	cell.comm.ReplyFromCell = config.ReplyNone
	cell.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cell.mu.Lock()
		replied := cell.comm.ReplyFromCell != config.ReplyNone
		cell.mu.Unlock()
		if replied {
			return true
		}
		time.Sleep(shutdownPollInterval)
	}
	return false
}

// AckShutdown answers a pending shutdown request on behalf of cell id's
// guest (§4.9). A real guest kernel does this by writing its own mapped
// comm page; this entry point lets an in-process caller (or a test)
// drive the same handshake without a real vCPU.
func (m *Manager) AckShutdown(id uint32, reply config.CommReply) error {
	cell, err := m.cellAt(id)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.comm.MsgToCell != config.MsgShutdownRequest {
		return fmt.Errorf("cellmgr: cell %d has no pending shutdown request: %w", id, jhsys.EINVAL)
	}
	cell.comm.ReplyFromCell = reply
	return nil
}

// Destroy implements CELL_DESTROY: runs the comm-page shutdown handshake
// against a running cell (forcing it to FAILED if it doesn't acknowledge
// within its msg_reply_timeout, per §8 scenario 6), then tears down its
// IOMMU domain, returns its PCI devices and CPUs to the root cell, and
// frees its arena slot. Destroy is permitted from any state (including
// FAILED), matching §5's "destroying a failed cell is always allowed"
// invariant.
func (m *Manager) Destroy(id uint32) error {
	if id == 0 {
		return fmt.Errorf("cellmgr: cannot destroy the root cell: %w", jhsys.EPERM)
	}
	m.reconfig.Lock()
	defer m.reconfig.Unlock()
	cell, err := m.cellAt(id)
	if err != nil {
		return err
	}

	cell.mu.Lock()
	needsHandshake := cell.state == StateRunning || cell.state == StateRunningLocked
	cell.mu.Unlock()
	if needsHandshake && !m.requestShutdown(cell) {
		m.log.Warn("cell did not acknowledge shutdown before msg_reply_timeout, forcing FAILED", "id", id, "name", cell.Name)
		cell.mu.Lock()
		cell.state = StateFailed
		cell.comm.CellState = config.CellStateFailed
		cell.mu.Unlock()
	}

	for _, bdf := range m.pci.ReturnToRoot(id) {
		_ = m.iommu.RemovePCIDevice(iommu.CellID(id), sourceID(bdf))
	}
	if err := m.iommu.CellExit(iommu.CellID(id)); err != nil {
		m.log.Warn("iommu cell exit failed during destroy", "id", id, "err", err)
	}

	cell.mu.Lock()
	cpus := append([]uint32(nil), cell.cpus...)
	cell.mu.Unlock()
	for _, cpu := range cpus {
		m.irq.UnassignCPU(irqchip.CPUID(cpu))
		if err := m.irq.AssignCPU(irqchip.CPUID(cpu), m.root.ID); err != nil {
			m.log.Warn("failed to return cpu to root cell", "cpu", cpu, "err", err)
		}
		m.root.reclaimCPU(cpu)
	}

	m.mu.Lock()
	m.cells[id] = nil
	m.mu.Unlock()

	m.log.Info("cell destroyed", "id", id, "name", cell.Name)
	return nil
}

// Fail implements the comm-page reply-timeout path (§5, §8): a cell that
// does not answer a hypervisor request in time (or that the NMI fault
// path has deemed unrecoverable) moves to FAILED, from which only
// Destroy is accepted.
func (m *Manager) Fail(id uint32, reason string) error {
	cell, err := m.cellAt(id)
	if err != nil {
		return err
	}
	cell.setState(StateFailed)
	cell.mu.Lock()
	cell.comm.CellState = config.CellStateFailed
	cell.mu.Unlock()
	m.log.Error("cell failed", "id", id, "name", cell.Name, "reason", reason)
	return nil
}

// FailCommRevMismatch is the comm-region-specific failure mode (§6):
// raised when a cell's kernel reports a comm-region revision the
// hypervisor does not understand, distinct from a generic Fail since the
// hypervisor can no longer trust that cell's comm region at all.
func (m *Manager) FailCommRevMismatch(id uint32) error {
	cell, err := m.cellAt(id)
	if err != nil {
		return err
	}
	cell.setState(StateFailedCommRev)
	cell.mu.Lock()
	cell.comm.CellState = config.CellStateFailedCommRev
	cell.mu.Unlock()
	m.log.Error("cell comm region revision mismatch", "id", id, "name", cell.Name)
	return nil
}

// Lock implements RUNNING -> RUNNING_LOCKED: a cell requests exclusive
// ownership of its CPU set for the duration of some operation it does
// not want the reconfiguration lock to interleave with (§5).
func (m *Manager) Lock(id uint32) error {
	cell, err := m.cellAt(id)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.state != StateRunning {
		return fmt.Errorf("cellmgr: Lock on cell %d in state %s: %w", id, cell.state, jhsys.EINVAL)
	}
	cell.state = StateRunningLocked
	return nil
}

// Unlock reverses Lock.
func (m *Manager) Unlock(id uint32) error {
	cell, err := m.cellAt(id)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.state != StateRunningLocked {
		return fmt.Errorf("cellmgr: Unlock on cell %d in state %s: %w", id, cell.state, jhsys.EINVAL)
	}
	cell.state = StateRunning
	return nil
}

// GetState returns the cell's internal lifecycle state (§5), distinct
// from the §6 comm-page cell_state value CELL_GET_STATE hands to a
// guest: see CommState.
func (m *Manager) GetState(id uint32) (State, error) {
	cell, err := m.cellAt(id)
	if err != nil {
		return 0, err
	}
	return cell.State(), nil
}

// CommState implements CELL_GET_STATE (§4.9: "returns the comm-page
// cell_state, validated"): it reads the guest-visible cell_state word
// out of the comm region rather than the internal lifecycle enum, and
// rejects a value outside the five defined members as an internal
// consistency fault per the original_source-derived supplemented
// behavior (see DESIGN.md).
func (m *Manager) CommState(id uint32) (config.CellState, error) {
	cell, err := m.cellAt(id)
	if err != nil {
		return 0, err
	}
	cell.mu.Lock()
	st := cell.comm.CellState
	cell.mu.Unlock()

	switch st {
	case config.CellStateRunning, config.CellStateRunningLocked, config.CellStateShutDown,
		config.CellStateFailed, config.CellStateFailedCommRev:
		return st, nil
	default:
		return 0, fmt.Errorf("cellmgr: cell %d comm region cell_state %d outside defined range: %w", id, st, jhsys.EINVAL)
	}
}

// Root returns the root cell.
func (m *Manager) Root() *Cell { return m.root }
