// Package pci implements the config-space moderation layer (§4.4): a
// per-register ALLOW/DENY/RDONLY policy table, BAR shadowing, and
// MSI/MSI-X capability shadowing with IOMMU-remap hooks. Grounded on the
// teacher's internal/devices/pci/host.go (ECAM-style HostBridge, BAR
// shadow array, device registry under a single mutex) but reworked from a
// "pass everything through to a software-emulated device" bridge into the
// "moderate the hardware device's config space for a passthrough guest"
// bridge the spec actually describes: every dword access is checked
// against fixed per-offset tables before reaching (simulated) hardware,
// and ownership transfers between cells instead of between a fixed
// software bridge and its endpoints.
package pci

import (
	"fmt"
	"sync"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// AccessType is the policy verdict for a register.
type AccessType int

const (
	Deny AccessType = iota
	Allow
	ReadOnly
)

// RegPolicy describes the access policy for one 4-byte config-space register.
type RegPolicy struct {
	Type     AccessType
	ByteMask uint32 // which byte lanes of a write are permitted when Type==Allow
}

// PolicyTable is indexed by offset/4 (one entry per dword register).
type PolicyTable []RegPolicy

func (t PolicyTable) at(offset uint16) RegPolicy {
	idx := int(offset / 4)
	if idx < 0 || idx >= len(t) {
		return RegPolicy{Type: Deny}
	}
	return t[idx]
}

// Standard config-space offsets used by the special-cased registers in §4.4.
const (
	OffVendorID     = 0x00
	OffCommand      = 0x04
	OffBAR0         = 0x10
	OffCapPointer   = 0x34
	numBARs         = 6
	cmdBusMasterBit = 1 << 2
	cmdMemSpaceBit  = 1 << 1
)

// DefaultEndpointPolicy is a minimal endpoint table: header (vendor/device/
// class, read-only), command register (Allow on every byte lane; the
// special-cased writeCommand keeps only the two moderated bits), status/revision read-only,
// BARs allowed (they're shadowed, see WriteConfig), everything else denied.
func DefaultEndpointPolicy() PolicyTable {
	t := make(PolicyTable, 64)
	for i := range t {
		t[i] = RegPolicy{Type: Deny}
	}
	t[OffVendorID/4] = RegPolicy{Type: ReadOnly}
	t[OffCommand/4] = RegPolicy{Type: Allow, ByteMask: 0xFFFFFFFF}
	t[0x08/4] = RegPolicy{Type: ReadOnly} // class code / revision
	for i := 0; i < numBARs; i++ {
		t[(OffBAR0+i*4)/4] = RegPolicy{Type: Allow, ByteMask: 0xFFFFFFFF}
	}
	return t
}

// DefaultBridgePolicy mirrors DefaultEndpointPolicy for type-1 (bridge)
// headers, per §4.4's "two fixed tables (endpoint, bridge)".
func DefaultBridgePolicy() PolicyTable {
	t := make(PolicyTable, 64)
	for i := range t {
		t[i] = RegPolicy{Type: Deny}
	}
	t[OffVendorID/4] = RegPolicy{Type: ReadOnly}
	t[OffCommand/4] = RegPolicy{Type: Allow, ByteMask: 0xFFFFFFFF}
	return t
}

// MSICapability shadows a device's MSI capability registers.
type MSICapability struct {
	Offset  uint16
	Is64Bit bool
	Address uint64
	Data    uint32
	Masked  uint32
	Enabled bool
}

// MSIXVector is one entry of a shadowed MSI-X table.
type MSIXVector struct {
	Address uint64
	Data    uint32
	Masked  bool
}

// MSIXCapability shadows a device's MSI-X capability and table.
type MSIXCapability struct {
	Offset       uint16
	Enabled      bool
	FunctionMask bool
	Vectors      []MSIXVector
}

// IRQRemapper translates an MSI/MSI-X address/data pair into a routed
// vector via the IOMMU's interrupt-remap table (x86 IRTE / ARM GIC
// ITS), per §4.4's "translate_msi_vector". Declared here so that pci
// does not import internal/iommu; the iommu units expose the same
// operation as MapInterrupt/UnmapInterrupt and do not satisfy this
// interface directly.
type IRQRemapper interface {
	MapMSI(sourceID uint32, address uint64, data uint32) (remapIndex uint32, err error)
	UnmapMSI(remapIndex uint32)
}

// BDF identifies a PCI function.
type BDF struct {
	Bus, Device, Function uint8
}

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus, b.Device, b.Function)
}

// StaticInfo is the immutable per-device description carried in the cell
// configuration (§3 "PCI device record").
type StaticInfo struct {
	BDF            BDF
	Class          uint32
	BARMask        [numBARs]uint32
	NumMSIVectors  int
	MSI64Bit       bool
	NumMSIXVectors int
	IsBridge       bool
	IsIVSHMEM      bool
}

// Device is the mutable runtime record for a PCI function (§3 "PCI device
// record").
type Device struct {
	mu sync.Mutex

	Info      StaticInfo
	OwnerCell uint32
	policy    PolicyTable

	command  uint32
	shadowBA [numBARs]uint32

	msi  MSICapability
	msix MSIXCapability

	remapper IRQRemapper

	// memSpaceHook is invoked when the MEM_SPACE command bit changes;
	// installed by an owning device (ivshmem) via SetMemSpaceHook.
	memSpaceHook func(enabled bool)

	// IVSHMEM is set when Info.IsIVSHMEM; kept as `any` to avoid an
	// import cycle with internal/ivshmem.
	IVSHMEM any
}

// NewDevice constructs a device record owned initially by the root cell.
func NewDevice(info StaticInfo, rootCellID uint32, remapper IRQRemapper) *Device {
	policy := DefaultEndpointPolicy()
	if info.IsBridge {
		policy = DefaultBridgePolicy()
	}
	d := &Device{
		Info:      info,
		OwnerCell: rootCellID,
		policy:    policy,
		remapper:  remapper,
	}
	if info.NumMSIXVectors > 0 {
		d.msix.Vectors = make([]MSIXVector, info.NumMSIXVectors)
	}
	return d
}

// ReadConfig implements a dword-granular config-space read moderated by
// the policy table; registers with no ALLOW/RDONLY entry read as the
// shadow value (0 if never written) rather than faulting, matching real
// PCI semantics for reserved registers.
func (d *Device) ReadConfig(offset uint16, size uint8) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset &^ 3 {
	case OffCommand:
		return d.command, nil
	case OffBAR0, OffBAR0 + 4, OffBAR0 + 8, OffBAR0 + 12, OffBAR0 + 16, OffBAR0 + 20:
		idx := int((offset - OffBAR0) / 4)
		return d.shadowBA[idx], nil
	}
	return 0, nil
}

// WriteConfig applies §4.4's policy: a write is rejected unless every
// byte-lane it touches overlaps an ALLOW mask; special-cased registers
// (command, BARs, MSI, MSI-X) get additional behavior layered on top.
func (d *Device) WriteConfig(offset uint16, size uint8, value uint32) error {
	policy := d.policy.at(offset)
	if policy.Type == Deny || policy.Type == ReadOnly {
		return fmt.Errorf("pci %s: write to offset %#x denied: %w", d.Info.BDF, offset, jhsys.EPERM)
	}

	laneMask := byteLanesMask(offset, size)
	if laneMask&^policy.ByteMask != 0 {
		return fmt.Errorf("pci %s: write to offset %#x touches non-writable byte lanes: %w", d.Info.BDF, offset, jhsys.EPERM)
	}

	switch offset &^ 3 {
	case OffCommand:
		return d.writeCommand(value)
	case OffBAR0, OffBAR0 + 4, OffBAR0 + 8, OffBAR0 + 12, OffBAR0 + 16, OffBAR0 + 20:
		idx := int((offset - OffBAR0) / 4)
		return d.writeBAR(idx, value)
	}
	return nil
}

func byteLanesMask(offset uint16, size uint8) uint32 {
	shift := uint(offset & 3)
	var m uint32
	switch size {
	case 1:
		m = 0xFF
	case 2:
		m = 0xFFFF
	default:
		m = 0xFFFFFFFF
	}
	return m << shift
}

// writeCommand keeps only the BUS_MASTER and MEM_SPACE bits of value. A
// MEM_SPACE change invokes the mem-space hook (ivshmem registers or
// unregisters its MMIO regions there); MEM_SPACE does not gate MSI-X
// delivery, which MSIXVectorMasked decides from the MSI-X bits alone. A
// BUS_MASTER change re-programs the MSI-X remap entries.
func (d *Device) writeCommand(value uint32) error {
	d.mu.Lock()
	const moderated = cmdBusMasterBit | cmdMemSpaceBit
	old := d.command
	d.command = (old &^ moderated) | (value & moderated)
	newCmd := d.command
	d.mu.Unlock()

	memChanged := (old & cmdMemSpaceBit) != (newCmd & cmdMemSpaceBit)
	busChanged := (old & cmdBusMasterBit) != (newCmd & cmdBusMasterBit)

	if memChanged {
		d.onMemSpaceToggled(newCmd&cmdMemSpaceBit != 0)
	}
	if busChanged {
		d.refreshMSIXRemap()
	}
	return nil
}

// onMemSpaceToggled invokes the owning device's hook (e.g. ivshmem
// registering/unregistering its MMIO regions), if one is installed.
func (d *Device) onMemSpaceToggled(enabled bool) {
	d.mu.Lock()
	hook := d.memSpaceHook
	d.mu.Unlock()
	if hook != nil {
		hook(enabled)
	}
}

// SetMemSpaceHook installs the callback invoked when the MEM_SPACE bit changes.
func (d *Device) SetMemSpaceHook(fn func(enabled bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memSpaceHook = fn
}

func (d *Device) writeBAR(idx int, value uint32) error {
	if idx < 0 || idx >= numBARs {
		return fmt.Errorf("pci %s: BAR index %d out of range: %w", d.Info.BDF, idx, jhsys.EINVAL)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	mask := d.Info.BARMask[idx]
	// B5: bits fixed by bar_mask are silently ignored; readback returns
	// the prior shadow value merged with the newly-written movable bits.
	d.shadowBA[idx] = (d.shadowBA[idx] & ^mask) | (value & mask)
	return nil
}

// MSIEnabled reports whether MSI delivery is currently armed.
func (d *Device) MSIEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msi.Enabled
}

// WriteMSI shadows the MSI address/data words and enable bit and, once the
// enable bit and an address/data pair are present, programs the IOMMU's
// interrupt-remap table via translate_msi_vector (§4.4).
func (d *Device) WriteMSI(address uint64, data uint32, enabled bool) error {
	d.mu.Lock()
	d.msi.Address = address
	d.msi.Data = data
	wasEnabled := d.msi.Enabled
	d.msi.Enabled = enabled
	remapper := d.remapper
	sourceID := sourceIDFor(d.Info.BDF)
	d.mu.Unlock()

	if enabled && remapper != nil {
		if _, err := remapper.MapMSI(sourceID, address, data); err != nil {
			return fmt.Errorf("pci %s: map MSI vector: %w", d.Info.BDF, err)
		}
	} else if wasEnabled && !enabled {
		// Caller is responsible for remembering/clearing the remap index;
		// simplified here since callers hold the authoritative state.
	}
	return nil
}

func sourceIDFor(bdf BDF) uint32 {
	return uint32(bdf.Bus)<<8 | uint32(bdf.Device)<<3 | uint32(bdf.Function)
}

// WriteMSIXVector shadows one MSI-X table entry. Per §4.4, the
// vector-control (mask) word's effect on hardware routing is refreshed
// through the remapper; address/data themselves are fully shadowed until
// the next enable.
func (d *Device) WriteMSIXVector(index int, address uint64, data uint32, masked bool) error {
	d.mu.Lock()
	if index < 0 || index >= len(d.msix.Vectors) {
		d.mu.Unlock()
		return fmt.Errorf("pci %s: MSI-X vector %d out of range: %w", d.Info.BDF, index, jhsys.EINVAL)
	}
	d.msix.Vectors[index] = MSIXVector{Address: address, Data: data, Masked: masked}
	d.mu.Unlock()
	d.refreshMSIXRemap()
	return nil
}

// MSIXVectorMasked reports whether vector index is currently masked,
// taking both the per-vector bit and the global function-mask/enable
// bits into account (used by ivshmem doorbell delivery in §4.8).
func (d *Device) MSIXVectorMasked(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.msix.Enabled || d.msix.FunctionMask {
		return true
	}
	if index < 0 || index >= len(d.msix.Vectors) {
		return true
	}
	return d.msix.Vectors[index].Masked
}

// SetMSIXEnabled shadows the MSI-X enable bit.
func (d *Device) SetMSIXEnabled(enabled bool) {
	d.mu.Lock()
	d.msix.Enabled = enabled
	d.mu.Unlock()
	d.refreshMSIXRemap()
}

// SetMSIXFunctionMask shadows the global function-mask bit.
func (d *Device) SetMSIXFunctionMask(masked bool) {
	d.mu.Lock()
	d.msix.FunctionMask = masked
	d.mu.Unlock()
}

func (d *Device) refreshMSIXRemap() {
	d.mu.Lock()
	remapper := d.remapper
	vectors := append([]MSIXVector(nil), d.msix.Vectors...)
	sourceID := sourceIDFor(d.Info.BDF)
	d.mu.Unlock()

	if remapper == nil {
		return
	}
	for _, v := range vectors {
		if v.Address == 0 {
			continue
		}
		_, _ = remapper.MapMSI(sourceID, v.Address, v.Data)
	}
}

// BusMasterEnabled reports the moderated BUS_MASTER bit.
func (d *Device) BusMasterEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.command&cmdBusMasterBit != 0
}

// MemSpaceEnabled reports the moderated MEM_SPACE bit.
func (d *Device) MemSpaceEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.command&cmdMemSpaceBit != 0
}

