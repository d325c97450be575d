package pci

import (
	"errors"
	"testing"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

func newTestDevice() *Device {
	info := StaticInfo{
		BDF:            BDF{Bus: 0, Device: 3, Function: 0},
		NumMSIXVectors: 4,
		BARMask:        [numBARs]uint32{0xFFFFF000, 0xFFFFF000, 0, 0, 0, 0},
	}
	return NewDevice(info, 0, nil)
}

func TestCommandRegisterOnlyModeratedBitsWritable(t *testing.T) {
	d := newTestDevice()
	if err := d.WriteConfig(OffCommand, 4, 0xFFFFFFFF); err != nil {
		t.Fatalf("WriteConfig(command): %v", err)
	}
	got, err := d.ReadConfig(OffCommand, 4)
	if err != nil {
		t.Fatalf("ReadConfig(command): %v", err)
	}
	if got != (cmdBusMasterBit | cmdMemSpaceBit) {
		t.Fatalf("command readback = %#x, want only moderated bits set (%#x)", got, cmdBusMasterBit|cmdMemSpaceBit)
	}
	if !d.BusMasterEnabled() || !d.MemSpaceEnabled() {
		t.Fatalf("BusMasterEnabled/MemSpaceEnabled false after enabling both bits")
	}
}

func TestDeniedRegisterWriteReturnsEPERM(t *testing.T) {
	d := newTestDevice()
	err := d.WriteConfig(0x3C, 4, 0x1234) // interrupt line/pin, not in the default table
	if err == nil {
		t.Fatalf("WriteConfig to denied register succeeded, want error")
	}
	if !errors.Is(err, jhsys.EPERM) {
		t.Fatalf("err = %v, want wrapping EPERM", err)
	}
}

func TestReadOnlyRegisterRejectsWrite(t *testing.T) {
	d := newTestDevice()
	if err := d.WriteConfig(OffVendorID, 4, 0xDEAD1234); !errors.Is(err, jhsys.EPERM) {
		t.Fatalf("WriteConfig(vendor id) = %v, want EPERM", err)
	}
}

func TestBARWriteMaskedByBARMask(t *testing.T) {
	d := newTestDevice()
	if err := d.WriteConfig(OffBAR0, 4, 0xFFFFFFFF); err != nil {
		t.Fatalf("WriteConfig(BAR0): %v", err)
	}
	got, err := d.ReadConfig(OffBAR0, 4)
	if err != nil {
		t.Fatalf("ReadConfig(BAR0): %v", err)
	}
	if got != 0xFFFFF000 {
		t.Fatalf("BAR0 readback = %#x, want masked to 0xFFFFF000 (B5: fixed bits ignored)", got)
	}
}

func TestMemSpaceToggleInvokesHook(t *testing.T) {
	d := newTestDevice()
	var gotEnabled *bool
	d.SetMemSpaceHook(func(enabled bool) {
		e := enabled
		gotEnabled = &e
	})
	if err := d.WriteConfig(OffCommand, 4, cmdMemSpaceBit); err != nil {
		t.Fatalf("WriteConfig(command): %v", err)
	}
	if gotEnabled == nil || !*gotEnabled {
		t.Fatalf("mem-space hook not invoked with enabled=true")
	}
	if err := d.WriteConfig(OffCommand, 4, 0); err != nil {
		t.Fatalf("WriteConfig(command) disable: %v", err)
	}
	if gotEnabled == nil || *gotEnabled {
		t.Fatalf("mem-space hook not invoked with enabled=false")
	}
}

type fakeRemapper struct {
	mapped []uint32
}

func (f *fakeRemapper) MapMSI(sourceID uint32, address uint64, data uint32) (uint32, error) {
	f.mapped = append(f.mapped, sourceID)
	return uint32(len(f.mapped) - 1), nil
}
func (f *fakeRemapper) UnmapMSI(remapIndex uint32) {}

func TestWriteMSIProgramsRemapperWhenEnabled(t *testing.T) {
	info := StaticInfo{BDF: BDF{Bus: 0, Device: 4, Function: 0}}
	remap := &fakeRemapper{}
	d := NewDevice(info, 0, remap)
	if err := d.WriteMSI(0xFEE00000, 0x41, true); err != nil {
		t.Fatalf("WriteMSI: %v", err)
	}
	if len(remap.mapped) != 1 {
		t.Fatalf("remapper.MapMSI called %d times, want 1", len(remap.mapped))
	}
	if !d.MSIEnabled() {
		t.Fatalf("MSIEnabled() = false after enabling MSI")
	}
}

func TestMSIXVectorMaskedRespectsGlobalState(t *testing.T) {
	d := newTestDevice()
	if !d.MSIXVectorMasked(0) {
		t.Fatalf("vector should be masked before MSI-X is enabled")
	}
	d.SetMSIXEnabled(true)
	if err := d.WriteMSIXVector(0, 0xFEE00000, 0x30, false); err != nil {
		t.Fatalf("WriteMSIXVector: %v", err)
	}
	if d.MSIXVectorMasked(0) {
		t.Fatalf("vector 0 masked after enable+unmask")
	}
	d.SetMSIXFunctionMask(true)
	if !d.MSIXVectorMasked(0) {
		t.Fatalf("vector 0 not masked when function mask is set")
	}
}

func TestRegistryAssignAndReturnToRoot(t *testing.T) {
	const rootCell, guestCell = 0, 1
	reg := NewRegistry(rootCell)
	d := newTestDevice()
	if err := reg.Add(d); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := reg.AssignToCell(d.Info.BDF, guestCell); err != nil {
		t.Fatalf("AssignToCell: %v", err)
	}
	if owned := reg.DevicesOwnedBy(guestCell); len(owned) != 1 || owned[0] != d.Info.BDF {
		t.Fatalf("DevicesOwnedBy(guest) = %v, want [%v]", owned, d.Info.BDF)
	}

	// Reassigning an already-assigned device without returning to root first is rejected.
	if err := reg.AssignToCell(d.Info.BDF, guestCell+1); !errors.Is(err, jhsys.EBUSY) {
		t.Fatalf("AssignToCell of already-assigned device = %v, want EBUSY", err)
	}

	reclaimed := reg.ReturnToRoot(guestCell)
	if len(reclaimed) != 1 || reclaimed[0] != d.Info.BDF {
		t.Fatalf("ReturnToRoot = %v, want [%v]", reclaimed, d.Info.BDF)
	}
	if owned := reg.DevicesOwnedBy(rootCell); len(owned) != 1 {
		t.Fatalf("DevicesOwnedBy(root) after reclaim = %v, want 1 device", owned)
	}
}

func TestHandOverInvokesMaskForEveryDevice(t *testing.T) {
	reg := NewRegistry(0)
	d1 := newTestDevice()
	d2 := newTestDevice()
	d2.Info.BDF = BDF{Bus: 0, Device: 5, Function: 0}
	if err := reg.Add(d1); err != nil {
		t.Fatalf("Add d1: %v", err)
	}
	if err := reg.Add(d2); err != nil {
		t.Fatalf("Add d2: %v", err)
	}

	masked := make(map[BDF]bool)
	if err := reg.HandOver(func(bdf BDF) error {
		masked[bdf] = true
		return nil
	}); err != nil {
		t.Fatalf("HandOver: %v", err)
	}
	if !masked[d1.Info.BDF] || !masked[d2.Info.BDF] {
		t.Fatalf("HandOver did not mask all devices: %v", masked)
	}
}
