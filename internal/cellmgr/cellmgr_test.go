package cellmgr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jailhouse-go/jailhouse/internal/config"
	"github.com/jailhouse-go/jailhouse/internal/fault"
	"github.com/jailhouse-go/jailhouse/internal/iommu"
	"github.com/jailhouse-go/jailhouse/internal/irqchip"
	"github.com/jailhouse-go/jailhouse/internal/jhsys"
	"github.com/jailhouse-go/jailhouse/internal/pagepool"
	"github.com/jailhouse-go/jailhouse/internal/pci"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	root := &config.CellConfig{
		Signature:      config.CellSignature,
		Revision:       config.CurrentRevision,
		Name:           "root",
		CPUs:           []uint32{0, 1, 2, 3},
		ConsolePresent: true,
	}
	reg := pci.NewRegistry(0)
	vtd := iommu.NewVTd()
	lapic := irqchip.NewLAPIC(irqchip.X2APIC)
	faults := fault.NewAggregator(slog.New(slog.NewTextHandler(io.Discard, nil)))

	m, err := New(root, reg, vtd, lapic, faults, 0x10000000, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// guestIDs assigns a stable, unique cell id per name so tests creating
// several guests in one Manager never collide on id 0 or on each other.
var guestIDs = map[string]uint32{
	"guest1": 1,
	"guest2": 2,
	"guest3": 3,
}

func guestYAML(name string, cpus string) string {
	id := guestIDs[name]
	if id == 0 {
		id = 63
	}
	return `
signature: JHCELL
revision: 1
id: ` + fmt.Sprint(id) + `
name: ` + name + `
cpus: [` + cpus + `]
`
}

func TestCreateStartDestroyLifecycle(t *testing.T) {
	m := testManager(t)

	cfg, err := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "2")))
	if err != nil {
		t.Fatalf("DecodeCellConfig: %v", err)
	}
	cell, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cell.State() != StateShutDown {
		t.Fatalf("new cell state = %s, want SHUT_DOWN", cell.State())
	}

	if err := m.SetLoadable(cell.ID); err != nil {
		t.Fatalf("SetLoadable: %v", err)
	}
	if err := m.Start(cell.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st, _ := m.GetState(cell.ID); st != StateRunning {
		t.Fatalf("state after start = %s, want RUNNING", st)
	}

	if err := m.Destroy(cell.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := m.GetState(cell.ID); !errors.Is(err, jhsys.ENOENT) {
		t.Fatalf("GetState after destroy = %v, want ENOENT", err)
	}

	// cpu 2 must be back with the root cell and assignable to a new cell.
	cfg2, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest2", "2")))
	if _, err := m.Create(cfg2); err != nil {
		t.Fatalf("Create after destroy did not reclaim cpu 2: %v", err)
	}
}

func TestCreateRollsBackOnDuplicateCPU(t *testing.T) {
	m := testManager(t)

	cfg1, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	if _, err := m.Create(cfg1); err != nil {
		t.Fatalf("Create guest1: %v", err)
	}

	cfg2, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest2", "1")))
	if _, err := m.Create(cfg2); err == nil {
		t.Fatalf("Create guest2 on already-claimed cpu 1 succeeded, want error")
	}

	// The failed create must leave the manager usable: cpu 2, still with
	// the root cell, can be claimed by a new cell.
	cfg3, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest3", "2")))
	if _, err := m.Create(cfg3); err != nil {
		t.Fatalf("Create guest3 on cpu 2: %v", err)
	}
}

func TestStartRequiresLoadable(t *testing.T) {
	m := testManager(t)
	cfg, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	cell, _ := m.Create(cfg)

	if err := m.Start(cell.ID); !errors.Is(err, jhsys.EINVAL) {
		t.Fatalf("Start without SetLoadable = %v, want EINVAL", err)
	}
}

func TestLockUnlock(t *testing.T) {
	m := testManager(t)
	cfg, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	cell, _ := m.Create(cfg)
	_ = m.SetLoadable(cell.ID)
	_ = m.Start(cell.ID)

	if err := m.Lock(cell.ID); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if st, _ := m.GetState(cell.ID); st != StateRunningLocked {
		t.Fatalf("state = %s, want RUNNING_LOCKED", st)
	}
	if err := m.Unlock(cell.ID); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if st, _ := m.GetState(cell.ID); st != StateRunning {
		t.Fatalf("state = %s, want RUNNING", st)
	}
}

func TestFailAllowsDestroy(t *testing.T) {
	m := testManager(t)
	cfg, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	cell, _ := m.Create(cfg)

	if err := m.Fail(cell.ID, "comm region timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if st, _ := m.GetState(cell.ID); st != StateFailed {
		t.Fatalf("state = %s, want FAILED", st)
	}
	if err := m.Destroy(cell.ID); err != nil {
		t.Fatalf("Destroy of failed cell: %v", err)
	}
}

func TestCreateAutoPlacesIVSHMEMRegion(t *testing.T) {
	m := testManager(t)
	ivshmemDev := pci.NewDevice(pci.StaticInfo{BDF: pci.BDF{Bus: 0, Device: 1, Function: 0}, IsIVSHMEM: true}, 0, nil)
	if err := m.pci.Add(ivshmemDev); err != nil {
		t.Fatalf("registry Add: %v", err)
	}
	cfg := &config.CellConfig{
		Signature: config.CellSignature,
		Revision:  config.CurrentRevision,
		ID:        1,
		Name:      "guest1",
		CPUs:      []uint32{1},
		PCIDevices: []config.PCIDevice{
			{Bus: 0, Device: 1, Function: 0, IsIVSHMEM: true, ShmemSize: 0x2000},
		},
	}
	cell, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cfg.PCIDevices[0].ShmemPhys == 0 {
		t.Fatalf("ivshmem region was not auto-placed")
	}
	if cell.devices[0].Device != 1 {
		t.Fatalf("device not recorded on cell")
	}
}

func TestDestroyRootCellRejected(t *testing.T) {
	m := testManager(t)
	if err := m.Destroy(0); !errors.Is(err, jhsys.EPERM) {
		t.Fatalf("Destroy(root) = %v, want EPERM", err)
	}
}

func TestHypercallCellCreateStartDestroy(t *testing.T) {
	m := testManager(t)
	var console bytes.Buffer
	d := NewDispatcher(m, &console, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res := d.Dispatch(HypercallCellCreate, Args{
		CallingCell: 0,
		CellConfig:  strings.NewReader(guestYAML("guest1", "1")),
	})
	if res.Err != nil {
		t.Fatalf("CELL_CREATE: %v", res.Err)
	}
	cellID := uint32(res.Value)

	res = d.Dispatch(HypercallCellSetLoadable, Args{CellID: cellID})
	if res.Err != nil {
		t.Fatalf("CELL_SET_LOADABLE: %v", res.Err)
	}
	res = d.Dispatch(HypercallCellStart, Args{CellID: cellID})
	if res.Err != nil {
		t.Fatalf("CELL_START: %v", res.Err)
	}
	res = d.Dispatch(HypercallCellGetState, Args{CellID: cellID})
	if res.Err != nil || config.CellState(res.Value) != config.CellStateRunning {
		t.Fatalf("CELL_GET_STATE = %+v, want the §6 RUNNING encoding (0)", res)
	}

	res = d.Dispatch(HypercallDebugConsolePutc, Args{Char: 'x'})
	if res.Err != nil {
		t.Fatalf("DEBUG_CONSOLE_PUTC: %v", res.Err)
	}
	if console.String() != "x" {
		t.Fatalf("console = %q, want %q", console.String(), "x")
	}

	res = d.Dispatch(HypercallCellDestroy, Args{CellID: cellID})
	if res.Err != nil {
		t.Fatalf("CELL_DESTROY: %v", res.Err)
	}
}

func TestHypercallCellCreateRequiresRootCaller(t *testing.T) {
	m := testManager(t)
	d := NewDispatcher(m, nil, nil)
	res := d.Dispatch(HypercallCellCreate, Args{
		CallingCell: 1,
		CellConfig:  strings.NewReader(guestYAML("guest1", "1")),
	})
	if !errors.Is(res.Err, jhsys.EPERM) {
		t.Fatalf("CELL_CREATE from non-root = %v, want EPERM", res.Err)
	}
}

func TestHypercallUnknownNumber(t *testing.T) {
	m := testManager(t)
	d := NewDispatcher(m, nil, nil)
	res := d.Dispatch(HypercallNumber(999), Args{})
	if !errors.Is(res.Err, jhsys.EINVAL) {
		t.Fatalf("unknown hypercall = %v, want EINVAL", res.Err)
	}
}

func TestHypervisorGetInfoCountsCells(t *testing.T) {
	m := testManager(t)
	d := NewDispatcher(m, nil, nil)
	cfg, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	if _, err := m.Create(cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res := d.Dispatch(HypercallHypervisorGetInfo, Args{CallingCell: 0, Info: InfoNumCells})
	if res.Err != nil {
		t.Fatalf("HYPERVISOR_GET_INFO: %v", res.Err)
	}
	if cellCount := uint32(res.Value); cellCount != 2 {
		t.Fatalf("cell count = %d, want 2 (root + guest1)", cellCount)
	}
}

func TestHypervisorGetInfoPoolOccupancy(t *testing.T) {
	m := testManager(t)
	pool, err := pagepool.New("mem", 16, pagepool.ScrubOnFree)
	if err != nil {
		t.Fatalf("pagepool.New: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Alloc(3); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	m.SetPools(pool, nil)

	d := NewDispatcher(m, nil, nil)
	res := d.Dispatch(HypercallHypervisorGetInfo, Args{Info: InfoMemPoolUsed})
	if res.Err != nil || res.Value != 3 {
		t.Fatalf("MEM_POOL_USED = %+v, want 3", res)
	}
	res = d.Dispatch(HypercallHypervisorGetInfo, Args{Info: InfoMemPoolTotal})
	if res.Err != nil || res.Value != 16 {
		t.Fatalf("MEM_POOL_TOTAL = %+v, want 16", res)
	}
}

func TestHypercallCPUGetInfoRestrictsNonRootCallers(t *testing.T) {
	m := testManager(t)
	d := NewDispatcher(m, nil, nil)
	cfg, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	cell, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := d.Dispatch(HypercallCPUGetInfo, Args{CallingCell: 0, CellID: cell.ID})
	if res.Err != nil {
		t.Fatalf("root querying guest cell: %v", res.Err)
	}

	res = d.Dispatch(HypercallCPUGetInfo, Args{CallingCell: cell.ID, CellID: cell.ID})
	if res.Err != nil {
		t.Fatalf("guest cell querying itself: %v", res.Err)
	}

	res = d.Dispatch(HypercallCPUGetInfo, Args{CallingCell: cell.ID, CellID: 0})
	if !errors.Is(res.Err, jhsys.EPERM) {
		t.Fatalf("guest cell querying root = %v, want EPERM", res.Err)
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	m := testManager(t)
	cfg1, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	if _, err := m.Create(cfg1); err != nil {
		t.Fatalf("Create guest1: %v", err)
	}

	dup := &config.CellConfig{
		Signature: config.CellSignature,
		Revision:  config.CurrentRevision,
		ID:        guestIDs["guest1"],
		Name:      "guest1-dup",
		CPUs:      []uint32{2},
	}
	if _, err := m.Create(dup); !errors.Is(err, jhsys.EEXIST) {
		t.Fatalf("Create with duplicate id = %v, want EEXIST", err)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	m := testManager(t)
	cfg1, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	if _, err := m.Create(cfg1); err != nil {
		t.Fatalf("Create guest1: %v", err)
	}

	dup := &config.CellConfig{
		Signature: config.CellSignature,
		Revision:  config.CurrentRevision,
		ID:        guestIDs["guest2"],
		Name:      "guest1",
		CPUs:      []uint32{2},
	}
	if _, err := m.Create(dup); !errors.Is(err, jhsys.EEXIST) {
		t.Fatalf("Create with duplicate name = %v, want EEXIST", err)
	}
}

func TestDestroyForcesFailedOnShutdownTimeout(t *testing.T) {
	m := testManager(t)
	cfg, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	cell, _ := m.Create(cfg)
	_ = m.SetLoadable(cell.ID)
	_ = m.Start(cell.ID)

	// No guest ever acks the shutdown request, so Destroy must force the
	// cell to FAILED (§8 scenario 6) before tearing it down anyway.
	if err := m.Destroy(cell.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := m.GetState(cell.ID); !errors.Is(err, jhsys.ENOENT) {
		t.Fatalf("GetState after forced destroy = %v, want ENOENT", err)
	}
}

func TestDestroyHonorsShutdownAck(t *testing.T) {
	m := testManager(t)
	cfg, _ := config.DecodeCellConfig(strings.NewReader(guestYAML("guest1", "1")))
	cell, _ := m.Create(cfg)
	_ = m.SetLoadable(cell.ID)
	_ = m.Start(cell.ID)

	done := make(chan error, 1)
	go func() { done <- m.Destroy(cell.ID) }()

	// Poll until the handshake has posted MsgShutdownRequest, then ack it
	// immediately so Destroy does not need to wait out its timeout.
	for {
		if err := m.AckShutdown(cell.ID, config.ReplyApproved); err == nil {
			break
		}
		time.Sleep(shutdownPollInterval)
	}

	if err := <-done; err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestDestroyTreatsPassiveCommRegionAsApproved(t *testing.T) {
	m := testManager(t)
	cfg := &config.CellConfig{
		Signature:         config.CellSignature,
		Revision:          config.CurrentRevision,
		ID:                1,
		Name:              "guest1",
		CPUs:              []uint32{1},
		PassiveCommRegion: true,
	}
	cell, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = m.SetLoadable(cell.ID)
	_ = m.Start(cell.ID)

	start := time.Now()
	if err := m.Destroy(cell.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= defaultMsgReplyTimeout {
		t.Fatalf("Destroy of passive-commregion cell took %s, want well under the %s timeout", elapsed, defaultMsgReplyTimeout)
	}
}
