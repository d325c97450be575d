package cellmgr

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/jailhouse-go/jailhouse/internal/config"
	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

func decodeCellConfig(r io.Reader) (*config.CellConfig, error) {
	return config.DecodeCellConfig(r)
}

// HypercallNumber identifies one of the guest-facing hypercalls (§6).
// Numbering follows the teacher's internal/hv common.go Register const
// block style: a dense enum with an explicit String method, not raw
// integers sprinkled through call sites.
type HypercallNumber uint32

const (
	HypercallDisable HypercallNumber = iota
	HypercallCellCreate
	HypercallCellStart
	HypercallCellSetLoadable
	HypercallCellDestroy
	HypercallHypervisorGetInfo
	HypercallCellGetState
	HypercallCPUGetInfo
	HypercallDebugConsolePutc
)

func (h HypercallNumber) String() string {
	switch h {
	case HypercallDisable:
		return "DISABLE"
	case HypercallCellCreate:
		return "CELL_CREATE"
	case HypercallCellStart:
		return "CELL_START"
	case HypercallCellSetLoadable:
		return "CELL_SET_LOADABLE"
	case HypercallCellDestroy:
		return "CELL_DESTROY"
	case HypercallHypervisorGetInfo:
		return "HYPERVISOR_GET_INFO"
	case HypercallCellGetState:
		return "CELL_GET_STATE"
	case HypercallCPUGetInfo:
		return "CPU_GET_INFO"
	case HypercallDebugConsolePutc:
		return "DEBUG_CONSOLE_PUTC"
	default:
		return fmt.Sprintf("HypercallNumber(%d)", uint32(h))
	}
}

// InfoSelector picks which HYPERVISOR_GET_INFO field a call returns,
// mirroring real Jailhouse's JAILHOUSE_INFO_* argument convention (the
// hypercall ABI has one return register, so a multi-field query is
// selector-driven rather than returning a struct).
type InfoSelector uint32

const (
	InfoMemPoolUsed InfoSelector = iota
	InfoMemPoolTotal
	InfoRemapPoolUsed
	InfoRemapPoolTotal
	InfoNumCells
)

// HypervisorInfo answers HYPERVISOR_GET_INFO (§6): mem-pool used/total,
// remap-pool used/total, num_cells.
type HypervisorInfo struct {
	MemPoolUsed    uint32
	MemPoolTotal   uint32
	RemapPoolUsed  uint32
	RemapPoolTotal uint32
	NumCells       uint32
}

// CPUInfo answers CPU_GET_INFO (§6).
type CPUInfo struct {
	CellID uint32
	State  State
}

// Dispatcher is the single entry point every vCPU's hypercall vm-exit
// routes through (§6), translating a (number, args) pair into a Manager
// call and a POSIX-style return value. Grounded on the teacher's
// internal/vcpu ExitHandler dispatch table (switch on an enum, one small
// function per case) generalized from vm-exit reasons to hypercall
// numbers.
type Dispatcher struct {
	mgr     *Manager
	console io.Writer
	log     *slog.Logger
}

// NewDispatcher wires a hypercall dispatcher to mgr. console receives
// bytes written through DEBUG_CONSOLE_PUTC; a nil console discards them.
func NewDispatcher(mgr *Manager, console io.Writer, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if console == nil {
		console = io.Discard
	}
	return &Dispatcher{mgr: mgr, console: console, log: log.With("component", "hypercall")}
}

// Args carries a hypercall's decoded arguments; only the fields the
// invoked hypercall actually reads are meaningful, mirroring the
// teacher's ExitInfo union-of-exit-kinds shape.
type Args struct {
	CallingCell uint32
	CellID      uint32
	CellConfig  io.Reader    // CELL_CREATE payload
	Char        byte         // DEBUG_CONSOLE_PUTC
	Info        InfoSelector // HYPERVISOR_GET_INFO
}

// Result is a hypercall's return value: Value on success (meaning is
// call-specific; 0 for calls with no return value), or Err set to a
// jhsys.Errno-wrapping error on failure. This mirrors the real ABI's
// single signed return register, split into two fields for callers that
// don't want to errors.Is a unified int.
type Result struct {
	Value uint64
	Err   error
}

// Dispatch executes one hypercall: it logs the attempt and translates the
// guest-facing opcode into the matching Manager call, per §7's "every
// hypercall outcome is observable" error-handling stance. The calling
// cell's rights are checked only for CELL_CREATE (root cell only),
// CPU_GET_INFO (a non-root caller may query only its own cell) and
// DEBUG_CONSOLE_PUTC (console flag required); the other opcodes act for
// any calling cell.
func (d *Dispatcher) Dispatch(num HypercallNumber, args Args) Result {
	d.log.Debug("hypercall", "num", num, "calling_cell", args.CallingCell)

	switch num {
	case HypercallDisable:
		return Result{Err: fmt.Errorf("hypercall: DISABLE not supported on this platform: %w", jhsys.ENODEV)}

	case HypercallCellCreate:
		return d.cellCreate(args)

	case HypercallCellStart:
		if err := d.mgr.Start(args.CellID); err != nil {
			return Result{Err: err}
		}
		return Result{}

	case HypercallCellSetLoadable:
		if err := d.mgr.SetLoadable(args.CellID); err != nil {
			return Result{Err: err}
		}
		return Result{}

	case HypercallCellDestroy:
		if err := d.mgr.Destroy(args.CellID); err != nil {
			return Result{Err: err}
		}
		return Result{}

	case HypercallHypervisorGetInfo:
		return Result{Value: uint64(d.hypervisorGetInfoField(args.Info))}

	case HypercallCellGetState:
		st, err := d.mgr.CommState(args.CellID)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Value: uint64(st)}

	case HypercallCPUGetInfo:
		cpu, err := d.cpuGetInfo(args.CallingCell, args.CellID)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Value: uint64(cpu.CellID)<<32 | uint64(cpu.State)}

	case HypercallDebugConsolePutc:
		cell, err := d.mgr.cellAt(args.CallingCell)
		if err != nil {
			return Result{Err: err}
		}
		cell.mu.Lock()
		allowed := cell.config != nil && cell.config.ConsolePresent
		cell.mu.Unlock()
		if !allowed {
			return Result{Err: fmt.Errorf("hypercall: DEBUG_CONSOLE_PUTC from cell %d without DEBUG_CONSOLE flag: %w", args.CallingCell, jhsys.EPERM)}
		}
		if _, err := d.console.Write([]byte{args.Char}); err != nil {
			return Result{Err: fmt.Errorf("hypercall: console write: %w", jhsys.EIO)}
		}
		return Result{}

	default:
		return Result{Err: fmt.Errorf("hypercall: unknown number %d: %w", uint32(num), jhsys.EINVAL)}
	}
}

func (d *Dispatcher) cellCreate(args Args) Result {
	if args.CallingCell != d.mgr.Root().ID {
		return Result{Err: fmt.Errorf("hypercall: CELL_CREATE from non-root cell %d: %w", args.CallingCell, jhsys.EPERM)}
	}
	if args.CellConfig == nil {
		return Result{Err: fmt.Errorf("hypercall: CELL_CREATE missing config payload: %w", jhsys.EINVAL)}
	}
	cfg, err := decodeCellConfig(args.CellConfig)
	if err != nil {
		return Result{Err: err}
	}
	cell, err := d.mgr.Create(cfg)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Value: uint64(cell.ID)}
}

// hypervisorGetInfo computes every HYPERVISOR_GET_INFO field at once;
// hypervisorGetInfoField picks the one the caller asked for, per the
// single-return-register ABI.
func (d *Dispatcher) hypervisorGetInfo() HypervisorInfo {
	d.mgr.mu.Lock()
	defer d.mgr.mu.Unlock()
	var count uint32
	for _, c := range d.mgr.cells {
		if c != nil {
			count++
		}
	}
	info := HypervisorInfo{NumCells: count}
	if d.mgr.memPool != nil {
		info.MemPoolUsed = d.mgr.memPool.UsedCount()
		info.MemPoolTotal = d.mgr.memPool.Count()
	}
	if d.mgr.remapPool != nil {
		info.RemapPoolUsed = d.mgr.remapPool.UsedCount()
		info.RemapPoolTotal = d.mgr.remapPool.Count()
	}
	return info
}

func (d *Dispatcher) hypervisorGetInfoField(sel InfoSelector) uint32 {
	info := d.hypervisorGetInfo()
	switch sel {
	case InfoMemPoolUsed:
		return info.MemPoolUsed
	case InfoMemPoolTotal:
		return info.MemPoolTotal
	case InfoRemapPoolUsed:
		return info.RemapPoolUsed
	case InfoRemapPoolTotal:
		return info.RemapPoolTotal
	case InfoNumCells:
		return info.NumCells
	default:
		return 0
	}
}

// cpuGetInfo implements §6's "non-root cells may only query their own
// CPUs": a caller that is not the root cell may only ask about its own
// cell's CPUs.
func (d *Dispatcher) cpuGetInfo(callingCell, cellID uint32) (CPUInfo, error) {
	if callingCell != d.mgr.Root().ID && callingCell != cellID {
		return CPUInfo{}, fmt.Errorf("hypercall: CPU_GET_INFO cell %d querying cell %d: %w", callingCell, cellID, jhsys.EPERM)
	}
	cell, err := d.mgr.cellAt(cellID)
	if err != nil {
		return CPUInfo{}, err
	}
	return CPUInfo{CellID: cellID, State: cell.State()}, nil
}
