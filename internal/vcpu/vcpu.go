// Package vcpu implements the per-core virtual CPU abstraction (§4.7): a
// guest-state container, a VM-exit dispatch loop, and the handler table
// for CPUID/CR/MSR/IOIO/MMIO/XSETBV/VMCALL/exception exits. Grounded on
// the teacher's internal/hv/common.go VirtualCPU interface (Run(ctx)
// error, SetRegisters/GetRegisters keyed by a Register enum) which this
// package reuses directly instead of inventing a parallel register
// model, generalized from "one interface, one VMM backend per OS" into
// "one struct, one exit-dispatch loop per cell's CPU, running entirely
// in this process since there is no real hardware underneath".
package vcpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jailhouse-go/jailhouse/internal/hv"
	"github.com/jailhouse-go/jailhouse/internal/irqchip"
	"github.com/jailhouse-go/jailhouse/internal/jhsys"
	"github.com/jailhouse-go/jailhouse/internal/mmio"
)

// ExitReason classifies a VM exit handed to Dispatch.
type ExitReason int

const (
	ExitCPUID ExitReason = iota
	ExitCR
	ExitMSR
	ExitIOIO
	ExitMMIO
	ExitXSETBV
	ExitVMCall
	ExitException
	ExitHalt
	numExitReasons
)

func (r ExitReason) String() string {
	names := [...]string{"CPUID", "CR", "MSR", "IOIO", "MMIO", "XSETBV", "VMCALL", "EXCEPTION", "HALT"}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// ExitInfo carries the decoded exit payload; only the fields relevant to
// Reason are populated.
type ExitInfo struct {
	Reason ExitReason

	// CPUID
	Leaf, Subleaf uint32

	// CR
	CRNumber int
	CRValue  uint64

	// MSR
	MSRNumber uint32
	MSRValue  uint64
	MSRWrite  bool

	// IOIO
	Port    uint16
	IOSize  int
	IOWrite bool
	IOValue uint32

	// MMIO
	Address uint64
	Size    int
	Write   bool
	Value   uint64

	// VMCall / hypercall
	CallNumber uint64
	Args       [4]uint64

	// Exception
	Vector uint32
}

// ExitHandler services one class of exit. It may mutate info.* "out"
// fields (e.g. IOValue/Value/MSRValue on a read) and must return an
// error only for conditions that should panic-park the vCPU.
type ExitHandler func(v *VCPU, info *ExitInfo) error

// State is the guest-visible register file, reusing the teacher's
// Register/RegisterValue model directly so per-arch register names never
// need re-declaring in this package.
type State struct {
	mu   sync.Mutex
	regs map[hv.Register]hv.RegisterValue
}

func newState() *State {
	return &State{regs: make(map[hv.Register]hv.RegisterValue)}
}

// Set stores register values (§4.7 "SetRegisters").
func (s *State) Set(regs map[hv.Register]hv.RegisterValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for r, v := range regs {
		s.regs[r] = v
	}
}

// Get reads register values into out, leaving entries absent from the
// state untouched (§4.7 "GetRegisters").
func (s *State) Get(out map[hv.Register]hv.RegisterValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for r := range out {
		if v, ok := s.regs[r]; ok {
			out[r] = v
		}
	}
}

// runState is the vCPU's lifecycle state, independent of the owning
// cell's state machine (internal/cellmgr tracks that).
type runState int32

const (
	runStateReset runState = iota
	runStateRunning
	runStateParked
)

// VCPU is one virtual CPU belonging to a cell.
type VCPU struct {
	ID     int
	CellID uint32
	Arch   hv.CpuArchitecture

	State *State

	MMIO *mmio.Dispatcher
	IRQ  irqchip.Chip

	handlers [numExitReasons]ExitHandler

	state   atomic.Int32
	stats   [numExitReasons]atomic.Uint64
	parkErr atomic.Value // error
}

// New constructs a vCPU in the reset state with only the default MMIO
// handler installed; callers register other handlers with Handle before
// the first Dispatch.
func New(id int, cellID uint32, arch hv.CpuArchitecture, irq irqchip.Chip, disp *mmio.Dispatcher) *VCPU {
	v := &VCPU{ID: id, CellID: cellID, Arch: arch, State: newState(), MMIO: disp, IRQ: irq}
	v.state.Store(int32(runStateReset))
	v.handlers[ExitMMIO] = defaultMMIOHandler
	return v
}

// Handle installs the handler for reason, overriding any default.
func (v *VCPU) Handle(reason ExitReason, h ExitHandler) {
	v.handlers[reason] = h
}

// Reset returns the vCPU to its architectural reset state and clears
// park status, per §4.7's cell-restart path.
func (v *VCPU) Reset() {
	v.State = newState()
	v.parkErr = atomic.Value{}
	v.state.Store(int32(runStateReset))
}

// Park transitions the vCPU to FAILED/parked state with the triggering
// error recorded (§7's panic-park semantics): a parked vCPU refuses
// further Dispatch calls until Reset.
func (v *VCPU) Park(err error) {
	v.parkErr.Store(err)
	v.state.Store(int32(runStateParked))
}

// Parked reports whether the vCPU is currently parked, and the error
// that parked it, if any.
func (v *VCPU) Parked() (bool, error) {
	parked := runState(v.state.Load()) == runStateParked
	err, _ := v.parkErr.Load().(error)
	return parked, err
}

// Stats returns the exit counter for reason.
func (v *VCPU) Stats(reason ExitReason) uint64 {
	if int(reason) >= len(v.stats) {
		return 0
	}
	return v.stats[reason].Load()
}

// Dispatch routes one decoded exit to its handler, incrementing the
// per-reason counter first (so a handler that panic-parks still shows up
// in stats) and parking the vCPU if the handler returns an error with no
// handler installed at all counts as an unhandled-exit park, matching
// real Jailhouse's "no trap handler -> inject #GP or panic" behavior for
// anything the hypervisor doesn't explicitly support.
func (v *VCPU) Dispatch(ctx context.Context, info *ExitInfo) error {
	if parked, err := v.Parked(); parked {
		if err == nil {
			err = fmt.Errorf("vcpu %d: dispatch on parked cpu: %w", v.ID, jhsys.EPERM)
		}
		return err
	}
	v.state.Store(int32(runStateRunning))

	if int(info.Reason) >= len(v.stats) {
		err := fmt.Errorf("vcpu %d: unknown exit reason %d", v.ID, info.Reason)
		v.Park(err)
		return err
	}
	v.stats[info.Reason].Add(1)

	h := v.handlers[info.Reason]
	if h == nil {
		err := fmt.Errorf("vcpu %d: unhandled exit %s: %w", v.ID, info.Reason, jhsys.EINVAL)
		v.Park(err)
		return err
	}
	if err := h(v, info); err != nil {
		v.Park(err)
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

// DeliverPending pulls any interrupts posted for this vCPU's physical
// core and folds them into the guest's pending-injection state; callers
// invoke this once per dispatch-loop iteration, before re-entering the
// guest.
func (v *VCPU) DeliverPending() []irqchip.Vector {
	if v.IRQ == nil {
		return nil
	}
	return v.IRQ.PendingVectors(irqchip.CPUID(v.ID))
}

func defaultMMIOHandler(v *VCPU, info *ExitInfo) error {
	if v.MMIO == nil {
		return fmt.Errorf("vcpu %d: MMIO exit with no dispatcher installed: %w", v.ID, jhsys.ENODEV)
	}
	value := info.Value
	res := v.MMIO.HandleAccess(info.Address, info.Write, info.Size, &value)
	if res == mmio.Error {
		return fmt.Errorf("vcpu %d: MMIO access to %#x rejected: %w", v.ID, info.Address, jhsys.EINVAL)
	}
	if !info.Write {
		info.Value = value
	}
	return nil
}
