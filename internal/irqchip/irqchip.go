// Package irqchip implements the IRQ-chip abstraction (§4.6): local-APIC
// (xAPIC/x2APIC) and GIC (v2/v3) virtualization behind a single Chip
// interface, a per-CPU pending-interrupt ring, and destination-ownership
// validation for inter-cell IPI/SGI routing (§8 scenario 4: a cell must
// not be able to target a CPU it does not own). Grounded on the teacher's
// internal/hv common.go VirtualCPU interface (one small hardware-facing
// interface, multiple arch backends) and reworked from "deliver to a
// single VM" into "deliver only within the CPU set owned by the
// originating cell".
package irqchip

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// CPUID identifies one physical CPU core.
type CPUID uint32

// Vector is an architecture-specific interrupt vector number.
type Vector uint32

// Chip is the common interface both local-APIC and GIC backends
// implement (§4.6).
type Chip interface {
	// AssignCPU declares that cpu is now owned by cell, enabling
	// destination-ownership checks on routed/targeted writes.
	AssignCPU(cpu CPUID, cell uint32) error

	// UnassignCPU releases cpu back to no owner (used when a cell is
	// destroyed, before the CPU rejoins the root cell).
	UnassignCPU(cpu CPUID)

	// SendIPI posts vector to target, iff source and target are owned by
	// the same cell (P5-style isolation, validated the same way scenario
	// 4 validates IROUTER/ITARGETSR/ICR writes).
	SendIPI(source, target CPUID, cell uint32, vector Vector) error

	// InjectVector posts vector directly to target's pending ring,
	// bypassing ownership checks, for hypervisor-internal delivery
	// (timer ticks, maintenance interrupts).
	InjectVector(target CPUID, vector Vector) error

	// PendingVectors drains target's pending ring (per-CPU SPSC, per
	// §4.6) for delivery into the guest's virtual interrupt state.
	PendingVectors(target CPUID) []Vector

	// ValidateDestinationWrite checks whether cell may address dest via
	// an IROUTER/ITARGETSR/ICR-style register write, without performing
	// the write (§8 scenario 4).
	ValidateDestinationWrite(cell uint32, dest CPUID) error
}

// pendingRingSize bounds the per-CPU pending-interrupt ring; hardware
// local-APIC/GIC list registers are similarly small (4-16 entries), and a
// full ring coalesces by dropping the oldest low-priority entry in real
// controllers — this simulation simply rejects, surfacing the condition
// to the caller instead of silently losing an interrupt.
const pendingRingSize = 16

// cpuState is the shared per-CPU bookkeeping used by both backends:
// ownership and the pending-vector ring.
type cpuState struct {
	mu      sync.Mutex
	owner   uint32
	owned   bool
	pending []Vector
}

// ownership is embedded by both Chip implementations.
type ownership struct {
	mu   sync.RWMutex
	cpus map[CPUID]*cpuState
}

func newOwnership() *ownership {
	return &ownership{cpus: make(map[CPUID]*cpuState)}
}

func (o *ownership) stateFor(cpu CPUID) *cpuState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.cpus[cpu]
	if !ok {
		st = &cpuState{}
		o.cpus[cpu] = st
	}
	return st
}

func (o *ownership) assign(cpu CPUID, cell uint32) error {
	st := o.stateFor(cpu)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.owned && st.owner != cell {
		return fmt.Errorf("irqchip: cpu %d already owned by cell %d: %w", cpu, st.owner, jhsys.EBUSY)
	}
	st.owner = cell
	st.owned = true
	return nil
}

func (o *ownership) unassign(cpu CPUID) {
	st := o.stateFor(cpu)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.owned = false
	st.owner = 0
}

func (o *ownership) validateDestination(cell uint32, dest CPUID) error {
	st := o.stateFor(dest)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.owned || st.owner != cell {
		return fmt.Errorf("irqchip: cell %d may not target cpu %d: %w", cell, dest, jhsys.EPERM)
	}
	return nil
}

func (o *ownership) post(target CPUID, v Vector) error {
	st := o.stateFor(target)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.pending) >= pendingRingSize {
		return fmt.Errorf("irqchip: cpu %d pending ring full: %w", target, jhsys.EBUSY)
	}
	st.pending = append(st.pending, v)
	return nil
}

func (o *ownership) drain(target CPUID) []Vector {
	st := o.stateFor(target)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.pending
	st.pending = nil
	return out
}

// ipiStats counts sent and dropped IPIs for diagnostics (exposed via
// Stats), matching the teacher's pattern of exporting raw
// atomics instead of a stats struct copy under a lock.
type ipiStats struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}
