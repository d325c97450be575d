package irqchip

import (
	"fmt"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// LAPICMode selects xAPIC (MMIO-windowed) vs x2APIC (MSR-windowed)
// addressing; both share the same ownership/delivery model here since
// only the guest-visible access method differs, not the routing logic.
type LAPICMode int

const (
	XAPIC LAPICMode = iota
	X2APIC
)

// LAPIC implements Chip for the x86 local APIC, virtualizing ICR-driven
// IPI delivery (§4.6).
type LAPIC struct {
	*ownership
	mode  LAPICMode
	stats ipiStats
}

// NewLAPIC constructs a local-APIC chip in the given addressing mode.
func NewLAPIC(mode LAPICMode) *LAPIC {
	return &LAPIC{ownership: newOwnership(), mode: mode}
}

func (l *LAPIC) Mode() LAPICMode { return l.mode }

func (l *LAPIC) AssignCPU(cpu CPUID, cell uint32) error { return l.assign(cpu, cell) }
func (l *LAPIC) UnassignCPU(cpu CPUID)                  { l.unassign(cpu) }

// SendIPI implements an ICR write: validates that source and target
// belong to the same cell before posting, matching §8 scenario 4's
// requirement that a cell cannot address a CPU it does not own even via
// the ICR's destination field.
func (l *LAPIC) SendIPI(source, target CPUID, cell uint32, vector Vector) error {
	if err := l.validateDestination(cell, source); err != nil {
		return fmt.Errorf("lapic: ICR write from unowned source: %w", jhsys.EPERM)
	}
	if err := l.validateDestination(cell, target); err != nil {
		l.stats.dropped.Add(1)
		return err
	}
	if err := l.post(target, vector); err != nil {
		l.stats.dropped.Add(1)
		return err
	}
	l.stats.sent.Add(1)
	return nil
}

func (l *LAPIC) InjectVector(target CPUID, vector Vector) error {
	return l.post(target, vector)
}

func (l *LAPIC) PendingVectors(target CPUID) []Vector {
	return l.drain(target)
}

func (l *LAPIC) ValidateDestinationWrite(cell uint32, dest CPUID) error {
	return l.validateDestination(cell, dest)
}

// Stats returns (sent, dropped) IPI counters for diagnostics.
func (l *LAPIC) Stats() (sent, dropped uint64) {
	return l.stats.sent.Load(), l.stats.dropped.Load()
}
