package irqchip

import (
	"fmt"
	"sync"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// GICVersion selects GICv2 (ITARGETSR, 8-bit CPU target masks) vs GICv3
// (ICC_SGI1R_EL1, affinity-routed targets); both share the ownership and
// delivery model here.
type GICVersion int

const (
	GICv2 GICVersion = iota
	GICv3
)

// maintenanceQueueSize bounds the simulated maintenance-interrupt queue,
// which real GIC virtualization uses to tell the hypervisor a list
// register needs refilling once the guest EOIs an interrupt.
const maintenanceQueueSize = 64

// GIC implements Chip for ARM's Generic Interrupt Controller, virtualizing
// SGI routing (ITARGETSR on v2, ICC_SGI1R_EL1 affinity fields on v3) and
// exposing a maintenance-interrupt queue for list-register reclaim
// (§4.6).
type GIC struct {
	*ownership
	version GICVersion
	stats   ipiStats

	maintMu    sync.Mutex
	maintQueue []CPUID
}

// NewGIC constructs a GIC chip of the given architecture version.
func NewGIC(version GICVersion) *GIC {
	return &GIC{ownership: newOwnership(), version: version}
}

func (g *GIC) Version() GICVersion { return g.version }

func (g *GIC) AssignCPU(cpu CPUID, cell uint32) error { return g.assign(cpu, cell) }
func (g *GIC) UnassignCPU(cpu CPUID)                  { g.unassign(cpu) }

// SendIPI implements an SGI generation: ITARGETSR (GICv2) or
// ICC_SGI1R_EL1 (GICv3) writes are both reduced to "pick one destination
// CPU, validate it's in the sending cell's CPU set" by the caller that
// decodes the register (internal/vcpu); this method performs that
// validation and the actual posting.
func (g *GIC) SendIPI(source, target CPUID, cell uint32, vector Vector) error {
	if err := g.validateDestination(cell, source); err != nil {
		return fmt.Errorf("gic: SGI generation from unowned source: %w", jhsys.EPERM)
	}
	if err := g.validateDestination(cell, target); err != nil {
		g.stats.dropped.Add(1)
		return err
	}
	if err := g.post(target, vector); err != nil {
		g.stats.dropped.Add(1)
		return err
	}
	g.stats.sent.Add(1)
	return nil
}

func (g *GIC) InjectVector(target CPUID, vector Vector) error {
	return g.post(target, vector)
}

func (g *GIC) PendingVectors(target CPUID) []Vector {
	return g.drain(target)
}

func (g *GIC) ValidateDestinationWrite(cell uint32, dest CPUID) error {
	return g.validateDestination(cell, dest)
}

// PostMaintenance records that target's list registers need reclaiming
// after an EOI, for the hypervisor's own maintenance-IRQ handler to pick
// up; it never blocks the guest's delivery path.
func (g *GIC) PostMaintenance(target CPUID) {
	g.maintMu.Lock()
	defer g.maintMu.Unlock()
	if len(g.maintQueue) >= maintenanceQueueSize {
		g.maintQueue = g.maintQueue[1:]
	}
	g.maintQueue = append(g.maintQueue, target)
}

// DrainMaintenance returns and clears the queued maintenance events.
func (g *GIC) DrainMaintenance() []CPUID {
	g.maintMu.Lock()
	defer g.maintMu.Unlock()
	out := g.maintQueue
	g.maintQueue = nil
	return out
}

// Stats returns (sent, dropped) SGI counters for diagnostics.
func (g *GIC) Stats() (sent, dropped uint64) {
	return g.stats.sent.Load(), g.stats.dropped.Load()
}
