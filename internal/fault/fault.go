// Package fault implements NMI-driven IOMMU fault aggregation and
// fault-reporting-CPU nomination (§4.10, §8 scenario 5): every physical
// CPU's NMI handler calls Aggregator.Poll, but only the nominated
// reporting CPU actually logs them, so a fault storm doesn't serialize
// every core behind one log call. Grounded on the teacher's
// internal/hv/common.go pattern of exposing raw atomics instead of a
// lock-guarded stats struct, reused here for the reporting-CPU id.
package fault

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jailhouse-go/jailhouse/internal/iommu"
	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

// noReportingCPU marks that no CPU currently owns fault reporting, e.g.
// before the first CellInit or after the reporting CPU's cell is torn
// down.
const noReportingCPU = ^uint32(0)

// Source is anything that can be drained for pending faults; every
// internal/iommu.Unit variant implements this.
type Source interface {
	CheckPendingFaults() []iommu.Fault
}

// Aggregator collects faults from one or more IOMMU units and logs them
// exactly once per fault, from whichever physical CPU currently holds
// reporting duty.
type Aggregator struct {
	mu      sync.Mutex
	sources []Source
	log     *slog.Logger

	reportingCPU atomic.Uint32
	total        atomic.Uint64
}

// NewAggregator constructs an aggregator with no reporting CPU assigned
// and no sources registered.
func NewAggregator(log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	a := &Aggregator{log: log.With("component", "fault")}
	a.reportingCPU.Store(noReportingCPU)
	return a
}

// AddSource registers an IOMMU unit (or any Source) to be polled by
// Poll.
func (a *Aggregator) AddSource(s Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, s)
}

// NominateReportingCPU assigns cpu as the one physical core whose NMI
// handler actually logs drained faults; called once at hypervisor
// bring-up and again whenever the previous reporting CPU's cell is
// destroyed or parked (§8 scenario 5's reassignment).
func (a *Aggregator) NominateReportingCPU(cpu uint32) {
	a.reportingCPU.Store(cpu)
}

// ReportingCPU returns the currently nominated reporting CPU, or false
// if none is assigned.
func (a *Aggregator) ReportingCPU() (uint32, bool) {
	v := a.reportingCPU.Load()
	return v, v != noReportingCPU
}

// ReleaseReportingCPU clears the nomination, e.g. because the cell owning
// that CPU just failed; callers must nominate a replacement before the
// next NMI or faults will accumulate unread (they are never dropped by
// Poll itself, only left undrained).
func (a *Aggregator) ReleaseReportingCPU() {
	a.reportingCPU.Store(noReportingCPU)
}

// Poll is called from every physical CPU's NMI handler. Only the
// nominated reporting CPU's call actually drains and logs; calls from
// any other CPU, or calls made while no CPU is nominated, are no-ops so
// that NMI delivery to non-reporting cores costs nothing beyond the
// atomic load.
func (a *Aggregator) Poll(cpu uint32) ([]iommu.Fault, error) {
	reporter, ok := a.ReportingCPU()
	if !ok || reporter != cpu {
		return nil, nil
	}

	a.mu.Lock()
	sources := append([]Source(nil), a.sources...)
	a.mu.Unlock()

	var all []iommu.Fault
	for _, s := range sources {
		all = append(all, s.CheckPendingFaults()...)
	}
	for _, f := range all {
		a.total.Add(1)
		a.log.Warn("iommu fault",
			"cell", f.Cell,
			"device", fmt.Sprintf("%#x", f.Device),
			"address", fmt.Sprintf("%#x", f.Address),
			"reason", f.Reason,
		)
	}
	return all, nil
}

// TotalFaults returns the cumulative number of faults ever logged, for
// diagnostics and tests.
func (a *Aggregator) TotalFaults() uint64 { return a.total.Load() }

// RequireReportingCPU returns ENODEV if no CPU currently owns reporting
// duty, for callers (e.g. cellmgr) that must refuse to continue
// operating without one.
func (a *Aggregator) RequireReportingCPU() error {
	if _, ok := a.ReportingCPU(); !ok {
		return fmt.Errorf("fault: no reporting cpu nominated: %w", jhsys.ENODEV)
	}
	return nil
}
