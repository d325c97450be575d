package fault

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/jailhouse-go/jailhouse/internal/iommu"
	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

type fakeSource struct {
	faults []iommu.Fault
}

func (f *fakeSource) CheckPendingFaults() []iommu.Fault {
	out := f.faults
	f.faults = nil
	return out
}

func TestPollOnlyReportingCPUDrains(t *testing.T) {
	var buf bytes.Buffer
	a := NewAggregator(slog.New(slog.NewTextHandler(&buf, nil)))
	src := &fakeSource{faults: []iommu.Fault{{Cell: 1, Device: 0x18, Address: 0x1000, Reason: "dma-write-no-mapping"}}}
	a.AddSource(src)
	a.NominateReportingCPU(3)

	got, err := a.Poll(0)
	if err != nil {
		t.Fatalf("Poll(non-reporting): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Poll(non-reporting) drained %d faults, want 0", len(got))
	}
	if len(src.faults) != 1 {
		t.Fatalf("source drained by non-reporting CPU's Poll call")
	}

	got, err = a.Poll(3)
	if err != nil {
		t.Fatalf("Poll(reporting): %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Poll(reporting) drained %d faults, want 1", len(got))
	}
	if a.TotalFaults() != 1 {
		t.Fatalf("TotalFaults = %d, want 1", a.TotalFaults())
	}
	if buf.Len() == 0 {
		t.Fatalf("no log output from Poll")
	}
}

func TestRequireReportingCPU(t *testing.T) {
	a := NewAggregator(nil)
	if err := a.RequireReportingCPU(); !errors.Is(err, jhsys.ENODEV) {
		t.Fatalf("RequireReportingCPU before nomination = %v, want ENODEV", err)
	}
	a.NominateReportingCPU(0)
	if err := a.RequireReportingCPU(); err != nil {
		t.Fatalf("RequireReportingCPU after nomination: %v", err)
	}
	a.ReleaseReportingCPU()
	if err := a.RequireReportingCPU(); !errors.Is(err, jhsys.ENODEV) {
		t.Fatalf("RequireReportingCPU after release = %v, want ENODEV", err)
	}
}
