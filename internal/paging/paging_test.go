package paging

import (
	"testing"

	"github.com/jailhouse-go/jailhouse/internal/pagepool"
)

func newTestTable(t *testing.T, pages uint32) (*Table, *pagepool.Pool) {
	t.Helper()
	pool, err := pagepool.New("paging-test", pages, 0)
	if err != nil {
		t.Fatalf("pagepool.New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	table, err := NewTable(pool, X8664Format)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table, pool
}

func TestCreateAndVirt2Phys(t *testing.T) {
	table, _ := newTestTable(t, 64)

	const virt = 0x400000
	const phys = 0x10000000
	const size = 0x4000 // 4 pages

	if err := table.Create(phys, size, virt, FlagRead|FlagWrite, Coherent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for off := uint64(0); off < size; off += pagepool.PageSize {
		got := table.Virt2Phys(virt+off, FlagRead)
		want := phys + off
		if got != want {
			t.Fatalf("Virt2Phys(%#x) = %#x, want %#x", virt+off, got, want)
		}
	}

	// P2: a permission not granted must yield Invalid.
	if got := table.Virt2Phys(virt, FlagExecute); got != Invalid {
		t.Fatalf("Virt2Phys with unrequested FlagExecute = %#x, want Invalid", got)
	}
}

func TestDestroyRoundTrip(t *testing.T) {
	table, pool := newTestTable(t, 64)

	const virt = 0x200000
	const phys = 0x8000000
	const size = 0x3000

	if err := table.Create(phys, size, virt, FlagRead, Coherent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	usedAfterCreate := pool.UsedCount()

	if err := table.Destroy(virt, size, Coherent); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	for off := uint64(0); off < size; off += pagepool.PageSize {
		if got := table.Virt2Phys(virt+off, FlagRead); got != Invalid {
			t.Fatalf("Virt2Phys(%#x) after Destroy = %#x, want Invalid", virt+off, got)
		}
	}

	// Intermediate tables allocated for the mapping should be freed back,
	// leaving only the root page used.
	if pool.UsedCount() >= usedAfterCreate {
		t.Fatalf("UsedCount after Destroy = %d, want less than %d", pool.UsedCount(), usedAfterCreate)
	}
}

func TestHugepageSplitOnPartialUnmap(t *testing.T) {
	table, pool := newTestTable(t, 16)

	const virt = 0
	const phys = 0x40000000 // 1 GiB aligned
	const size = 1 << 30    // one 1 GiB hugepage

	if err := table.Create(phys, size, virt, FlagRead|FlagWrite, Coherent); err != nil {
		t.Fatalf("Create 1GiB hugepage: %v", err)
	}

	// Unmap a single 4 KiB subpage in the middle of the hugepage: this
	// must split PDPT->PD->PT (B4: succeeds iff >=2 free pages exist).
	sub := virt + 0x21000
	if err := table.Destroy(sub, pagepool.PageSize, Coherent); err != nil {
		t.Fatalf("Destroy single subpage of hugepage: %v", err)
	}

	if got := table.Virt2Phys(sub, FlagRead); got != Invalid {
		t.Fatalf("Virt2Phys(subpage) after split-unmap = %#x, want Invalid", got)
	}
	// A neighboring page within the same (now split) hugepage must still
	// be mapped.
	neighbor := sub + pagepool.PageSize
	if got := table.Virt2Phys(neighbor, FlagRead); got == Invalid {
		t.Fatalf("Virt2Phys(neighbor) after split-unmap = Invalid, want mapped")
	}
	_ = pool
}

func TestDestroyExhaustionLeavesMappingIntact(t *testing.T) {
	// B4: if splitting a hugepage requires sub-table allocation and the
	// pool has <2 free pages, Destroy fails with ENOMEM and the mapping
	// remains intact. The root table and the PDPT table holding the
	// 1 GiB hugepage use both pages of a 2-page pool, so already the
	// first split (1 GiB entry into a PD table) cannot allocate.
	pool, err := pagepool.New("exhaustion", 2, 0)
	if err != nil {
		t.Fatalf("pagepool.New: %v", err)
	}
	defer pool.Close()
	table, err := NewTable(pool, X8664Format)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	const virt = 0
	const phys = 0x40000000
	const size = 1 << 30

	if err := table.Create(phys, size, virt, FlagRead, Coherent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := virt + 0x1000
	err = table.Destroy(sub, pagepool.PageSize, Coherent)
	if err == nil {
		t.Fatalf("Destroy with exhausted pool succeeded, want ENOMEM")
	}

	// The original hugepage mapping must still resolve for an untouched
	// address within it.
	if got := table.Virt2Phys(virt+0x500000, FlagRead); got == Invalid {
		t.Fatalf("Virt2Phys after failed split = Invalid, want mapping intact")
	}
}
