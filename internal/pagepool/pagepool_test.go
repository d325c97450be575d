package pagepool

import (
	"errors"
	"testing"

	"github.com/jailhouse-go/jailhouse/internal/jhsys"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p, err := New("test", 16, ScrubOnFree)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	before := p.UsedCount()

	base, err := p.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if p.UsedCount() != before+4 {
		t.Fatalf("UsedCount after alloc = %d, want %d", p.UsedCount(), before+4)
	}

	if err := p.Free(base, 4); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if p.UsedCount() != before {
		t.Fatalf("UsedCount after free = %d, want %d (P3 round-trip)", p.UsedCount(), before)
	}
}

func TestAllocExhaustion(t *testing.T) {
	p, err := New("test", 4, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if _, err := p.Alloc(4); err != nil {
		t.Fatalf("Alloc(4): %v", err)
	}

	// B3: allocating N+1 pages where the pool has N free returns ENOMEM.
	if _, err := p.Alloc(1); !errors.Is(err, jhsys.ENOMEM) {
		t.Fatalf("Alloc(1) on exhausted pool = %v, want ENOMEM", err)
	}
}

func TestAllocAligned(t *testing.T) {
	p, err := New("test", 32, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	// Force the cursor off-alignment.
	if _, err := p.Alloc(3); err != nil {
		t.Fatalf("Alloc(3): %v", err)
	}

	base, err := p.AllocAligned(4)
	if err != nil {
		t.Fatalf("AllocAligned(4): %v", err)
	}
	if base%4 != 0 {
		t.Fatalf("AllocAligned(4) returned base %d, not 4-aligned", base)
	}
}

func TestScrubOnFree(t *testing.T) {
	p, err := New("test", 4, ScrubOnFree)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	base, err := p.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b := p.Bytes()
	off := int(base) * PageSize
	for i := 0; i < PageSize; i++ {
		b[off+i] = 0xAA
	}
	if err := p.Free(base, 1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	for i := 0; i < PageSize; i++ {
		if b[off+i] != 0 {
			t.Fatalf("page not scrubbed at offset %d", i)
		}
	}
}
