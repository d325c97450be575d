package mmio

import "testing"

func TestDispatchToRegisteredRegion(t *testing.T) {
	d := New(false, nil)
	var lastAddr uint64
	err := d.RegionRegister(0x1000, 0x100, HandlerFunc(func(acc *Access) Result {
		lastAddr = acc.Address
		if !acc.IsWrite {
			acc.Value = 0x42
		}
		return Handled
	}), nil)
	if err != nil {
		t.Fatalf("RegionRegister: %v", err)
	}

	var v uint64
	res := d.HandleAccess(0x1010, false, 4, &v)
	if res != Handled {
		t.Fatalf("HandleAccess = %v, want Handled", res)
	}
	if lastAddr != 0x10 {
		t.Fatalf("handler saw address %#x, want 0x10 (offset within region)", lastAddr)
	}
	if v != 0x42 {
		t.Fatalf("read value = %#x, want 0x42", v)
	}
}

func TestUnmatchedAccessNonRootIsError(t *testing.T) {
	d := New(false, nil)
	var v uint64
	if res := d.HandleAccess(0x5000, false, 4, &v); res != Error {
		t.Fatalf("unmatched access on non-root cell = %v, want Error", res)
	}
}

func TestRootHoleReadsZeroIgnoresWrite(t *testing.T) {
	d := New(true, []RootHole{{Start: 0xE0000, Size: 0x1000}})
	var v uint64 = 0xDEADBEEF
	if res := d.HandleAccess(0xE0010, false, 4, &v); res != Handled || v != 0 {
		t.Fatalf("root hole read: res=%v v=%#x, want Handled/0", res, v)
	}
	if res := d.HandleAccess(0xE0010, true, 4, &v); res != Handled {
		t.Fatalf("root hole write: res=%v, want Handled", res)
	}
}

func TestRegisterRejectsOverlap(t *testing.T) {
	d := New(false, nil)
	noop := HandlerFunc(func(*Access) Result { return Handled })
	if err := d.RegionRegister(0x1000, 0x100, noop, nil); err != nil {
		t.Fatalf("first RegionRegister: %v", err)
	}
	if err := d.RegionRegister(0x1080, 0x100, noop, nil); err == nil {
		t.Fatalf("overlapping RegionRegister succeeded, want error")
	}
}

func TestUnregisterRemovesRegion(t *testing.T) {
	d := New(false, nil)
	noop := HandlerFunc(func(*Access) Result { return Handled })
	if err := d.RegionRegister(0x2000, 0x10, noop, nil); err != nil {
		t.Fatalf("RegionRegister: %v", err)
	}
	if !d.RegionUnregister(0x2000) {
		t.Fatalf("RegionUnregister returned false")
	}
	var v uint64
	if res := d.HandleAccess(0x2000, false, 4, &v); res != Error {
		t.Fatalf("access after unregister = %v, want Error", res)
	}
}
