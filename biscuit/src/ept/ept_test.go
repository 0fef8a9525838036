package ept

import (
	"testing"

	"defs"
	"mem"
	"res"
)

func newFakeTable(t *testing.T) *Table_t {
	t.Helper()
	// AddMapping reserves against res's global page budget, which starts
	// at zero and would refuse every reservation.
	res.SetBudget(1 << 20)
	pages := map[mem.Pa_t]*level{}
	var next mem.Pa_t = 0x100000
	alloc := func() (mem.Pa_t, bool) {
		pa := next
		next += mem.Pa_t(0x1000)
		pages[pa] = &level{}
		return pa, true
	}
	toPage := func(pa mem.Pa_t) *level {
		lv, ok := pages[pa]
		if !ok {
			t.Fatalf("toPage of unallocated page %#x", pa)
		}
		return lv
	}
	tbl, err := New(alloc, toPage)
	if err != defs.OK {
		t.Fatalf("New: %v", err)
	}
	return tbl
}

func TestAddMappingLookupRoundTrip(t *testing.T) {
	tbl := newFakeTable(t)
	const gpa = 0x5000
	if err := tbl.AddMapping(gpa, 0x80000, EptR|EptW|EptX, MemTypeWB); err != defs.OK {
		t.Fatalf("AddMapping: %v", err)
	}
	hpa, ok := tbl.Lookup(gpa)
	if !ok {
		t.Fatalf("expected mapping to be present")
	}
	if hpa != 0x80000 {
		t.Fatalf("hpa = %#x, want 0x80000", hpa)
	}
}

func TestLookupMissingMapping(t *testing.T) {
	tbl := newFakeTable(t)
	if _, ok := tbl.Lookup(0x9000); ok {
		t.Fatalf("expected no mapping for an untouched gpa")
	}
}

func TestAddMappingAcrossDifferentLevel4Ranges(t *testing.T) {
	tbl := newFakeTable(t)
	const lowGpa = 0x1000
	const highGpa = uintptr(1) << 40 // forces a distinct PML4 index
	if err := tbl.AddMapping(lowGpa, 0x10000, EptR, MemTypeWB); err != defs.OK {
		t.Fatalf("AddMapping low: %v", err)
	}
	if err := tbl.AddMapping(highGpa, 0x20000, EptR, MemTypeWB); err != defs.OK {
		t.Fatalf("AddMapping high: %v", err)
	}
	lowHpa, ok := tbl.Lookup(lowGpa)
	if !ok || lowHpa != 0x10000 {
		t.Fatalf("low mapping corrupted: hpa=%#x ok=%v", lowHpa, ok)
	}
	highHpa, ok := tbl.Lookup(highGpa)
	if !ok || highHpa != 0x20000 {
		t.Fatalf("high mapping corrupted: hpa=%#x ok=%v", highHpa, ok)
	}
}

func TestRootReturnsPML4PhysAddr(t *testing.T) {
	tbl := newFakeTable(t)
	if tbl.Root() == 0 {
		t.Fatalf("Root returned 0")
	}
}

func TestInvalidateInvokesFlushWithRoot(t *testing.T) {
	tbl := newFakeTable(t)
	var got mem.Pa_t
	tbl.Invalidate(func(root mem.Pa_t) { got = root })
	if got != tbl.Root() {
		t.Fatalf("flush called with %#x, want root %#x", got, tbl.Root())
	}
}

func TestInvalidateNilFlushIsNoop(t *testing.T) {
	tbl := newFakeTable(t)
	tbl.Invalidate(nil) // must not panic
}
