package vmx

import (
	"testing"

	"defs"
)

type fakeVMCS struct {
	fields map[uint32]uint64
}

func newFakeVMCS() *fakeVMCS {
	return &fakeVMCS{fields: map[uint32]uint64{}}
}

func (f *fakeVMCS) Read(field uint32) uint64  { return f.fields[field] }
func (f *fakeVMCS) Write(field uint32, val uint64) { f.fields[field] = val }

func TestGetSetRegRoutesShadowAndVMCS(t *testing.T) {
	vmcs := newFakeVMCS()
	v := New(vmcs, nil)

	v.SetReg(RegEax, 0x11)
	if got := v.GetReg(RegEax); got != 0x11 {
		t.Fatalf("shadow RegEax = %#x, want 0x11", got)
	}

	v.SetReg(RegEip, 0x4000)
	if got := v.GetReg(RegEip); got != 0x4000 {
		t.Fatalf("VMCS-backed RegEip = %#x, want 0x4000", got)
	}
	if vmcs.fields[vmcsGuestRip] != 0x4000 {
		t.Fatalf("RegEip write did not land on vmcsGuestRip")
	}
}

func TestGetExitReasonCanonicalizesKnownRaw(t *testing.T) {
	cases := []struct {
		raw  uint64
		want ExitReason
	}{
		{0, ExitForException},
		{1, ExitForExtIntr},
		{10, ExitForCPUID},
		{12, ExitForInvalInstr}, // EXIT_REASON_HLT collapses into InvalInstr
		{30, ExitForIOPort},
		{48, ExitForPgFlt},
		{51, ExitForInvalInstr}, // EXIT_REASON_RDTSCP
	}
	for _, c := range cases {
		vmcs := newFakeVMCS()
		vmcs.fields[vmcsExitReason] = c.raw
		v := New(vmcs, nil)
		got, err := v.GetExitReason()
		if err != defs.OK {
			t.Fatalf("raw=%d: unexpected error %v", c.raw, err)
		}
		if got != c.want {
			t.Fatalf("raw=%d: got %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestGetExitReasonCRAccessFallsThroughToInval(t *testing.T) {
	vmcs := newFakeVMCS()
	vmcs.fields[vmcsExitReason] = 28 // EXIT_REASON_CR_ACCESS: no case in the original switch
	v := New(vmcs, nil)
	got, err := v.GetExitReason()
	if err != defs.NotSupported {
		t.Fatalf("err = %v, want NotSupported", err)
	}
	if got != ExitForInval {
		t.Fatalf("got %v, want ExitForInval", got)
	}
}

func TestGetExitReasonMasksToLow16Bits(t *testing.T) {
	vmcs := newFakeVMCS()
	// VMX_EXIT_REASONS bit 31 ("entry failure") and other high bits must
	// not change the canonicalized reason.
	vmcs.fields[vmcsExitReason] = (1 << 31) | 10
	v := New(vmcs, nil)
	got, err := v.GetExitReason()
	if err != defs.OK {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != ExitForCPUID {
		t.Fatalf("got %v, want ExitForCPUID", got)
	}
}

func TestGetNextEipAddsInstrLen(t *testing.T) {
	vmcs := newFakeVMCS()
	vmcs.fields[vmcsGuestRip] = 0x1000
	vmcs.fields[vmcsExitInstrLen] = 3
	v := New(vmcs, nil)
	if got := v.GetNextEip(); got != 0x1003 {
		t.Fatalf("GetNextEip = %#x, want 0x1003", got)
	}
}

func TestInjectEventDropsWhilePending(t *testing.T) {
	vmcs := newFakeVMCS()
	v := New(vmcs, nil)

	v.InjectEvent(0x20, 0, false)
	if !v.PendingEvent() {
		t.Fatalf("expected event pending after first injection")
	}
	first := vmcs.fields[vmcsEntryIntr]

	// A second injection while one is already pending must be dropped,
	// mirroring vmx_inject_event's valid-bit check.
	v.InjectEvent(0x21, 0, false)
	if vmcs.fields[vmcsEntryIntr] != first {
		t.Fatalf("second InjectEvent overwrote a still-pending event")
	}
}

func TestInjectEventSetsErrorCodeBit(t *testing.T) {
	vmcs := newFakeVMCS()
	v := New(vmcs, nil)
	v.InjectEvent(0xe, 0, true)
	if vmcs.fields[vmcsEntryIntr]&(1<<11) == 0 {
		t.Fatalf("expected deliver-error-code bit set")
	}
}

func TestIOPortDecoding(t *testing.T) {
	vmcs := newFakeVMCS()
	// port 0x40, width 1 byte, OUT (dir bit clear)
	vmcs.fields[vmcsExitQual] = uint64(0x40)<<ioQualPortShift | 0 /* width=1 */
	v := New(vmcs, nil)
	if got := v.IOPort(); got != 0x40 {
		t.Fatalf("IOPort = %#x, want 0x40", got)
	}
	if got := v.IOWidth(); got != 1 {
		t.Fatalf("IOWidth = %d, want 1", got)
	}
	if !v.IOWrite() {
		t.Fatalf("expected IOWrite true (dir bit clear means OUT)")
	}
	if v.IORep() || v.IOStr() {
		t.Fatalf("expected no REP/STR bits set")
	}
}

func TestSetDescUnknownSegment(t *testing.T) {
	vmcs := newFakeVMCS()
	v := New(vmcs, nil)
	if err := v.SetDesc("XX", SegBase, 0); err != defs.BadArg {
		t.Fatalf("err = %v, want BadArg for unknown segment", err)
	}
}
