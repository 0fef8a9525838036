package pit

import "testing"

func TestMuldiv64Exact(t *testing.T) {
	cases := []struct {
		a    uint64
		b, c uint32
		want uint64
	}{
		{0, 1193182, 1000000000, 0},
		{1000000000, 1193182, 1000000000, 1193182},
		{2000000000, 1193182, 1000000000, 2386364},
	}
	for _, c := range cases {
		got := muldiv64(c.a, c.b, c.c)
		if got != c.want {
			t.Errorf("muldiv64(%d,%d,%d) = %d, want %d", c.a, c.b, c.c, got, c.want)
		}
	}
}

func TestMuldiv64NoOverflow(t *testing.T) {
	got := muldiv64(^uint64(0), 1193182, 1000000000)
	if got == 0 {
		t.Fatalf("expected a nonzero result for a large a")
	}
}

func TestMode2PeriodAndOut(t *testing.T) {
	now := int64(0)
	ch := NewChannel(func() int64 { return now })
	if err := ch.IOPortWrite(true, uint8(Mode2)<<1|uint8(RWLSBThenMSB)<<4); err != 0 {
		t.Fatalf("control write: %v", err)
	}
	ch.IOPortWrite(false, 0) // LSB of 0
	ch.IOPortWrite(false, 0)
	// a mode-2 channel with a zero load treats it as 0x10000 (max count)
	if out := ch.GetOut(); !out {
		t.Fatalf("expected OUT high immediately after load in mode 2")
	}

	periodNs := int64(muldiv64(0x10000, 1000000000, PIT_FREQ))
	now = periodNs - 1
	next, ok := ch.GetNextIntrTime()
	if !ok {
		t.Fatalf("expected a scheduled interrupt in mode 2")
	}
	if next < now {
		t.Fatalf("next interrupt time %d must not be in the past (now=%d)", next, now)
	}
}

func TestLatchCountHoldsUntilConsumed(t *testing.T) {
	now := int64(0)
	ch := NewChannel(func() int64 { return now })
	ch.IOPortWrite(true, uint8(Mode0)<<1|uint8(RWLSBThenMSB)<<4)
	ch.IOPortWrite(false, 0x34)
	ch.IOPortWrite(false, 0x12) // load 0x1234

	ch.LatchCount()
	now = 100000 // advance time after latching
	lo := ch.IOPortRead()
	hi := ch.IOPortRead()
	got := uint32(lo) | uint32(hi)<<8
	if got != 0x1234 {
		t.Fatalf("latched count changed after advancing time: got %#x want %#x", got, 0x1234)
	}
}

func TestBCDRejected(t *testing.T) {
	now := int64(0)
	ch := NewChannel(func() int64 { return now })
	ch.IOPortWrite(true, uint8(Mode0)<<1|uint8(RWLSBOnly)<<4|1)
	if err := ch.IOPortWrite(false, 10); err == 0 {
		t.Fatalf("expected BCD loads to be rejected as not supported")
	}
}

func TestGateRearmsOneShotModes(t *testing.T) {
	now := int64(0)
	ch := NewChannel(func() int64 { return now })
	ch.IOPortWrite(true, uint8(Mode1)<<1|uint8(RWLSBOnly)<<4)
	ch.SetGate(false)
	ch.IOPortWrite(false, 100)
	now = 50
	ch.SetGate(true) // rising edge should reload the counter
	if _, ok := ch.GetNextIntrTime(); !ok {
		t.Fatalf("expected mode 1 to schedule an interrupt after gate trigger")
	}
}
