// Package pit implements the i8253/8254 programmable interval timer's
// device-model timing core: per-channel mode state machine, count
// read-back, and next-interrupt-time computation. Grounded line for
// line on user/vdev/i8254/pit.c (muldiv64, vpit_get_count,
// vpit_get_out, vpit_get_next_intr_time, vpit_ioport_write/read). There
// is no port of vpit_channel_update: nothing here raises IRQ0 or records
// that an interrupt was delivered.
package pit

import (
	"sync"

	"defs"
)

// I/O ports the PIT occupies, matching the original's port map.
const (
	PortChan0 = 0x40
	PortChan1 = 0x41
	PortChan2 = 0x42
	PortCtrl  = 0x43
	PortGate  = 0x61
)

/// PIT_FREQ is the PIT's fixed input clock, 1.193182 MHz.
const PIT_FREQ = 1193182

// muldiv64 computes a*b/c without overflowing 64 bits when a and c are
// full-width but the true product a*b does not itself need more than
// 96 bits of intermediate precision, mirroring pit.c's split
// multiply-divide: a is broken into its high and low 32-bit halves,
// each half is multiplied by b (32x32->64, never overflows), the low
// half's carry out of bit 31 is folded into the high product before
// dividing, and only the low 32 bits of the low remainder term are
// combined back in, matching the union-based uint32/uint32 split the
// original performs via res.l.high/res.l.low.
func muldiv64(a uint64, b, c uint32) uint64 {
	al := a & 0xffffffff
	ah := a >> 32
	rl := al * uint64(b)
	rh := ah*uint64(b) + (rl >> 32)
	resHigh := rh / uint64(c)
	resLow := (((rh % uint64(c)) << 32) + (rl & 0xffffffff)) / uint64(c)
	return (resHigh << 32) + (resLow & 0xffffffff)
}

/// Mode is the PIT channel's counter mode (M2/M1/M0 bits of the control
/// word).
type Mode int

const (
	Mode0 Mode = iota // interrupt on terminal count
	Mode1             // hardware re-triggerable one-shot
	Mode2             // rate generator
	Mode3             // square wave generator
	Mode4             // software triggered strobe
	Mode5             // hardware triggered strobe
)

// decodeMode maps the control word's 3-bit M2/M1/M0 field to a Mode,
// aliasing the undocumented field values 110 and 111 to Mode2 and Mode3:
// real 8254 hardware ignores M2 whenever M1 is set, so those two values
// are just a second encoding of rate-generator and square-wave mode.
func decodeMode(field uint8) Mode {
	switch field {
	case 6:
		return Mode2
	case 7:
		return Mode3
	default:
		return Mode(field)
	}
}

/// ReadWriteMode is the RW1/RW0 access-mode field of the control word.
type ReadWriteMode int

const (
	RWLatch ReadWriteMode = iota
	RWLSBOnly
	RWMSBOnly
	RWLSBThenMSB
)

/// Channel_t is one PIT channel's full state machine. Each channel owns
/// its own lock, matching the original's per-channel ch->lk rather than
/// one package-global lock.
type Channel_t struct {
	mu sync.Mutex

	Mode          Mode
	RW            ReadWriteMode
	BCD           bool
	Count         uint32
	InitialCount  uint32
	CountLoadTime int64 // ns timestamp, matches get_clock() in pit.c

	Gate    bool
	running bool

	readState     int // bytes of count already read in LSB-then-MSB mode
	writeState    int
	writeLatch    uint32
	countLatched  bool
	latchedCount  uint32
	statusLatched bool
	latchedStatus uint8

	lastIntrTime      int64
	lastIntrTimeValid bool

	now func() int64 // injected clock, ns since boot
}

/// NewChannel constructs a channel with its clock source injected
/// (get_clock() in the original is itself a collaborator, not part of
/// the timing core).
func NewChannel(now func() int64) *Channel_t {
	return &Channel_t{now: now}
}

/// GetCount returns the channel's current down-counter value, computed
/// from elapsed time since the count was loaded rather than ticked
/// synchronously, mirroring vpit_get_count's mode-dependent countdown
/// logic.
func (c *Channel_t) GetCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getCountLocked()
}

func (c *Channel_t) getCountLocked() uint32 {
	d := muldiv64(uint64(c.now()-c.CountLoadTime), PIT_FREQ, 1000000000)
	var base uint64
	if c.InitialCount == 0 {
		base = 0x10000
	} else {
		base = uint64(c.InitialCount)
	}
	switch c.Mode {
	case Mode0, Mode1, Mode4, Mode5:
		return uint32((base - d) & 0xffff)
	case Mode2:
		return uint32((base - d%base) & 0xffff)
	case Mode3:
		// square wave: counter decrements by 2 each input tick; odd
		// counts use the same formula as even ones
		return uint32((base - (2*d)%base) & 0xffff)
	default:
		return uint32(base)
	}
}

/// GetOut returns the channel's OUT pin level, mirroring vpit_get_out's
/// per-mode output logic.
func (c *Channel_t) GetOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getOutLocked()
}

// getOutLocked is GetOut's body, callable from code that already holds
// c.mu (statusByte, called from readBackCommand).
func (c *Channel_t) getOutLocked() bool {
	d := muldiv64(uint64(c.now()-c.CountLoadTime), PIT_FREQ, 1000000000)
	var base uint64
	if c.InitialCount == 0 {
		base = 0x10000
	} else {
		base = uint64(c.InitialCount)
	}
	switch c.Mode {
	case Mode0:
		return d >= base
	case Mode1:
		return d < base
	case Mode2:
		// OUT is high throughout the period except for one clock pulse
		// at terminal count, matching real 8254 mode-2 behavior.
		return d%base != base-1
	case Mode3:
		return (d % base) < (base+1)/2
	case Mode4, Mode5:
		return d == base
	}
	return false
}

/// GetNextIntrTime returns the next time (ns since boot) channel 0
/// (only channel 0 fires IRQ0) will raise its timer interrupt,
/// mirroring vpit_get_next_intr_time's per-mode re-arm computation, or
/// reports no pending interrupt is scheduled. For the one-shot modes
/// (0, 1, 4, 5) it returns the load time plus one full count; nothing in
/// this package marks that interrupt as delivered, so the same time is
/// still returned after it has passed.
func (c *Channel_t) GetNextIntrTime() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var base uint64
	if c.InitialCount == 0 {
		base = 0x10000
	} else {
		base = uint64(c.InitialCount)
	}
	switch c.Mode {
	case Mode0, Mode1, Mode4, Mode5:
		if c.lastIntrTimeValid {
			return 0, false // one-shot modes fire once per load
		}
		next := c.CountLoadTime + int64(muldiv64(base, 1000000000, PIT_FREQ))
		return next, true
	case Mode2, Mode3:
		d := muldiv64(uint64(c.now()-c.CountLoadTime), PIT_FREQ, 1000000000)
		periods := d/base + 1
		next := c.CountLoadTime + int64(muldiv64(periods*base, 1000000000, PIT_FREQ))
		return next, true
	}
	return 0, false
}

/// LoadCount sets the initial count and restarts the channel's clock,
/// mirroring vpit_load_count. A zero val is treated as the maximal
/// count 0x10000, matching hardware semantics.
func (c *Channel_t) LoadCount(val uint32) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BCD {
		return defs.NotSupported
	}
	c.InitialCount = val & 0xffff
	c.CountLoadTime = c.now()
	c.lastIntrTimeValid = false
	c.running = true
	return defs.OK
}

/// LatchCount freezes the current count for subsequent port reads,
/// mirroring vpit_latch_count. A second latch before the first is
/// consumed is a no-op, matching hardware's own latch-holds semantics.
func (c *Channel_t) LatchCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countLatched {
		return
	}
	c.latchedCount = c.getCountLocked()
	c.countLatched = true
	c.readState = 0
}

/// SetGate sets channel 2's GATE input level (port 0x61 bit 0). A rising
/// edge restarts the count in modes 1 and 5 and forces a reload in mode
/// 3; the level does not otherwise start or stop counting.
func (c *Channel_t) SetGate(level bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasLow := !c.Gate
	c.Gate = level
	if wasLow && level && (c.Mode == Mode1 || c.Mode == Mode3 || c.Mode == Mode5) {
		c.CountLoadTime = c.now()
		c.lastIntrTimeValid = false
	}
}

/// GetGate returns channel 2's GATE input level.
func (c *Channel_t) GetGate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Gate
}

/// IOPortWrite handles a write to one of the PIT's data ports or the
/// control port, decoding the control word's SC1/SC0/RW1/RW0/M2/M1/M0/
/// BCD fields and the read-back command, mirroring vpit_ioport_write.
func (c *Channel_t) IOPortWrite(isControl bool, val uint8) defs.Err_t {
	if isControl {
		return c.writeControl(val)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.RW {
	case RWLSBOnly:
		return c.finishLoad(uint32(val))
	case RWMSBOnly:
		return c.finishLoad(uint32(val) << 8)
	case RWLSBThenMSB:
		if c.writeState == 0 {
			c.writeLatch = uint32(val)
			c.writeState = 1
			return defs.OK
		}
		c.writeState = 0
		return c.finishLoad(c.writeLatch | uint32(val)<<8)
	}
	return defs.BadArg
}

// finishLoad must be called with c.mu held.
func (c *Channel_t) finishLoad(val uint32) defs.Err_t {
	if c.BCD {
		return defs.NotSupported
	}
	c.InitialCount = val & 0xffff
	c.CountLoadTime = c.now()
	c.lastIntrTimeValid = false
	c.running = true
	return defs.OK
}

func (c *Channel_t) writeControl(val uint8) defs.Err_t {
	sc := (val >> 6) & 0x3
	if sc == 3 {
		return c.readBackCommand(val)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rw := ReadWriteMode((val >> 4) & 0x3)
	if rw == RWLatch {
		c.countLatched = false
		c.latchedCount = c.getCountLocked()
		c.countLatched = true
		c.readState = 0
		return defs.OK
	}
	c.RW = rw
	c.Mode = decodeMode((val >> 1) & 0x7)
	c.BCD = val&1 != 0
	c.writeState = 0
	c.readState = 0
	return defs.OK
}

// readBackCommand implements the PIT read-back command (SC1=SC0=1):
// optionally latches the status and/or count of the channels selected
// by bits 1-3 of val.
func (c *Channel_t) readBackCommand(val uint8) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if val&(1<<5) == 0 { // latch count
		c.latchedCount = c.getCountLocked()
		c.countLatched = true
		c.readState = 0
	}
	if val&(1<<4) == 0 { // latch status
		c.latchedStatus = c.statusByte()
		c.statusLatched = true
	}
	return defs.OK
}

func (c *Channel_t) statusByte() uint8 {
	s := uint8(c.RW)<<4 | uint8(c.Mode)<<1
	if c.BCD {
		s |= 1
	}
	if c.getOutLocked() {
		s |= 1 << 7
	}
	return s
}

/// IOPortRead handles a read from a channel's data port, decoding
/// latched status/count or the live count per the configured RW mode,
/// mirroring vpit_ioport_read.
func (c *Channel_t) IOPortRead() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusLatched {
		c.statusLatched = false
		return c.latchedStatus
	}
	count := c.latchedCount
	if !c.countLatched {
		count = c.getCountLocked()
	}
	switch c.RW {
	case RWLSBOnly:
		c.countLatched = false
		return uint8(count)
	case RWMSBOnly:
		c.countLatched = false
		return uint8(count >> 8)
	case RWLSBThenMSB:
		if c.readState == 0 {
			c.readState = 1
			return uint8(count)
		}
		c.readState = 0
		c.countLatched = false
		return uint8(count >> 8)
	}
	return 0
}
