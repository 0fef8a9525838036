package pit

import "stats"

/// Device_t is the full three-channel PIT device model, wiring the port
/// map (0x40-0x43, 0x61) to the three Channel_t state machines.
/// Channel 0 drives IRQ0; channel 1 is historically DRAM refresh and is
/// modeled but never wired to an interrupt; channel 2 drives the PC
/// speaker and is gated through port 0x61, mirroring vpit_init/main in
/// pit.c.
type Device_t struct {
	Chans [3]*Channel_t

	speakerGate  bool
	speakerData  bool
	updateCalls  stats.Counter_t
	updateCycles stats.Cycles_t
}

/// NewDevice constructs a three-channel PIT device with a shared clock
/// source.
func NewDevice(now func() int64) *Device_t {
	d := &Device_t{}
	for i := range d.Chans {
		d.Chans[i] = NewChannel(now)
	}
	return d
}

func (d *Device_t) chanFor(port int) *Channel_t {
	switch port {
	case PortChan0:
		return d.Chans[0]
	case PortChan1:
		return d.Chans[1]
	case PortChan2:
		return d.Chans[2]
	}
	return nil
}

/// Out handles an OUT to one of the device's ports.
func (d *Device_t) Out(port int, val uint8) {
	start := stats.Rdtsc()
	defer d.updateCycles.Add(start)
	d.updateCalls.Inc()

	if port == PortCtrl {
		sc := (val >> 6) & 0x3
		if sc == 3 {
			d.readBackAll(val)
			return
		}
		d.chanFor(int(PortChan0+sc)).IOPortWrite(true, val)
		return
	}
	if port == PortGate {
		d.speakerGate = val&1 != 0
		d.speakerData = val&2 != 0
		d.Chans[2].SetGate(d.speakerGate)
		return
	}
	if ch := d.chanFor(port); ch != nil {
		ch.IOPortWrite(false, val)
	}
}

/// In handles an IN from one of the device's ports, mirroring
/// vpit_gate_ioport_read for port 0x61 (only the gate/speaker-data bits
/// and channel-2 OUT are reflected; PC speaker audio output itself is
/// out of this core's scope).
func (d *Device_t) In(port int) uint8 {
	if port == PortGate {
		var v uint8
		if d.speakerGate {
			v |= 1
		}
		if d.speakerData {
			v |= 2
		}
		if d.Chans[2].GetOut() {
			v |= 1 << 5
		}
		return v
	}
	if ch := d.chanFor(port); ch != nil {
		return ch.IOPortRead()
	}
	return 0xff
}

// readBackAll applies a read-back command across every channel
// selected by val's channel-select bits 1-3, matching vpit_ioport_write's
// own dispatch of the SC1=SC0=1 command to each selected channel.
func (d *Device_t) readBackAll(val uint8) {
	for i, ch := range d.Chans {
		if val&(1<<(1+i)) != 0 {
			ch.readBackCommand(val)
		}
	}
}

/// NextIRQ0Time reports the next time (ns since boot) the device will
/// raise IRQ0, derived from channel 0 alone (the only channel wired to
/// an interrupt line), mirroring vpit_update's channel-0-only trigger.
func (d *Device_t) NextIRQ0Time() (int64, bool) {
	return d.Chans[0].GetNextIntrTime()
}
