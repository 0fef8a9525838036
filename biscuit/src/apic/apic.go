// Package apic is the minimal external-interface contract the scheduler
// consumes from the local APIC: sending a reschedule IPI to another CPU
// and the configured LAPIC timer tick rate. Register-level LAPIC/IOAPIC
// programming is out of this core's scope (spec.md §1); only the two
// operations the scheduler's cross-CPU wakeup and tick accounting depend
// on are modeled, grounded on the lapic_send_ipi call in
// sys/kern/proc.c's proc_unblock and on struct pcpuinfo's lapicid field.
package apic

import "defs"

/// IPI_RESCHED is the vector the scheduler uses to ask a remote CPU to
/// re-evaluate its ready queue after a cross-CPU unblock.
const IPI_RESCHED = 0xfd

/// Sender abstracts sending an IPI to the CPU identified by lapicID.
type Sender interface {
	SendIPI(lapicID int, vector int)
}

/// TimerFreq returns the configured LAPIC timer frequency in Hz.
func TimerFreq() int {
	return defs.LAPIC_TIMER_INTR_FREQ
}
