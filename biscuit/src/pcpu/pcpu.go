// Package pcpu holds per-CPU kernel state and the spinlock the rest of the
// kernel serializes on. Grounded on struct pcpuinfo (sys/arch/i386/include/
// pcpu_mp.h) for the per-CPU identity fields, and on the teacher's own
// lock-embedding idiom (sync.Mutex-in-struct, as accnt.Accnt_t does) for the
// lock shape — except the scheduler needs a true spinlock, not a blocking
// mutex, since it must be safely acquirable from inside the scheduler's own
// suspension points.
package pcpu

import (
	"fmt"
	"sync/atomic"

	"caller"
	"proc"
)

/// Spinlock_t is a test-and-set spinlock. Reentrant acquire by the holding
/// CPU panics rather than deadlocking, mirroring KERN_ASSERT-style fatal
/// checks in the CertiKOS core this module generalizes.
type Spinlock_t struct {
	state  uint32
	owner  int32
	dumped string
}

const (
	lockFree = 0
	lockHeld = 1
	noOwner  = -1
)

/// Acquire spins until the lock is free, then takes it. cpu identifies the
/// calling CPU for reentrance detection.
func (l *Spinlock_t) Acquire(cpu int) {
	for {
		if atomic.CompareAndSwapUint32(&l.state, lockFree, lockHeld) {
			atomic.StoreInt32(&l.owner, int32(cpu))
			return
		}
		if atomic.LoadInt32(&l.owner) == int32(cpu) {
			fmt.Printf("reentrant spinlock acquire by cpu %d at:\n", cpu)
			caller.Callerdump(2)
			panic("reentrant spinlock acquire")
		}
	}
}

/// Release drops the lock. Panics if the calling CPU does not hold it.
func (l *Spinlock_t) Release(cpu int) {
	if atomic.LoadInt32(&l.owner) != int32(cpu) {
		panic("release of spinlock not held by this cpu")
	}
	atomic.StoreInt32(&l.owner, noOwner)
	atomic.StoreUint32(&l.state, lockFree)
}

/// Holding reports whether cpu currently holds the lock.
func (l *Spinlock_t) Holding(cpu int) bool {
	return atomic.LoadInt32(&l.owner) == int32(cpu)
}

/// Pcpu_t is the per-CPU kernel state: identity, scheduler linkage, and
/// light diagnostic counters. One instance exists per simulated CPU and is
/// threaded explicitly through every call made on that CPU's goroutine —
/// this module does not rely on goroutine-local storage.
type Pcpu_t struct {
	CpuIdx         int
	LapicID        int
	LastActive     int
	TimeSinceYield int64

	// Sched is this CPU's scheduler instance. Nil until AttachSched is
	// called — boot code wires it in once the per-CPU Sched_t instances
	// exist, since pcpu and proc each exist (and are
	// constructible) independently of the other.
	Sched *proc.Sched_t
}

/// NewPcpu constructs the per-CPU state for cpuIdx/lapicID.
func NewPcpu(cpuIdx, lapicID int) *Pcpu_t {
	return &Pcpu_t{CpuIdx: cpuIdx, LapicID: lapicID, LastActive: -1}
}

/// AttachSched wires this CPU's scheduler instance in, mirroring the
/// two-phase pcpu/proc bring-up (pcpu identity first, scheduler once
/// the TCB pool and its Sched_t per CPU exist) in the boot sequence
/// this struct's fields are otherwise populated from.
func (p *Pcpu_t) AttachSched(sched *proc.Sched_t) {
	p.Sched = sched
}
