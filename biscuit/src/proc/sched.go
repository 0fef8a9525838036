package proc

import (
	"sync"

	"apic"
	"defs"
	"ipc"
	"paging"
)

/// Sched_t is one CPU's scheduler instance: its ready/blocked/dead
/// queues and the pid currently running on it. Grounded on proc_sched /
/// proc_ready / proc_block / proc_unblock / proc_yield in
/// sys/kern/proc.c. mu is this CPU's scheduler lock: every method here
/// holds it while touching ready/blocked/dead/current/idle, since
/// Unblock (proc_unblock's cross-CPU wakeup) may reach into another
/// CPU's Sched_t concurrently with that CPU's own goroutine running
/// Yield/Block/Sched.
type Sched_t struct {
	CpuIdx  defs.CpuIdx_t
	pool    *Pool_t
	ipi     apic.Sender
	lapicOf func(defs.CpuIdx_t) int

	mu sync.Mutex

	ready   Queue_t
	blocked Queue_t
	dead    Queue_t

	current defs.Pid_t
	idle    defs.Pid_t

	// tss/pmap are the real kernel-context-switch collaborators: set
	// them with AttachSwitcher to have Yield/Block actually install the
	// next thread's kernel stack and address space via KctxSwitch. Left
	// nil, Sched still picks the next thread and updates bookkeeping but
	// performs no switch, which is what most tests in this package
	// (single goroutine, synchronous Sched/Yield/Block calls) rely on.
	tss  TSS_i
	pmap *paging.Pool_t
}

/// NewSched constructs a scheduler instance for cpu, backed by the
/// shared TCB pool. ipi/lapicOf are the apic collaborator used for
/// cross-CPU unblock.
func NewSched(cpu defs.CpuIdx_t, pool *Pool_t, ipi apic.Sender, lapicOf func(defs.CpuIdx_t) int) *Sched_t {
	return &Sched_t{CpuIdx: cpu, pool: pool, ipi: ipi, lapicOf: lapicOf,
		ready: newQueue(), blocked: newQueue(), dead: newQueue(),
		current: noPid, idle: noPid}
}

/// SetIdle designates pid as this CPU's idle thread: the thread Sched
/// selects when the ready queue is empty. The idle thread is never
/// itself placed on a queue.
func (s *Sched_t) SetIdle(pid defs.Pid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = pid
}

/// Current returns the pid currently assigned to run on this CPU (may
/// not yet have actually been switched to — see Sched).
func (s *Sched_t) Current() defs.Pid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

/// Ready transitions t into the ready queue. head requests insertion at
/// the front (used by Unblock) rather than the back (used on initial
/// spawn and by Yield). Mirrors proc_ready(p, c, head).
func (s *Sched_t) Ready(t *Tcb_t, head bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyLocked(t, head)
}

// readyLocked is Ready's body; the caller must already hold s.mu.
func (s *Sched_t) readyLocked(t *Tcb_t, head bool) {
	switch t.State {
	case Inited, Blocked, Running:
	default:
		panic("thread not in a readyable state")
	}
	t.State = Ready
	t.BlockReason = NotBlocked
	if head {
		s.ready.PushFront(s.pool, t)
	} else {
		s.ready.PushBack(s.pool, t)
	}
}

/// Spawn adds a freshly created thread to this CPU's ready queue at the
/// tail, as a newly admitted thread that has not run yet.
func (s *Sched_t) Spawn(t *Tcb_t) {
	t.Cpu = s.CpuIdx
	s.Ready(t, false)
}

/// AttachSwitcher wires tss/pmap into this scheduler so Yield/Block
/// perform a real KctxSwitch (install the next thread's kernel stack
/// and address space, then hand control to it) instead of only
/// updating queue/state bookkeeping. Left unattached (the zero value),
/// Sched/Yield/Block still make the same scheduling decisions but
/// never touch a TSS or a paging.Pool_t — the mode most tests in this
/// package run in, since they call Sched/Yield/Block synchronously
/// from one goroutine and a real KctxSwitch would park it forever.
func (s *Sched_t) AttachSwitcher(tss TSS_i, pmap *paging.Pool_t) {
	s.tss = tss
	s.pmap = pmap
}

/// switchFrom runs the scheduling decision on behalf of the thread
/// giving up the CPU (from) and, only when a real switch target is
/// attached and the decision actually changed which thread runs,
/// performs the kernel context switch via KctxSwitch.
func (s *Sched_t) switchFrom(from *Tcb_t) *Tcb_t {
	next := s.Sched(true)
	if s.tss != nil && s.pmap != nil && next.Pid != from.Pid {
		KctxSwitch(s.tss, s.pmap, int(s.CpuIdx), from, next)
	}
	return next
}

/// Yield gives up the remainder of the current thread's slice: it is
/// re-queued at the tail of ready (it has had its turn; others go
/// first), and the scheduler picks (and, if attached, switches to) the
/// next thread to run.
func (s *Sched_t) Yield() {
	s.mu.Lock()
	if s.current == noPid {
		s.mu.Unlock()
		return // nothing is running on this CPU to yield from
	}
	cur := s.pool.Get(s.current)
	cur.State = Running // readyLocked transitions it to Ready on enqueue
	s.readyLocked(cur, false)
	s.mu.Unlock()
	s.switchFrom(cur)
}

/// Block removes the current thread from execution and parks it on the
/// blocked queue pending a matching Unblock, recording why (reason,
/// channel) it blocked. Mirrors proc_block.
func (s *Sched_t) Block(reason BlockReason, ch ipc.ChannelId) {
	pid := s.MarkBlocked(reason, ch)
	s.SwitchAway(pid)
}

/// MarkBlocked performs only the state+queue half of Block: it
/// transitions the current thread to Blocked and enqueues it, without
/// yet switching away, and returns its pid. Split out of Block so a
/// caller already holding some other lock (ipc.Channel_t's, to record a
/// waiter) can call this while still holding it, making "the condition
/// this thread is waiting on is false" and "this thread is recorded as
/// blocked" a single atomic step from the other lock's point of view —
/// the gap a bare check-then-Block pair leaves open, in which a wakeup
/// arriving between the check and the Block call is silently dropped
/// because the thread is not yet Blocked when the wakeup looks for it.
/// The caller must release its own lock and then call SwitchAway(pid)
/// to actually give up the CPU.
func (s *Sched_t) MarkBlocked(reason BlockReason, ch ipc.ChannelId) defs.Pid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.pool.Get(s.current)
	cur.State = Blocked
	cur.BlockReason = reason
	cur.BlockChannel = ch
	s.blocked.PushBack(s.pool, cur)
	return cur.Pid
}

/// SwitchAway performs the kernel context switch off of pid, which must
/// already have been moved off Running (by MarkBlocked or equivalent).
/// The second half of Block, callable on its own once the lock
/// MarkBlocked needed has been released.
func (s *Sched_t) SwitchAway(pid defs.Pid_t) {
	s.switchFrom(s.pool.Get(pid))
}

/// Unblock moves pid out of the blocked queue (wherever it currently
/// lives — possibly on a different CPU) and onto its CPU's ready queue
/// at the head, per the scheduler's wake-runs-before-other-ready-threads
/// tie-break rule. If pid's home CPU differs from the caller's, an IPI
/// is sent so the remote CPU re-evaluates its ready queue promptly,
/// mirroring the cross-CPU lapic_send_ipi path in proc_unblock. Takes
/// owner.mu (not s.mu) for the duration of the queue mutation, since
/// owner may be a different CPU's Sched_t running its own goroutine
/// concurrently.
func (s *Sched_t) Unblock(owner *Sched_t, pid defs.Pid_t) {
	owner.mu.Lock()
	t := owner.pool.Get(pid)
	if t.State != Blocked {
		owner.mu.Unlock()
		return // already running or ready: exactly-once wakeup
	}
	owner.blocked.Remove(owner.pool, t)
	owner.readyLocked(t, true)
	owner.mu.Unlock()
	if owner.CpuIdx != s.CpuIdx && s.ipi != nil {
		// A CPU can only send an IPI through its own local APIC; the
		// waking CPU (s) issues the send, targeting owner's lapic id.
		s.ipi.SendIPI(owner.lapicOf(owner.CpuIdx), apic.IPI_RESCHED)
	}
}

/// Sched is the core scheduling decision procedure. If needSched is
/// false, the current thread is still runnable, and it has not yet
/// used up its quantum (defs.SCHED_SLICE ticks), it keeps running
/// (cheap common case: most kernel entry points don't actually need to
/// reschedule). A runnable thread whose quantum is exhausted is forced
/// to give up the CPU exactly as if it had called Yield — requeued at
/// the tail of ready — even though the caller only asked Sched to
/// reconsider, not to switch away. Otherwise the head of the ready
/// queue is selected; if the ready queue is empty, the CPU's idle
/// thread runs. Mirrors proc_sched(need_sched) in sys/kern/proc.c, with
/// the round-robin quantum check proc_sched_update's callers expect.
func (s *Sched_t) Sched(needSched bool) *Tcb_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedLocked(needSched)
}

// schedLocked is Sched's body; the caller must already hold s.mu.
func (s *Sched_t) schedLocked(needSched bool) *Tcb_t {
	if s.current != noPid {
		cur := s.pool.Get(s.current)
		if cur.State == Running {
			if !needSched && cur.RunTicks < defs.SCHED_SLICE {
				return cur
			}
			if !needSched {
				// Quantum exhausted on a thread the caller didn't
				// already move off of Running: requeue it ourselves,
				// the same tail-of-ready placement Yield uses.
				cur.RunTicks = 0
				s.readyLocked(cur, false)
			}
		}
	}
	next := s.ready.PopFront(s.pool)
	if next == nil {
		if s.idle == noPid {
			panic("no schedulable process and no idle thread")
		}
		next = s.pool.Get(s.idle)
	}
	next.State = Running
	next.RunTicks = 0
	s.current = next.Pid
	return next
}

/// SchedUpdate accounts one timer tick's worth of run time to the
/// current thread, called from the LAPIC timer handler contract, and
/// reports whether the current thread has now exhausted its quantum —
/// the timer handler's cue to call Sched(false) (which will find
/// RunTicks >= defs.SCHED_SLICE and force a reschedule) rather than let
/// the thread run uninterrupted. Mirrors proc_sched_update.
func (s *Sched_t) SchedUpdate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == noPid {
		return false
	}
	cur := s.pool.Get(s.current)
	cur.RunTicks++
	cur.Accnt.Utadd(1000000000 / apic.TimerFreq())
	return cur.RunTicks >= defs.SCHED_SLICE
}

/// Preempt is the quantum timer's entry point, called once SchedUpdate
/// reports the current thread's slice is exhausted. Sched(false)
/// itself notices the expired quantum, requeues the current thread,
/// and picks the next one; Preempt additionally performs the real
/// KctxSwitch (when attached) that a voluntary Yield would have.
func (s *Sched_t) Preempt() {
	s.mu.Lock()
	if s.current == noPid {
		s.mu.Unlock()
		return // nothing running on this CPU to preempt
	}
	cur := s.pool.Get(s.current)
	next := s.schedLocked(false)
	s.mu.Unlock()
	if s.tss != nil && s.pmap != nil && next.Pid != cur.Pid {
		KctxSwitch(s.tss, s.pmap, int(s.CpuIdx), cur, next)
	}
}

/// Reap moves a Dead thread off of every queue it might still be on and
/// onto the dead queue, from which the pool frees it.
func (s *Sched_t) Reap(t *Tcb_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State != Dead {
		panic("reaping a thread that is not dead")
	}
	if t.queued {
		// Dead threads are never on ready/blocked; defensive only.
		panic("dead thread still queued")
	}
	s.dead.PushBack(s.pool, t)
}

/// Drain pops and frees every thread on the dead queue.
func (s *Sched_t) Drain() {
	for {
		s.mu.Lock()
		t := s.dead.PopFront(s.pool)
		s.mu.Unlock()
		if t == nil {
			return
		}
		s.pool.Free(t.Pid)
	}
}
