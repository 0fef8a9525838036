package proc

import (
	"defs"
	"mem"
	"paging"
)

/// TSS_i is the subset of TSS.esp0 installation this package consumes.
/// The TSS itself is out of this core's scope; only the "install the
/// kernel stack pointer for the next ring-0->ring-3 transition" contract
/// is needed here, mirroring kstack_switch in the original.
type TSS_i interface {
	SetEsp0(uintptr)
}

/// Locker is the minimal per-CPU kernel lock this package needs
/// released on a freshly created thread's first entry to user mode;
/// pcpu.Spinlock_t satisfies it without this package importing pcpu.
type Locker interface {
	Release(cpu int)
}

/// Kctx_t is the saved continuation of a kernel thread. The original
/// core saves raw callee-saved registers and swaps esp/eip with a
/// hand-written assembly routine (swtch); this module has no forked Go
/// runtime to host that assembly in, so each thread's flow of control is
/// instead a dedicated goroutine parked on resume, and Kctx_t holds the
/// handoff channel used to stop one goroutine and start another. The
/// externally visible contract — "save here, resume there" — is
/// preserved exactly; only the mechanism used to host it in portable Go
/// differs from the original's register-level swtch.
type Kctx_t struct {
	resume chan struct{}
	Eip    uintptr // diagnostic only: logical resume point
}

/// NewKctx builds the initial kernel context for a freshly created
/// thread. entry is recorded for diagnostics; the thread's goroutine
/// itself begins execution at entry when first resumed.
func NewKctx(entry uintptr) Kctx_t {
	// Buffered by one so a Resume reaching a thread before its goroutine
	// has called Park for the first time (true of every freshly created
	// thread: KctxSwitch may resume it before its body goroutine has
	// scheduled) is not silently dropped.
	return Kctx_t{resume: make(chan struct{}, 1), Eip: entry}
}

/// Park blocks the calling goroutine (the thread currently running on
/// this CPU) until something calls Resume on its Kctx_t again.
func (k *Kctx_t) Park() {
	<-k.resume
}

/// Resume wakes the goroutine previously parked on this Kctx_t.
func (k *Kctx_t) Resume() {
	select {
	case k.resume <- struct{}{}:
	default:
	}
}

/// KctxSwitch installs to's address space and kernel stack pointer, then
/// hands control to 'to' and parks 'from'. Mirrors proc_switch(to):
/// kstack_switch, pmap_install (here: paging.SetPT), swtch.
func KctxSwitch(tss TSS_i, pool *paging.Pool_t, cpu int, from, to *Tcb_t) defs.Err_t {
	tss.SetEsp0(to.KstackTop)
	if err := pool.SetPT(cpu, to.Pid); err != defs.OK {
		return err
	}
	to.Kctx.Resume()
	from.Kctx.Park()
	return defs.OK
}

/// PmapOf returns the physical root of pid's page directory as installed
/// in the paging pool, used by the process creator when priming a new
/// address space.
func PmapOf(pool *paging.Pool_t, pid defs.Pid_t) mem.Pa_t {
	return mem.Pa_t(pool.GetPDE(pid, 0) & uint32(mem.PTE_ADDR))
}
