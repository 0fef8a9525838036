package proc

import (
	"bounds"
	"defs"
	"ipc"
	"mem"
	"paging"
	"res"
)

/// ElfImage is the already-parsed input to Create: a list of loadable
/// segments and an entry point. ELF parsing itself is out of this
/// core's scope (spec.md §1); the process creator only consumes the
/// result.
type ElfImage struct {
	Entry    uint32
	Segments []Segment
}

/// Segment is one loadable ELF segment, already split into page frames
/// by the caller.
type Segment struct {
	Vaddr  uintptr
	Pages  []mem.Pa_t
	Perm   mem.Pa_t
}

/// Quota bounds the resources a newly created process may consume.
/// Create rejects with BadArg a request whose page count (segment
/// frames, user stack, shared page) exceeds a positive MaxPages; zero
/// means no per-process limit. The quota is not stored in the new TCB.
type Quota struct {
	MaxPages int
}

/// World_t owns every piece of global kernel state this package's
/// operations need: the TCB pool, the channel pool, the paging pool, and
/// one scheduler per CPU. It is the explicit stand-in for what the
/// original keeps as package-level kernel globals — see the design
/// notes on avoiding hidden global state.
type World_t struct {
	Pool    *Pool_t
	Chans   *ipc.Pool_t
	Paging  *paging.Pool_t
	Scheds  []*Sched_t
	locks   []Locker
	allocPg func() (mem.Pa_t, bool)
	freePg  func(mem.Pa_t)
}

/// NewWorld wires together a fresh kernel world, given the physical
/// page allocator collaborator paging needs.
func NewWorld(scheds []*Sched_t, allocPg func() (mem.Pa_t, bool), freePg func(mem.Pa_t)) *World_t {
	pool := NewPool()
	w := &World_t{
		Pool:    pool,
		Chans:   ipc.NewPool(),
		Paging:  paging.NewPool(allocPg, freePg),
		Scheds:  scheds,
		allocPg: allocPg,
		freePg:  freePg,
	}
	return w
}

/// AttachLocks wires the per-CPU kernel locks Create's spawned threads
/// release on their first entry to user mode. Index i is the lock held
/// while running on CPU i; with no locks attached (the default) or a nil
/// entry for the CPU, ProcStartUser's release is a no-op.
func (w *World_t) AttachLocks(locks []Locker) {
	w.locks = locks
}

const (
	userStackVaddr = defs.VM_USERHI - defs.PAGESIZE
	sharedPageVaddr = defs.VM_USERLO + 32*defs.PAGESIZE
)

/// Create builds a new process from an already-parsed ELF image:
/// allocates a TCB, maps its segments and a user stack, optionally maps
/// the shared page, primes its user trap frame, pairs it with a
/// parent<->child channel, and admits it to the ready queue of CPU cpu.
/// Mirrors proc_create in kern/proc/PProc/PProc.c and proc_spawn in
/// sys/kern/proc.c. On any failure, all partial state is rolled back
/// before returning the error, mirroring proc_create's own cleanup
/// chain (pmap_free -> kstack_free -> proc_free).
func (w *World_t) Create(parent defs.Pid_t, cpu defs.CpuIdx_t, elf ElfImage, quota Quota, shared bool) (defs.Pid_t, defs.Err_t) {
	wantPages := 1 // user stack
	for _, seg := range elf.Segments {
		wantPages += len(seg.Pages)
	}
	if shared {
		wantPages++
	}
	// Checked before reserving anything: a rejected over-quota request
	// should never cost the system-wide admission budget.
	if quota.MaxPages > 0 && wantPages > quota.MaxPages {
		return 0, defs.BadArg
	}
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_PROC_CREATE)) {
		return 0, defs.NoMem
	}

	t, err := w.Pool.Alloc()
	if err != defs.OK {
		return 0, err
	}
	// ownFrames collects the frames Create itself allocated (the user
	// stack and, if requested, the shared page) once they are mapped
	// into t's address space. Segment frames are caller-owned and
	// outlive a failed Create, so only these get freed on rollback;
	// FreeDir tears down t's page tables but never the frames they
	// point at.
	var ownFrames []mem.Pa_t
	rollback := func() {
		t.State = Dead
		w.Paging.FreeDir(t.Pid)
		for _, pg := range ownFrames {
			w.freePg(pg)
		}
		w.Pool.Free(t.Pid)
	}

	for _, seg := range elf.Segments {
		for i, pg := range seg.Pages {
			va := seg.Vaddr + uintptr(i)*defs.PAGESIZE
			if e := w.Paging.MapPage(t.Pid, va, pg, seg.Perm); e != defs.OK {
				rollback()
				return 0, e
			}
		}
	}

	stackPg, ok := w.allocPg()
	if !ok {
		rollback()
		return 0, defs.NoMem
	}
	if e := w.Paging.MapPage(t.Pid, userStackVaddr, stackPg, paging.PT_PERM_PTU); e != defs.OK {
		w.freePg(stackPg)
		rollback()
		return 0, e
	}
	ownFrames = append(ownFrames, stackPg)

	if shared {
		sharedPg, ok := w.allocPg()
		if !ok {
			rollback()
			return 0, defs.NoMem
		}
		if e := w.Paging.MapPage(t.Pid, sharedPageVaddr, sharedPg, paging.PT_PERM_PTU); e != defs.OK {
			w.freePg(sharedPg)
			rollback()
			return 0, e
		}
		ownFrames = append(ownFrames, sharedPg)
	}

	t.UserCtx = UserCtx_t{
		Cs:      codeSel | 3,
		Ds:      dataSel | 3,
		Es:      dataSel | 3,
		Ss:      dataSel | 3,
		Esp:     uint32(defs.VM_USERHI),
		Eflags:  eflagsIF,
		Eip:     elf.Entry,
	}
	t.Kctx = NewKctx(uintptr(procStartUserTrampoline))
	t.Cpu = cpu

	if t.Pid != 0 {
		chid, e := w.Chans.Alloc(parent, t.Pid, ipc.Bidirect)
		if e != defs.OK {
			rollback()
			return 0, e
		}
		t.ParentChan = chid
		t.HasParentChan = true
		t.Parent = parent
		t.HasParent = true
		pt := w.Pool.Get(parent)
		pt.Children = append(pt.Children, t.Pid)
	}

	// The thread's body: park until the scheduler's first KctxSwitch to
	// this pid resumes it, then perform the kernel side of "first entry
	// to user mode" (release the scheduler lock this CPU is holding)
	// before what would be the iret into user code. Spawned only now,
	// after every rollback path above has passed, so a failed Create
	// never leaves a goroutine parked on a Tcb_t the pool may recycle.
	go func(self *Tcb_t) {
		self.Kctx.Park()
		w.ProcStartUser(cpu, func() {
			if int(cpu) < len(w.locks) && w.locks[cpu] != nil {
				w.locks[cpu].Release(int(cpu))
			}
		})
	}(t)

	sched := w.Scheds[cpu]
	sched.Spawn(t)
	return t.Pid, defs.OK
}

// Segment descriptor selectors and the initial EFLAGS.IF bit, matching
// the fixed GDT layout this core assumes (see spec.md §6).
const (
	codeSel = 0x18
	dataSel = 0x20
	eflagsIF = 1 << 9
	// symbolic resume address standing in for "the trampoline that
	// loads UserCtx_t into the CPU and executes iret into user mode"
	procStartUserTrampoline = 0xffff8000
)

/// ProcStartUser performs the kernel side of a process's very first
/// switch into user mode. Two variants of this step appear in the
/// CertiKOS sources this core distills: kern/proc/PProc/PProc.c's
/// variant additionally calls log_init() on the first non-bootstrap
/// invocation and never releases the scheduler lock before falling
/// through to the trap return, while sys/kern/proc.c's
/// proc_spawn_return() releases sched.lk before returning to user. This
/// core takes the lock-release variant: holding a scheduler lock across
/// the ring transition into an arbitrarily long-running user thread
/// would violate the "suspension points are confined to
/// Yield/Block/Sched" concurrency invariant, so the lock must be
/// released here, before control leaves the kernel.
func (w *World_t) ProcStartUser(cpu defs.CpuIdx_t, release func()) {
	release()
}
