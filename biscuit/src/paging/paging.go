// Package paging implements the two-level x86 page-directory/page-table
// pool: one page directory per process (PTPool) plus a shared identity-
// mapped kernel range (IDPMap). Grounded directly on
// sys/kern/mm/MPTIntro.c (set_pt/get_PDE/set_PDE/get_PTE/set_PTE/
// set_IDPTE), generalizing the teacher's own 4-level, demand-paged,
// copy-on-write vm/as.go down to the spec's simpler, non-demand-paged
// model: page tables are allocated on first use of a directory range and
// never reclaimed until the owning process is freed.
package paging

import (
	"bounds"
	"defs"
	"flatmem"
	"mem"
	"res"
)

const (
	/// entries per page directory/page table
	NPDE = 1024
	/// PT_PERM_PTU is present|writable|user, the permission bits of a
	/// writable user mapping.
	PT_PERM_PTU = mem.PTE_P | mem.PTE_W | mem.PTE_U
	/// PT_PERM_PKU is present|user (read-only).
	PT_PERM_PKU = mem.PTE_P | mem.PTE_U
)

/// PageDir_t is one process's page directory: NPDE PDEs, each either
/// pointing at a page table or (for the kernel range) at an entry shared
/// with every other process via IDPMap.
type PageDir_t struct {
	pdirPage mem.Pa_t // physical page backing the 1024 PDEs
	allocd   bool
}

/// Pool_t is the whole-system page-table pool: one PageDir_t per pid plus
/// the shared kernel identity map.
type Pool_t struct {
	PTPool [defs.MAX_PID]PageDir_t
	IDPMap [NPDE]mem.Pa_t // physical pages of kernel-range page tables

	allocPage func() (mem.Pa_t, bool)
	freePage  func(mem.Pa_t)
	// fload/fstore are the PDE/PTE word accessors, defaulting to
	// flatmem's direct-map-backed Fload/Fstore. flatmem.Fload/Fstore
	// dereference mem.Vdirect, a fixed virtual address only meaningful
	// inside this kernel's own address space; AttachAccess lets a unit
	// test swap in a plain in-memory fake, the same injected-collaborator
	// shape ept.Table_t uses for its toPage accessor.
	fload  func(flatmem.Word) uint32
	fstore func(flatmem.Word, uint32)
	current [defs.NUM_CPUS]defs.Pid_t
}

/// NewPool constructs an empty pool. allocPage/freePage are the physical
/// page allocator this component consumes but does not own (the allocator
/// itself, like the spec says, is out of this core's scope).
func NewPool(allocPage func() (mem.Pa_t, bool), freePage func(mem.Pa_t)) *Pool_t {
	return &Pool_t{allocPage: allocPage, freePage: freePage, fload: flatmem.Fload, fstore: flatmem.Fstore}
}

/// AttachAccess overrides the PDE/PTE word accessors, used by tests to
/// back this pool with a plain in-memory fake instead of flatmem's real
/// direct-map access (which is only safe inside a booted kernel's own
/// address space).
func (p *Pool_t) AttachAccess(fload func(flatmem.Word) uint32, fstore func(flatmem.Word, uint32)) {
	p.fload = fload
	p.fstore = fstore
}

func (p *Pool_t) pdeWord(pid defs.Pid_t, pdx int) flatmem.Word {
	pd := &p.PTPool[pid]
	return flatmem.PageWord(pd.pdirPage, pdx)
}

/// Init seeds one kernel-range PDE/identity-mapped page table at pdx,
/// mirroring set_IDPTE: every process's directory, once allocated, gets
/// this same physical page table installed at pdx so the kernel range is
/// visible identically from every address space.
func (p *Pool_t) Init(pdx int) defs.Err_t {
	if pdx < 0 || pdx >= NPDE {
		return defs.BadArg
	}
	if p.IDPMap[pdx] != 0 {
		return defs.OK
	}
	pt, ok := p.allocPage()
	if !ok {
		return defs.NoMem
	}
	// entry i maps the 4KB frame at the same physical address as the
	// virtual address it translates
	for i := 0; i < NPDE; i++ {
		pa := uint32(pdx)<<22 | uint32(i)<<12
		p.fstore(flatmem.PageWord(pt, i), pa|uint32(mem.PTE_P|mem.PTE_W|mem.PTE_G))
	}
	p.IDPMap[pdx] = pt
	return defs.OK
}

/// allocDir lazily allocates pid's page directory page.
func (p *Pool_t) allocDir(pid defs.Pid_t) defs.Err_t {
	pd := &p.PTPool[pid]
	if pd.allocd {
		return defs.OK
	}
	pg, ok := p.allocPage()
	if !ok {
		return defs.NoMem
	}
	pd.pdirPage = pg
	pd.allocd = true
	// install every seeded kernel-range PDE so the kernel is visible
	// from this new address space immediately.
	for pdx, pt := range p.IDPMap {
		if pt != 0 {
			p.fstore(p.pdeWord(pid, pdx), uint32(pt)|uint32(PT_PERM_PTU))
		}
	}
	return defs.OK
}

/// SetPT installs pid's page directory as current on cpu (models the CR3
/// load performed by set_pt).
func (p *Pool_t) SetPT(cpu int, pid defs.Pid_t) defs.Err_t {
	if err := p.allocDir(pid); err != defs.OK {
		return err
	}
	p.current[cpu] = pid
	return defs.OK
}

/// GetPDE returns pid's PDE at index pdx.
func (p *Pool_t) GetPDE(pid defs.Pid_t, pdx int) uint32 {
	return p.fload(p.pdeWord(pid, pdx))
}

func (p *Pool_t) ptPage(pid defs.Pid_t, pdx int) (mem.Pa_t, defs.Err_t) {
	pde := p.GetPDE(pid, pdx)
	if pde&uint32(mem.PTE_P) == 0 {
		// lazily create the page table for this directory range
		pt, ok := p.allocPage()
		if !ok {
			return 0, defs.NoMem
		}
		p.fstore(p.pdeWord(pid, pdx), uint32(pt)|uint32(PT_PERM_PTU))
		return pt, defs.OK
	}
	return mem.Pa_t(pde & uint32(mem.PTE_ADDR)), defs.OK
}

func split(vaddr uintptr) (pdx, ptx int) {
	pdx = int((vaddr >> 22) & 0x3ff)
	ptx = int((vaddr >> 12) & 0x3ff)
	return
}

/// MapPage maps the physical page pg at vaddr in pid's address space with
/// the given permission bits, creating the backing page table on demand.
/// Returns NoMem if the page-table-page allocator is exhausted.
func (p *Pool_t) MapPage(pid defs.Pid_t, vaddr uintptr, pg mem.Pa_t, perm mem.Pa_t) defs.Err_t {
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_PAGING_MAP_PAGE)) {
		return defs.NoMem
	}
	if err := p.allocDir(pid); err != defs.OK {
		return err
	}
	pdx, ptx := split(vaddr)
	pt, err := p.ptPage(pid, pdx)
	if err != defs.OK {
		return err
	}
	p.fstore(flatmem.PageWord(pt, ptx), uint32(pg)|uint32(perm))
	return defs.OK
}

/// UnmapPage clears the PTE for vaddr in pid's address space. The backing
/// page-table page itself is retained (pool semantics: page tables are
/// freed only when the owning process is destroyed).
func (p *Pool_t) UnmapPage(pid defs.Pid_t, vaddr uintptr) defs.Err_t {
	pdx, ptx := split(vaddr)
	pde := p.GetPDE(pid, pdx)
	if pde&uint32(mem.PTE_P) == 0 {
		return defs.OK
	}
	pt := mem.Pa_t(pde & uint32(mem.PTE_ADDR))
	p.fstore(flatmem.PageWord(pt, ptx), 0)
	return defs.OK
}

/// GetPTE returns the raw PTE for vaddr in pid's address space.
func (p *Pool_t) GetPTE(pid defs.Pid_t, vaddr uintptr) uint32 {
	pdx, ptx := split(vaddr)
	pde := p.GetPDE(pid, pdx)
	if pde&uint32(mem.PTE_P) == 0 {
		return 0
	}
	pt := mem.Pa_t(pde & uint32(mem.PTE_ADDR))
	return p.fload(flatmem.PageWord(pt, ptx))
}

/// FreeDir frees pid's directory page (but not the shared IDPMap tables)
/// and every per-process page table it allocated. The caller is
/// responsible for freeing the mapped frames themselves.
func (p *Pool_t) FreeDir(pid defs.Pid_t) {
	pd := &p.PTPool[pid]
	if !pd.allocd {
		return
	}
	for pdx := 0; pdx < NPDE; pdx++ {
		pde := p.GetPDE(pid, pdx)
		if pde&uint32(mem.PTE_P) == 0 {
			continue
		}
		if p.IDPMap[pdx] == mem.Pa_t(pde&uint32(mem.PTE_ADDR)) {
			continue // shared kernel-range table, not ours to free
		}
		p.freePage(mem.Pa_t(pde & uint32(mem.PTE_ADDR)))
	}
	p.freePage(pd.pdirPage)
	*pd = PageDir_t{}
}
