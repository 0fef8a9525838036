package paging

import (
	"testing"

	"defs"
	"flatmem"
	"mem"
	"res"
)

// newFakePool backs a Pool_t with a plain in-memory word map instead of
// flatmem's real direct-map access, via AttachAccess — flatmem.Fload/
// Fstore dereference a fixed kernel-only virtual address that is not
// valid inside a hosted test process.
func newFakePool() (*Pool_t, func() int) {
	backing := map[flatmem.Word]uint32{}
	var nextPa mem.Pa_t = 0x10000
	freed := 0

	alloc := func() (mem.Pa_t, bool) {
		pa := nextPa
		nextPa += mem.Pa_t(defs.PAGESIZE)
		return pa, true
	}
	free := func(pa mem.Pa_t) {
		freed++
		for off := 0; off < NPDE; off++ {
			delete(backing, flatmem.PageWord(pa, off))
		}
	}

	// MapPage reserves against res's global page budget, which starts at
	// zero and would refuse every reservation.
	res.SetBudget(1 << 20)
	p := NewPool(alloc, free)
	p.AttachAccess(
		func(w flatmem.Word) uint32 { return backing[w] },
		func(w flatmem.Word, v uint32) { backing[w] = v },
	)
	return p, func() int { return freed }
}

func TestMapPageRoundTrip(t *testing.T) {
	p, _ := newFakePool()
	const vaddr = 0x40001000
	const pid defs.Pid_t = 3

	if err := p.MapPage(pid, vaddr, 0x7000, PT_PERM_PTU); err != defs.OK {
		t.Fatalf("MapPage: %v", err)
	}
	pte := p.GetPTE(pid, vaddr)
	if mem.Pa_t(pte&uint32(mem.PTE_ADDR)) != 0x7000 {
		t.Fatalf("pte addr = 0x%x, want 0x7000", pte&uint32(mem.PTE_ADDR))
	}
	if pte&uint32(PT_PERM_PTU) != uint32(PT_PERM_PTU) {
		t.Fatalf("pte perm bits missing: 0x%x", pte)
	}
}

func TestUnmapPageClearsPTE(t *testing.T) {
	p, _ := newFakePool()
	const vaddr = 0x40002000
	const pid defs.Pid_t = 1

	if err := p.MapPage(pid, vaddr, 0x8000, PT_PERM_PTU); err != defs.OK {
		t.Fatalf("MapPage: %v", err)
	}
	if err := p.UnmapPage(pid, vaddr); err != defs.OK {
		t.Fatalf("UnmapPage: %v", err)
	}
	if pte := p.GetPTE(pid, vaddr); pte != 0 {
		t.Fatalf("pte after unmap = 0x%x, want 0", pte)
	}
}

func TestIdentityMapPropagatesToNewDir(t *testing.T) {
	p, _ := newFakePool()
	const pdx = 5
	if err := p.Init(pdx); err != defs.OK {
		t.Fatalf("Init: %v", err)
	}
	// Allocating pid 2's directory (via any PDE-touching call) must
	// install the shared kernel-range PDE at pdx immediately.
	if err := p.SetPT(0, 2); err != defs.OK {
		t.Fatalf("SetPT: %v", err)
	}
	pde := p.GetPDE(2, pdx)
	if pde&uint32(mem.PTE_P) == 0 {
		t.Fatalf("identity-mapped PDE not present after SetPT")
	}
	if mem.Pa_t(pde&uint32(mem.PTE_ADDR)) != p.IDPMap[pdx] {
		t.Fatalf("PDE points at 0x%x, want shared table 0x%x", pde&uint32(mem.PTE_ADDR), p.IDPMap[pdx])
	}
}

func TestFreeDirSkipsSharedIDPMapTable(t *testing.T) {
	p, freedCount := newFakePool()
	const pdx = 7
	if err := p.Init(pdx); err != defs.OK {
		t.Fatalf("Init: %v", err)
	}
	if err := p.MapPage(4, 0x40003000, 0x9000, PT_PERM_PTU); err != defs.OK {
		t.Fatalf("MapPage: %v", err)
	}
	before := freedCount()
	p.FreeDir(4)
	after := freedCount()
	// Exactly two pages are this process's own: the directory page and
	// the page table MapPage allocated for vaddr's range. The shared
	// IDPMap table at pdx must not be freed alongside them.
	if after-before != 2 {
		t.Fatalf("FreeDir freed %d pages, want 2 (own dir + own PT, not shared IDPMap)", after-before)
	}
	if p.IDPMap[pdx] == 0 {
		t.Fatalf("FreeDir must not clear the shared IDPMap slot")
	}
}

func TestMapPageLazilyCreatesPageTable(t *testing.T) {
	p, _ := newFakePool()
	const pid defs.Pid_t = 9
	pdx, _ := split(0x40004000)
	if pde := p.GetPDE(pid, pdx); pde&uint32(mem.PTE_P) != 0 {
		t.Fatalf("PDE present before any mapping")
	}
	if err := p.MapPage(pid, 0x40004000, 0xa000, PT_PERM_PTU); err != defs.OK {
		t.Fatalf("MapPage: %v", err)
	}
	if pde := p.GetPDE(pid, pdx); pde&uint32(mem.PTE_P) == 0 {
		t.Fatalf("PDE still absent after MapPage")
	}
}
