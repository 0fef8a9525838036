// Package ept implements the Extended Page Table manager: a 4-level
// guest-physical-to-host-physical mapping, 4KiB pages only. Grounded on
// the ept_add_mapping/ept_invalidate_mappings calls vmx.c makes around
// guest memory setup, walked the way the teacher's own multi-level
// Pmap_t (biscuit/src/vm/as.go) walks and allocates intermediate levels
// on demand.
package ept

import (
	"bounds"
	"defs"
	"mem"
	"res"
)

const entriesPerLevel = 512

// EPT entry permission/type bits (a small, fixed subset of the full
// VT-x EPT PTE encoding: read/write/execute and memory type).
const (
	EptR = 1 << 0
	EptW = 1 << 1
	EptX = 1 << 2

	MemTypeWB = 6 << 3 // write-back
	MemTypeUC = 0 << 3 // uncacheable
)

type level = [entriesPerLevel]uint64

/// Table_t is one guest's 4-level EPT: PML4 -> PDPT -> PD -> PT, each
/// level allocated lazily from the injected physical-page allocator.
type Table_t struct {
	pml4    *level
	pml4Pa  mem.Pa_t
	allocPg func() (mem.Pa_t, bool)
	toPage  func(mem.Pa_t) *level
}

/// New constructs an empty EPT table. allocPg/toPage are the physical
/// page allocator and direct-map accessor this component consumes but
/// does not own.
func New(allocPg func() (mem.Pa_t, bool), toPage func(mem.Pa_t) *level) (*Table_t, defs.Err_t) {
	pa, ok := allocPg()
	if !ok {
		return nil, defs.NoMem
	}
	t := &Table_t{pml4Pa: pa, allocPg: allocPg, toPage: toPage}
	t.pml4 = toPage(pa)
	return t, defs.OK
}

/// Root returns the physical address of the PML4 table, the value
/// programmed into the VMCS EPT pointer field.
func (t *Table_t) Root() mem.Pa_t {
	return t.pml4Pa
}

func split(gpa uintptr) (l4, l3, l2, l1 int) {
	l4 = int((gpa >> 39) & 0x1ff)
	l3 = int((gpa >> 30) & 0x1ff)
	l2 = int((gpa >> 21) & 0x1ff)
	l1 = int((gpa >> 12) & 0x1ff)
	return
}

func (t *Table_t) walk(tbl *level, idx int, create bool) (*level, defs.Err_t) {
	e := tbl[idx]
	if e&EptR != 0 {
		return t.toPage(mem.Pa_t(e &^ 0xfff)), defs.OK
	}
	if !create {
		return nil, defs.NoMem
	}
	pa, ok := t.allocPg()
	if !ok {
		return nil, defs.NoMem
	}
	tbl[idx] = uint64(pa) | EptR | EptW | EptX
	return t.toPage(pa), defs.OK
}

/// AddMapping maps guest-physical gpa to host-physical hpa with perm
/// bits and the given memory type, creating intermediate levels on
/// demand. Returns NoMem if an intermediate-level page cannot be
/// allocated.
func (t *Table_t) AddMapping(gpa uintptr, hpa mem.Pa_t, perm uint64, memType uint64) defs.Err_t {
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_EPT_ADD_MAPPING)) {
		return defs.NoMem
	}
	l4i, l3i, l2i, l1i := split(gpa)
	pdpt, err := t.walk(t.pml4, l4i, true)
	if err != defs.OK {
		return err
	}
	pd, err := t.walk(pdpt, l3i, true)
	if err != defs.OK {
		return err
	}
	pt, err := t.walk(pd, l2i, true)
	if err != defs.OK {
		return err
	}
	pt[l1i] = uint64(hpa) | perm | memType
	return defs.OK
}

/// Lookup returns the host-physical address mapped at gpa, if any.
func (t *Table_t) Lookup(gpa uintptr) (mem.Pa_t, bool) {
	l4i, l3i, l2i, l1i := split(gpa)
	pdpt, err := t.walk(t.pml4, l4i, false)
	if err != defs.OK {
		return 0, false
	}
	pd, err := t.walk(pdpt, l3i, false)
	if err != defs.OK {
		return 0, false
	}
	pt, err := t.walk(pd, l2i, false)
	if err != defs.OK {
		return 0, false
	}
	e := pt[l1i]
	if e&EptR == 0 {
		return 0, false
	}
	return mem.Pa_t(e &^ 0xfff), true
}

/// Invalidate flushes any cached translations derived from this table.
/// The actual INVEPT instruction is architecture-level detail this
/// core's monitor loop issues through an external collaborator; this
/// call is the hook that collaborator is invoked from.
func (t *Table_t) Invalidate(flush func(root mem.Pa_t)) {
	if flush != nil {
		flush(t.pml4Pa)
	}
}
