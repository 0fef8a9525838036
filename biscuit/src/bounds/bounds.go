// Package bounds assigns a fixed resource-cost estimate to each call
// site that might need to allocate a page-table page, EPT level, or TCB
// before it can know whether the global resource budget admits it.
// Grounded on bounds.Bounds(bounds.B_ASPACE_T_K2USER_INNER) in
// vm/as.go: a compile-time table from call-site tag to worst-case page
// cost, generalized here to the page-table pool, EPT manager, and
// process creator's own allocation points.
package bounds

/// Tag identifies one call site's resource-cost entry.
type Tag int

const (
	B_PAGING_MAP_PAGE Tag = iota
	B_PAGING_ALLOC_DIR
	B_EPT_ADD_MAPPING
	B_PROC_CREATE
)

// cost is the worst-case number of physical pages the tagged call site
// may need to allocate before returning, used as a single non-blocking
// admission check up front rather than re-checking after every
// intermediate allocation.
var cost = [...]int{
	B_PAGING_MAP_PAGE:  2, // the page directory plus one page-table page
	B_PAGING_ALLOC_DIR: 1,
	B_EPT_ADD_MAPPING:  4, // up to three intermediate levels plus the leaf
	B_PROC_CREATE:      8, // directory + stack + shared page + headroom
}

/// Bounds returns the worst-case page cost of the call site named by
/// tag.
func Bounds(tag Tag) int {
	return cost[tag]
}
