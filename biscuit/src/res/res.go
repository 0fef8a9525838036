// Package res is the system-wide non-blocking resource admission gate:
// every allocation-bearing operation reserves its bounds.Bounds cost
// against a global page budget before touching the allocator, so that
// a thread discovers it is out of resources before it has partially
// mutated kernel state rather than after. Grounded on
// res.Resadd_noblock's usage in vm/as.go.
package res

import "sync/atomic"

var budget int64

/// SetBudget initializes the total number of pages admission may hand
/// out. Called once during kernel init with the physical allocator's
/// reported free-page count.
func SetBudget(pages int) {
	atomic.StoreInt64(&budget, int64(pages))
}

/// Resadd_noblock attempts to reserve n pages from the budget without
/// blocking, returning false if the budget cannot cover it.
func Resadd_noblock(n int) bool {
	for {
		cur := atomic.LoadInt64(&budget)
		if cur < int64(n) {
			return false
		}
		if atomic.CompareAndSwapInt64(&budget, cur, cur-int64(n)) {
			return true
		}
	}
}

/// Resgive gives n pages back to the budget, used when a reserved
/// operation turns out not to need all of what it reserved, or when
/// pages are freed.
func Resgive(n int) {
	atomic.AddInt64(&budget, int64(n))
}
