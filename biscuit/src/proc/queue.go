package proc

import "defs"

const noPid defs.Pid_t = -1

/// Queue_t is an intrusive doubly linked list of TCBs threaded through
/// Tcb_t.next/prev, giving O(1) enqueue/dequeue at either end — the Go
/// equivalent of the original's TAILQ-based ready/blocked/dead lists. A
/// thread belongs to at most one queue at a time (the single-queue-
/// membership invariant enforced by PushBack/PushFront panicking on a
/// thread that is already queued, and Remove on one that is not).
type Queue_t struct {
	head, tail defs.Pid_t
	len        int
}

func newQueue() Queue_t {
	return Queue_t{head: noPid, tail: noPid}
}

/// Len returns the number of threads currently on the queue.
func (q *Queue_t) Len() int { return q.len }

/// PushBack appends t to the tail of the queue (used by Yield: a thread
/// that gives up its slice goes to the back of the line).
func (q *Queue_t) PushBack(pool *Pool_t, t *Tcb_t) {
	if t.queued {
		panic("thread already queued")
	}
	t.queued = true
	t.next, t.prev = noPid, q.tail
	if q.tail != noPid {
		pool.Get(q.tail).next = t.Pid
	} else {
		q.head = t.Pid
	}
	q.tail = t.Pid
	q.len++
}

/// PushFront inserts t at the head of the queue (used by Unblock: a
/// woken thread runs before other threads that have been ready longer,
/// per the scheduler's tie-break rule).
func (q *Queue_t) PushFront(pool *Pool_t, t *Tcb_t) {
	if t.queued {
		panic("thread already queued")
	}
	t.queued = true
	t.prev, t.next = noPid, q.head
	if q.head != noPid {
		pool.Get(q.head).prev = t.Pid
	} else {
		q.tail = t.Pid
	}
	q.head = t.Pid
	q.len++
}

/// PopFront removes and returns the head of the queue, or nil if empty.
func (q *Queue_t) PopFront(pool *Pool_t) *Tcb_t {
	if q.head == noPid {
		return nil
	}
	t := pool.Get(q.head)
	q.Remove(pool, t)
	return t
}

/// Remove unlinks t from the queue it is currently on.
func (q *Queue_t) Remove(pool *Pool_t, t *Tcb_t) {
	if !t.queued {
		panic("removing a thread that is not queued")
	}
	if t.prev != noPid {
		pool.Get(t.prev).next = t.next
	} else {
		q.head = t.next
	}
	if t.next != noPid {
		pool.Get(t.next).prev = t.prev
	} else {
		q.tail = t.prev
	}
	t.next, t.prev = noPid, noPid
	t.queued = false
	q.len--
}
