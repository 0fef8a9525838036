// Package ipc implements the bounded single-message channel used for
// inter-process communication. Grounded on the channel_t usage inside
// sys/kern/proc.c's proc_send_msg/proc_recv_msg: a channel holds at most
// one in-flight message, and send/recv are non-blocking primitives that
// the scheduler package layers block/unblock on top of.
package ipc

import (
	"fmt"
	"sync"

	"defs"
	"hashtable"
)

/// Kind records a channel's direction, Bidirect or Unidirect. It is
/// stored on the channel; Send and Recv do not consult it.
type Kind int

const (
	Bidirect Kind = iota
	Unidirect
)

/// BufSize is the capacity of a channel's single message slot.
const BufSize = 64

/// ChannelId addresses one entry in a fixed channel arena.
type ChannelId int

/// MaxChannels bounds the channel arena, one pair per live process plus
/// headroom for explicitly-created channels.
const MaxChannels = 2 * defs.MAX_PID

// noPid marks a waiter slot as empty. Pid 0 is a live pid (the boot
// thread), so it cannot double as the sentinel.
const noPid defs.Pid_t = -1

/// Channel_t is a bounded, single-message mailbox between two pids.
/// sendWaiter/recvWaiter record the one pid (if any) parked waiting to
/// send/receive, set and cleared under the same lock as busy/n so a
/// concurrent Send/Recv can never miss a waiter that was about to
/// block: see SendWait/RecvWait.
type Channel_t struct {
	sync.Mutex
	P1, P2     defs.Pid_t
	Kind       Kind
	buf        [BufSize]byte
	n          int
	busy       bool
	live       bool
	sendWaiter defs.Pid_t
	recvWaiter defs.Pid_t
}

/// Pool_t is the fixed channel arena. peerIndex lets a caller that only
/// knows two pids find the channel pairing them without a linear scan,
/// built on the generic concurrent hashtable package.
type Pool_t struct {
	chans     [MaxChannels]Channel_t
	free      []ChannelId
	mu        sync.Mutex
	peerIndex *hashtable.Hashtable_t
}

func peerKey(p1, p2 defs.Pid_t) string {
	if p1 > p2 {
		p1, p2 = p2, p1
	}
	return fmt.Sprintf("%d:%d", p1, p2)
}

/// NewPool constructs an empty channel arena.
func NewPool() *Pool_t {
	p := &Pool_t{}
	p.free = make([]ChannelId, MaxChannels)
	for i := range p.free {
		p.free[i] = ChannelId(MaxChannels - 1 - i)
	}
	p.peerIndex = hashtable.MkHash(MaxChannels)
	return p
}

/// Alloc allocates a channel between p1 and p2, used both for the
/// automatic parent-child pairing done at spawn and for explicit channel
/// creation.
func (p *Pool_t) Alloc(p1, p2 defs.Pid_t, kind Kind) (ChannelId, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, defs.NoMem
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	ch := &p.chans[id]
	ch.P1, ch.P2, ch.Kind = p1, p2, kind
	ch.n, ch.busy, ch.live = 0, false, true
	ch.sendWaiter, ch.recvWaiter = noPid, noPid
	// Only the first channel allocated for a given pid pair gets indexed
	// by peer: a second Alloc for the same pair (e.g. an
	// explicitly-created channel alongside the automatic parent-child
	// one) must not silently overwrite the first's entry, or Lookup
	// would lose track of a still-live channel. Callers that need the
	// second channel already hold its ChannelId from this Alloc's return
	// value.
	key := peerKey(p1, p2)
	if _, exists := p.peerIndex.Get(key); !exists {
		p.peerIndex.Set(key, id)
	}
	return id, defs.OK
}

/// Free returns a channel to the arena.
func (p *Pool_t) Free(id ChannelId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &p.chans[id]
	ch.Lock()
	defer ch.Unlock()
	if !ch.live {
		panic("freeing a channel that is not live")
	}
	key := peerKey(ch.P1, ch.P2)
	if v, ok := p.peerIndex.Get(key); ok && v.(ChannelId) == id {
		p.peerIndex.Del(key)
	}
	ch.P1, ch.P2, ch.Kind, ch.n, ch.busy, ch.live = 0, 0, 0, 0, false, false
	ch.sendWaiter, ch.recvWaiter = noPid, noPid
	p.free = append(p.free, id)
}

/// Lookup returns the channel pairing p1 and p2, if one is live.
func (p *Pool_t) Lookup(p1, p2 defs.Pid_t) (ChannelId, bool) {
	v, ok := p.peerIndex.Get(peerKey(p1, p2))
	if !ok {
		return 0, false
	}
	return v.(ChannelId), true
}

/// Get returns the channel named by id.
func (p *Pool_t) Get(id ChannelId) *Channel_t {
	return &p.chans[id]
}

/// Send deposits msg into the channel's mailbox. Returns ChannelBusy if a
/// message is already pending (the previous message has not been
/// received yet) — the caller (proc.SendMsg) is responsible for blocking
/// and retrying.
func (ch *Channel_t) Send(msg []byte) defs.Err_t {
	ch.Lock()
	defer ch.Unlock()
	if ch.busy {
		return defs.ChannelBusy
	}
	n := copy(ch.buf[:], msg)
	ch.n = n
	ch.busy = true
	return defs.OK
}

/// Recv withdraws the pending message, if any. Returns ChannelIdle when
/// the mailbox is empty.
func (ch *Channel_t) Recv(dst []byte) (int, defs.Err_t) {
	ch.Lock()
	defer ch.Unlock()
	if !ch.busy {
		return 0, defs.ChannelIdle
	}
	n := copy(dst, ch.buf[:ch.n])
	ch.busy = false
	ch.n = 0
	return n, defs.OK
}

/// SendWait attempts Send on behalf of self. On failure it atomically
/// records self as the pending sender before releasing the lock, so
/// that whichever thread performs the next successful Recv — racing
/// against this call or not — is guaranteed to observe self as a
/// waiter to wake, closing the gap between "Send reports busy" and
/// "the caller actually blocks" that a bare Send/Block pair leaves
/// open.
func (ch *Channel_t) SendWait(msg []byte, self defs.Pid_t) bool {
	ch.Lock()
	defer ch.Unlock()
	if ch.busy {
		ch.sendWaiter = self
		return false
	}
	n := copy(ch.buf[:], msg)
	ch.n = n
	ch.busy = true
	return true
}

/// RecvWait attempts Recv on behalf of self, recording self as the
/// pending receiver on failure under the same lock, mirroring
/// SendWait.
func (ch *Channel_t) RecvWait(dst []byte, self defs.Pid_t) (int, bool) {
	ch.Lock()
	defer ch.Unlock()
	if !ch.busy {
		ch.recvWaiter = self
		return 0, false
	}
	n := copy(dst, ch.buf[:ch.n])
	ch.busy = false
	ch.n = 0
	return n, true
}

/// TakeSendWaiter returns and clears the pid (if any) recorded by a
/// prior SendWait call, to be woken now that the mailbox state it was
/// waiting on has changed. Returns noPid if nobody is waiting.
func (ch *Channel_t) TakeSendWaiter() defs.Pid_t {
	ch.Lock()
	defer ch.Unlock()
	w := ch.sendWaiter
	ch.sendWaiter = noPid
	return w
}

/// TakeRecvWaiter is TakeSendWaiter's receive-side counterpart.
func (ch *Channel_t) TakeRecvWaiter() defs.Pid_t {
	ch.Lock()
	defer ch.Unlock()
	w := ch.recvWaiter
	ch.recvWaiter = noPid
	return w
}

/// SendOrBlock attempts Send; on failure it records self as the pending
/// sender and invokes markBlocked before releasing the channel's own
/// lock, so that transitioning self to Blocked in the scheduler happens
/// as part of the same critical section as failing the send. A
/// concurrent Recv (which also takes ch's lock to drain the mailbox)
/// can therefore never observe "mailbox now free" without also
/// observing self already fully Blocked and waiting — see
/// Sched_t.MarkBlocked for why that matters.
func (ch *Channel_t) SendOrBlock(msg []byte, self defs.Pid_t, markBlocked func()) bool {
	ch.Lock()
	defer ch.Unlock()
	if ch.busy {
		ch.sendWaiter = self
		markBlocked()
		return false
	}
	n := copy(ch.buf[:], msg)
	ch.n = n
	ch.busy = true
	return true
}

/// RecvOrBlock is SendOrBlock's receive-side counterpart.
func (ch *Channel_t) RecvOrBlock(dst []byte, self defs.Pid_t, markBlocked func()) (int, bool) {
	ch.Lock()
	defer ch.Unlock()
	if !ch.busy {
		ch.recvWaiter = self
		markBlocked()
		return 0, false
	}
	n := copy(dst, ch.buf[:ch.n])
	ch.busy = false
	ch.n = 0
	return n, true
}

/// Peer returns the other endpoint of the channel relative to who.
func (ch *Channel_t) Peer(who defs.Pid_t) defs.Pid_t {
	if ch.P1 == who {
		return ch.P2
	}
	return ch.P1
}
