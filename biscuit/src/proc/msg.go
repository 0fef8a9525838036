package proc

import (
	"defs"
	"ipc"
)

/// SendMsg implements proc_send_msg: attempt a non-blocking Send on the
/// channel; if the mailbox is already occupied, block until the peer
/// receives and retry. The attempt and the block-on-failure transition
/// happen as one step under the channel's own lock (SendOrBlock), so a
/// peer's Recv can never race past self's registration as the waiter to
/// wake — see Sched_t.MarkBlocked.
func (w *World_t) SendMsg(sched *Sched_t, self defs.Pid_t, chid ipc.ChannelId, msg []byte) defs.Err_t {
	ch := w.Chans.Get(chid)
	for {
		if ch.SendOrBlock(msg, self, func() { sched.MarkBlocked(BlockedSend, chid) }) {
			w.wakeWaiter(sched, ch.TakeRecvWaiter())
			return defs.OK
		}
		sched.SwitchAway(self)
	}
}

/// RecvMsg implements proc_recv_msg: attempt a non-blocking Recv; if the
/// mailbox is empty, block until a sender deposits a message and retry.
func (w *World_t) RecvMsg(sched *Sched_t, self defs.Pid_t, chid ipc.ChannelId, dst []byte) (int, defs.Err_t) {
	ch := w.Chans.Get(chid)
	for {
		n, ok := ch.RecvOrBlock(dst, self, func() { sched.MarkBlocked(BlockedRecv, chid) })
		if ok {
			w.wakeWaiter(sched, ch.TakeSendWaiter())
			return n, defs.OK
		}
		sched.SwitchAway(self)
	}
}

/// wakeWaiter unblocks the specific pid a channel op recorded as
/// waiting on the condition self just satisfied, wherever its home CPU
/// is. noPid means nobody was waiting.
func (w *World_t) wakeWaiter(sched *Sched_t, waiter defs.Pid_t) {
	if waiter == noPid {
		return
	}
	pt := w.Pool.Get(waiter)
	owner := w.Scheds[pt.Cpu]
	sched.Unblock(owner, waiter)
}
