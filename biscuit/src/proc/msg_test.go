package proc

import (
	"testing"
	"time"

	"defs"
	"flatmem"
	"ipc"
	"mem"
)

// TestSendMsgWakesBlockedSenderWithoutLoss drives SendMsg/RecvMsg across
// two real parked goroutines to exercise the lost-wakeup scenario a bare
// check-then-Block pair is vulnerable to: a sends into an already-full
// mailbox (so it must block) while b concurrently drains it and looks
// for a waiter to wake. If the two raced past each other, a would block
// forever even though the mailbox it wanted is now free.
func TestSendMsgWakesBlockedSenderWithoutLoss(t *testing.T) {
	var nextPa mem.Pa_t = 0x80000
	allocPg := func() (mem.Pa_t, bool) {
		pa := nextPa
		nextPa += mem.Pa_t(defs.PAGESIZE)
		return pa, true
	}
	freePg := func(mem.Pa_t) {}
	w := NewWorld(nil, allocPg, freePg)
	backing := map[flatmem.Word]uint32{}
	w.Paging.AttachAccess(
		func(wd flatmem.Word) uint32 { return backing[wd] },
		func(wd flatmem.Word, v uint32) { backing[wd] = v },
	)

	sched := NewSched(0, w.Pool, nil, func(defs.CpuIdx_t) int { return 0 })
	w.Scheds = []*Sched_t{sched}

	idle, _ := w.Pool.Alloc()
	sched.SetIdle(idle.Pid)

	a, _ := w.Pool.Alloc()
	b, _ := w.Pool.Alloc()
	a.KstackTop, b.KstackTop = 0x11000, 0x22000
	a.Kctx, b.Kctx = NewKctx(0), NewKctx(0)
	// b waits on the ready queue, so the scheduler picks it when a blocks.
	sched.Spawn(b)

	chid, cerr := w.Chans.Alloc(a.Pid, b.Pid, ipc.Bidirect)
	if cerr != defs.OK {
		t.Fatalf("Chans.Alloc: %v", cerr)
	}
	// Prefill the mailbox directly (bypassing SendMsg's blocking path)
	// so a's own SendMsg call below finds it busy and must block.
	ch := w.Chans.Get(chid)
	if err := ch.Send([]byte("stale")); err != defs.OK {
		t.Fatalf("prefill Send: %v", err)
	}

	tss := &fakeTSS{}
	sched.AttachSwitcher(tss, w.Paging)

	a.State = Running
	sched.current = a.Pid

	bDone := make(chan defs.Err_t, 1)
	go func() {
		b.Kctx.Park() // parked until a's SendMsg blocks and switches to b
		dst := make([]byte, ipc.BufSize)
		_, err := w.RecvMsg(sched, b.Pid, chid, dst) // drains "stale", wakes a
		bDone <- err
		a.Kctx.Resume() // stand in for a later real reschedule back to a
	}()

	aDone := make(chan defs.Err_t, 1)
	go func() {
		aDone <- w.SendMsg(sched, a.Pid, chid, []byte("new"))
	}()

	select {
	case err := <-bDone:
		if err != defs.OK {
			t.Fatalf("RecvMsg: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("b's RecvMsg never completed")
	}

	select {
	case err := <-aDone:
		if err != defs.OK {
			t.Fatalf("SendMsg: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("a's SendMsg never resumed after being woken: lost wakeup")
	}

	if a.State != Ready {
		t.Fatalf("a should be back in Ready state after its wakeup, got %v", a.State)
	}
}
