// Package monitor drives the guest-exec run loops: one goroutine per
// guest vCPU, demultiplexing VM exits to the handlers the rest of the
// kernel (scheduler, PIT, paging) provides. Uses golang.org/x/sync/
// errgroup to run every guest's loop concurrently and propagate the
// first fatal error without leaking goroutines — the idiomatic
// replacement for a hand-rolled sync.WaitGroup plus error channel.
package monitor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"defs"
	"klog"
	"proc"
	"vmx"
)

/// Guest_t is one guest vCPU's run-loop state: its VMX-managed registers,
/// the scheduled thread that drives it, and the handler table the
/// monitor dispatches canonical exits to. Tcb/Sched are optional — nil
/// leaves a guest's loop running free-standing, as before; set both to
/// make the guest's vCPU a thread the owning CPU's scheduler actually
/// round-robins against ordinary kernel/user threads, closing the gap
/// between the scheduler core and the guest-execution core. The caller
/// is responsible for having already made Tcb the owning CPU's current
/// thread (Sched.Spawn followed by a Sched.Sched call that actually
/// selects it — the same path any other thread takes to start running)
/// before RunGuests starts stepping it. Sched.Yield is a no-op rather
/// than a crash if nothing is current, but it cannot make Tcb current
/// on its own.
type Guest_t struct {
	Name  string
	Vcpu  *vmx.Vmx_t
	Tcb   *proc.Tcb_t
	Sched *proc.Sched_t
	Step  func(ctx context.Context, reason vmx.ExitReason) (halt bool, err error)
}

/// RunGuests runs every guest's vCPU loop concurrently and returns once
/// all of them have ended. A loop ends when its guest halts cleanly or
/// hits an undecodable exit (neither stops the other guests), when its
/// Step returns an error (the first such error cancels every other loop
/// via ctx and is returned), or when ctx is cancelled by the caller.
/// Non-goals (spec.md §1): multiple vCPUs per guest
/// (SMP guests) and nested virtualization — each Guest_t here is
/// exactly one vCPU belonging to exactly one, non-nested guest.
func RunGuests(ctx context.Context, guests []*Guest_t) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, guest := range guests {
		guest := guest
		if guest.Tcb != nil {
			guest.Tcb.Guest = guest.Vcpu
		}
		g.Go(func() error {
			return runOne(gctx, guest)
		})
	}
	return g.Wait()
}

func runOne(ctx context.Context, guest *Guest_t) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		reason, err := guest.Vcpu.GetExitReason()
		if err != defs.OK {
			// An undecodable exit halts only this guest, per the
			// "guest faults are never fatal to the host" rule — it is
			// not propagated through the errgroup.
			klog.Trace("%s", (&ExitDecodeError{Guest: guest.Name, Err: err}).Error())
			return nil
		}
		halt, herr := guest.Step(ctx, reason)
		if herr != nil {
			return herr
		}
		if halt {
			return nil
		}
		if guest.Sched != nil {
			// Give the owning CPU's scheduler a chance to run other
			// ready threads between exits, the same suspension point
			// an ordinary thread uses: a guest that exits frequently
			// must not monopolize the CPU ahead of runnable work.
			guest.Sched.Yield()
		}
	}
}

/// ExitDecodeError reports a raw VM-exit reason this core does not
/// canonicalize (an unsupported/unexpected hardware exit), which halts
/// only the offending guest, per spec.md §7 ("guest faults are never
/// fatal to the host").
type ExitDecodeError struct {
	Guest string
	Err   defs.Err_t
}

func (e *ExitDecodeError) Error() string {
	return "guest " + e.Guest + ": " + e.Err.Error()
}
