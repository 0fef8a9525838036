package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"defs"
	"proc"
	"svm"
	"vmx"
)

type fakeVMCS struct {
	fields map[uint32]uint64
}

func newFakeVMCS(exitReason uint64) *fakeVMCS {
	return &fakeVMCS{fields: map[uint32]uint64{0x4402: exitReason}}
}

func (f *fakeVMCS) Read(field uint32) uint64      { return f.fields[field] }
func (f *fakeVMCS) Write(field uint32, val uint64) { f.fields[field] = val }

func TestRunGuestsHaltsCleanly(t *testing.T) {
	vcpu := vmx.New(newFakeVMCS(10 /* EXIT_REASON_CPUID */), nil)
	guest := &Guest_t{
		Name: "g0",
		Vcpu: vcpu,
		Step: func(ctx context.Context, reason vmx.ExitReason) (bool, error) {
			return true, nil
		},
	}
	if err := RunGuests(context.Background(), []*Guest_t{guest}); err != nil {
		t.Fatalf("RunGuests: %v", err)
	}
}

func TestRunGuestsPropagatesStepError(t *testing.T) {
	wantErr := errors.New("guest fault")
	vcpu := vmx.New(newFakeVMCS(10), nil)
	guest := &Guest_t{
		Name: "g0",
		Vcpu: vcpu,
		Step: func(ctx context.Context, reason vmx.ExitReason) (bool, error) {
			return false, wantErr
		},
	}
	err := RunGuests(context.Background(), []*Guest_t{guest})
	if err != wantErr {
		t.Fatalf("RunGuests err = %v, want %v", err, wantErr)
	}
}

func TestRunGuestsUndecodableExitHaltsOnlyThatGuest(t *testing.T) {
	// raw exit reason 28 (EXIT_REASON_CR_ACCESS) has no case in
	// vmx_get_exit_reason and canonicalizes to an error, not a fatal one.
	vcpu := vmx.New(newFakeVMCS(28), nil)
	called := false
	guest := &Guest_t{
		Name: "g0",
		Vcpu: vcpu,
		Step: func(ctx context.Context, reason vmx.ExitReason) (bool, error) {
			called = true
			return true, nil
		},
	}
	if err := RunGuests(context.Background(), []*Guest_t{guest}); err != nil {
		t.Fatalf("RunGuests: %v", err)
	}
	if called {
		t.Fatalf("Step must not be called on an undecodable exit")
	}
}

func TestRunGuestsLinksTcbToVcpu(t *testing.T) {
	vcpu := vmx.New(newFakeVMCS(10), nil)
	tcb := &proc.Tcb_t{}
	guest := &Guest_t{
		Name: "g0",
		Vcpu: vcpu,
		Tcb:  tcb,
		Step: func(ctx context.Context, reason vmx.ExitReason) (bool, error) {
			return true, nil
		},
	}
	if err := RunGuests(context.Background(), []*Guest_t{guest}); err != nil {
		t.Fatalf("RunGuests: %v", err)
	}
	if tcb.Guest != vcpu {
		t.Fatalf("Tcb.Guest not linked to the guest's Vcpu")
	}
}

func TestRunOneYieldsSchedulerBetweenExits(t *testing.T) {
	pool := proc.NewPool()
	sched := proc.NewSched(0, pool, nil, func(defs.CpuIdx_t) int { return 0 })
	idle, err := pool.Alloc()
	if err != defs.OK {
		t.Fatalf("alloc idle: %v", err)
	}
	sched.SetIdle(idle.Pid)

	guestTcb, err := pool.Alloc()
	if err != defs.OK {
		t.Fatalf("alloc guest tcb: %v", err)
	}
	other, err := pool.Alloc()
	if err != defs.OK {
		t.Fatalf("alloc other tcb: %v", err)
	}
	sched.Spawn(guestTcb)
	sched.Spawn(other)
	if got := sched.Sched(true); got.Pid != guestTcb.Pid {
		t.Fatalf("expected guestTcb scheduled first, got %d", got.Pid)
	}

	vcpu := vmx.New(newFakeVMCS(10), nil)
	calls := 0
	guest := &Guest_t{
		Name:  "g0",
		Vcpu:  vcpu,
		Tcb:   guestTcb,
		Sched: sched,
		Step: func(ctx context.Context, reason vmx.ExitReason) (bool, error) {
			calls++
			return calls >= 2, nil
		},
	}

	done := make(chan error, 1)
	go func() { done <- runOne(context.Background(), guest) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runOne: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("runOne did not return")
	}

	if sched.Current() != other.Pid {
		t.Fatalf("expected scheduler to have switched to other after guest yielded, current=%d", sched.Current())
	}
	if guestTcb.State != proc.Ready {
		t.Fatalf("expected guest thread requeued as Ready after Yield, got %v", guestTcb.State)
	}
}

func TestSelectVendorPrefersVMX(t *testing.T) {
	vmxCPU := &fakeProbeCPU{cpuid: map[uint32][4]uint32{
		1: {0, 0, 1 << 5, 0}, // VMX feature bit
	}}
	svmCPU := &fakeProbeCPU{}
	v, err := SelectVendor(vmxCPU, svmCPU)
	if err != defs.OK {
		t.Fatalf("SelectVendor: %v", err)
	}
	if v != VendorVMX {
		t.Fatalf("got %v, want VendorVMX", v)
	}
}

func TestSelectVendorFallsBackToSVM(t *testing.T) {
	vmxCPU := &fakeProbeCPU{}
	svmCPU := &fakeProbeCPU{cpuid: map[uint32][4]uint32{
		0x80000001: {0, 0, 0, 1 << 2}, // SVM feature bit
	}}
	v, err := SelectVendor(vmxCPU, svmCPU)
	if err != defs.OK {
		t.Fatalf("SelectVendor: %v", err)
	}
	if v != VendorSVM {
		t.Fatalf("got %v, want VendorSVM", v)
	}
}

func TestSelectVendorNeitherSupported(t *testing.T) {
	vmxCPU := &fakeProbeCPU{}
	svmCPU := &fakeProbeCPU{}
	_, err := SelectVendor(vmxCPU, svmCPU)
	if err != defs.NotSupported {
		t.Fatalf("err = %v, want NotSupported", err)
	}
}

// fakeProbeCPU satisfies both vmx.CPU_i and svm.CPU_i: the two
// interfaces share the same CPUID/RDMSR/WRMSR shape by design (see
// vmx/init.go's doc comment).
type fakeProbeCPU struct {
	cpuid map[uint32][4]uint32
	msr   map[uint32]uint64
}

func (c *fakeProbeCPU) CPUID(leaf uint32) (eax, ebx, ecx, edx uint32) {
	v := c.cpuid[leaf]
	return v[0], v[1], v[2], v[3]
}
func (c *fakeProbeCPU) RDMSR(msr uint32) uint64 {
	if c.msr == nil {
		return 0
	}
	return c.msr[msr]
}
func (c *fakeProbeCPU) WRMSR(msr uint32, val uint64) {
	if c.msr == nil {
		c.msr = map[uint32]uint64{}
	}
	c.msr[msr] = val
}

var _ svm.CPU_i = (*fakeProbeCPU)(nil)
var _ vmx.CPU_i = (*fakeProbeCPU)(nil)
