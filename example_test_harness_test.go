package hypervisor_test

import (
	"bytes"
	"errors"
	"testing"

	hv "github.com/blacktop/go-rvhv"
	"github.com/blacktop/go-rvhv/internal/rvsim"
)

// guestRAM is mapped at the guest entry for every test guest.
const guestRAM = 1 << 20

// GuestTester runs small guest programs on a software hart under a real VM.
type GuestTester struct {
	opts     []rvsim.Option
	maxExits int
}

// NewGuestTester creates a tester whose VMs stop after 64 exits.
func NewGuestTester(opts ...rvsim.Option) *GuestTester {
	return &GuestTester{opts: opts, maxExits: 64}
}

// GuestRun is everything a test may want to look at after a run.
type GuestRun struct {
	Result *hv.RunResult
	Err    error
	Hart   *rvsim.Hart
	Space  *hv.AddressSpace
}

// Outcomes lists the outcome of each exit in order.
func (r *GuestRun) Outcomes() []hv.VmExitOutcome {
	var out []hv.VmExitOutcome
	for _, e := range r.Result.Exits {
		out = append(out, e.Outcome)
	}
	return out
}

// Causes lists the cause of each exit in order.
func (r *GuestRun) Causes() []hv.TrapCause {
	var out []hv.TrapCause
	for _, e := range r.Result.Exits {
		out = append(out, e.Cause)
	}
	return out
}

// Execute loads p at the guest entry and runs it to completion.
func (gt *GuestTester) Execute(t *testing.T, p *rvsim.Program) *GuestRun {
	t.Helper()

	as := hv.NewAddressSpace()
	if _, err := as.AllocateRAM(hv.GuestEntry, guestRAM, hv.MemRWX); err != nil {
		as.Close()
		t.Fatalf("AllocateRAM failed: %v", err)
	}
	hart := rvsim.New(as, gt.opts...)

	image := p.Bytes()
	vm, err := hv.NewVM(hart, as, hv.Config{
		Image:     bytes.NewReader(image),
		ImageSize: int64(len(image)),
		MaxExits:  gt.maxExits,
	})
	if err != nil {
		as.Close()
		t.Fatalf("NewVM failed: %v", err)
	}
	defer func() {
		if err := vm.Close(); err != nil {
			t.Errorf("Failed to close VM: %v", err)
		}
	}()

	res, err := vm.Run()
	if res == nil {
		t.Fatalf("Run returned no result: %v", err)
	}
	return &GuestRun{Result: res, Err: err, Hart: hart, Space: as}
}

// shutdown appends the SRST call that ends a guest normally.
func shutdown(p *rvsim.Program) *rvsim.Program {
	return p.
		Li(hv.A0, 0x6688).
		Li(hv.A1, 0x1234).
		Li(hv.A7, 0x53525354).
		Li(hv.A6, 0).
		Ecall()
}

// Example test showing how to use the guest tester
func TestGuestTester(t *testing.T) {
	tester := NewGuestTester()

	t.Run("li t0, 0x42", func(t *testing.T) {
		p := rvsim.NewProgram().Li(hv.T0, 0x42)
		run := tester.Execute(t, shutdown(p))
		if run.Err != nil {
			t.Fatalf("Run failed: %v", run.Err)
		}
		if got := run.Result.Guest.GPRs[hv.T0]; got != 0x42 {
			t.Errorf("Expected t0=0x42, got t0=0x%x", got)
		}
		if len(run.Result.Exits) != 1 || run.Result.Exits[0].Outcome != hv.Shutdown {
			t.Errorf("exits = %+v, want a single shutdown", run.Result.Exits)
		}
	})

	t.Run("add t2, t0, t1", func(t *testing.T) {
		p := rvsim.NewProgram().
			Li(hv.T0, 10).
			Li(hv.T1, 20).
			Add(hv.T2, hv.T0, hv.T1)
		run := tester.Execute(t, shutdown(p))
		if run.Err != nil {
			t.Fatalf("Run failed: %v", run.Err)
		}
		if got := run.Result.Guest.GPRs[hv.T2]; got != 30 {
			t.Errorf("Expected t2=30, got t2=%d", got)
		}
	})

	t.Run("ebreak", func(t *testing.T) {
		run := tester.Execute(t, rvsim.NewProgram().Ebreak())
		if !errors.Is(run.Err, hv.ErrUnhandledTrap) {
			t.Errorf("err = %v, want ErrUnhandledTrap", run.Err)
		}
	})
}
