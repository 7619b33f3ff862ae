package hypervisor

import (
	"fmt"
	"time"
)

// ExitRecord describes one resolved VM exit.
type ExitRecord struct {
	Cause   TrapCause
	Sepc    uint64 // resume address reported by the hardware
	Tval    uint64
	Outcome VmExitOutcome
}

// RunResult summarises a run.
type RunResult struct {
	Exits    []ExitRecord
	Guest    GuestCPUState // guest state after the last exit
	Duration time.Duration
}

// ErrExitLimit is returned when Config.MaxExits is reached before the guest
// shut down.
var ErrExitLimit = &HVError{Code: Busy, message: "hv: exit limit reached"}

// ErrVMAlreadyRan is returned by a second call to Run; a VM runs once.
var ErrVMAlreadyRan = &HVError{Code: Closed, message: "hv: VM has already run"}

// Run enters the guest and resolves its exits until it shuts down or an
// exit cannot be handled. The returned result is valid in both cases.
func (vm *VM) Run() (*RunResult, error) {
	if vm == nil {
		return nil, fmt.Errorf("hv: VM is nil")
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil, ErrVMClosed
	}
	if vm.ran {
		return nil, ErrVMAlreadyRan
	}
	vm.ran = true

	start := time.Now()
	res := &RunResult{}
	defer func() {
		res.Guest = vm.ctx.Guest
		res.Duration = time.Since(start)
	}()

	for {
		if vm.maxExits > 0 && len(res.Exits) >= vm.maxExits {
			return res, fmt.Errorf("guest did not shut down after %d exits: %w", len(res.Exits), ErrExitLimit)
		}

		vm.log.Debug("entering guest")
		vm.trampoline.EnterGuest(vm.ctx)

		rec := ExitRecord{
			Cause: ParseTrapCause(vm.hart.ReadCSR(CSRScause)),
			Sepc:  vm.ctx.Guest.Sepc,
			Tval:  vm.hart.ReadCSR(CSRStval),
		}
		outcome, err := vm.dispatcher.Dispatch(vm.ctx, rec.Cause, rec.Tval)
		rec.Outcome = outcome
		res.Exits = append(res.Exits, rec)
		if err != nil {
			return res, fmt.Errorf("vm exit %d: %w", len(res.Exits), err)
		}
		if outcome == Shutdown {
			vm.log.WithField("exits", len(res.Exits)).Info("guest shut down")
			return res, nil
		}
	}
}
