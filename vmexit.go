package hypervisor

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// VmExitOutcome tells the control loop what to do after an exit.
type VmExitOutcome int

const (
	// Continue re-enters the guest.
	Continue VmExitOutcome = iota
	// Shutdown ends the run for good.
	Shutdown
)

func (o VmExitOutcome) String() string {
	switch o {
	case Continue:
		return "Continue"
	case Shutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("VmExitOutcome(%d)", int(o))
	}
}

const (
	// EmulatedInstruction is csrr a1, mhartid; VS-mode may not read
	// machine-level CSRs, so the host answers for it.
	EmulatedInstruction uint32 = 0xf14025f3

	// Values deposited in a0/a1 when EmulatedInstruction is emulated.
	EmulatedA0 uint64 = 0x6688
	EmulatedA1 uint64 = 0x1234
)

// ShutdownSignature is the reset request that ends the guest normally.
var ShutdownSignature = ResetMessage{Type: 0x6688, Reason: 0x1234}

// Dispatcher resolves one VM exit at a time.
type Dispatcher struct {
	csrs CSRFile
	log  logrus.FieldLogger
}

// NewDispatcher returns a dispatcher that reads the trap registers from
// csrs. A nil log discards output.
func NewDispatcher(csrs CSRFile, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = discardLogger()
	}
	return &Dispatcher{csrs: csrs, log: log}
}

// Handle reads scause and stval and resolves the exit ctx just returned
// from.
func (d *Dispatcher) Handle(ctx *GuestContext) (VmExitOutcome, error) {
	cause := ParseTrapCause(d.csrs.ReadCSR(CSRScause))
	tval := d.csrs.ReadCSR(CSRStval)
	return d.Dispatch(ctx, cause, tval)
}

// Dispatch resolves an exit with the given cause and trap value. Any
// returned error is fatal to the VM; the outcome is then meaningless.
func (d *Dispatcher) Dispatch(ctx *GuestContext, cause TrapCause, tval uint64) (VmExitOutcome, error) {
	log := d.log.WithFields(logrus.Fields{
		"cause": cause.String(),
		"sepc":  fmt.Sprintf("0x%x", ctx.Guest.Sepc),
		"stval": fmt.Sprintf("0x%x", tval),
	})
	recordExit(cause)

	var (
		outcome VmExitOutcome
		err     error
	)
	switch c := cause.(type) {
	case Exception:
		outcome, err = d.exception(log, ctx, c, tval)
	case Interrupt:
		outcome, err = d.interrupt(log, ctx, c, tval)
	default:
		err = trapErr(UnhandledTrapCause, cause, ctx.Guest.Sepc, tval, nil)
	}
	if err != nil {
		recordFatalError()
		log.WithError(err).Error("vm exit aborted the run")
		return Shutdown, err
	}
	log.WithField("outcome", outcome.String()).Debug("vm exit handled")
	return outcome, nil
}

func (d *Dispatcher) exception(log logrus.FieldLogger, ctx *GuestContext, e Exception, tval uint64) (VmExitOutcome, error) {
	switch e.Kind {
	case VirtualSupervisorEnvCall:
		return d.hypercall(log, ctx, e)
	case IllegalInstruction:
		return d.illegalInstruction(log, ctx, e, tval)
	case LoadGuestPageFault:
		// Placeholder policy: the faulting load is skipped, not resolved.
		gpa := d.csrs.ReadCSR(CSRHtval) << 2
		log.WithField("gpa", fmt.Sprintf("0x%x", gpa)).Warn("skipping load guest page fault")
		ctx.AdvancePC()
		recordGuestPageFault()
		return Continue, nil
	default:
		return Shutdown, trapErr(UnhandledTrapCause, e, ctx.Guest.Sepc, tval, nil)
	}
}

func (d *Dispatcher) hypercall(log logrus.FieldLogger, ctx *GuestContext, e Exception) (VmExitOutcome, error) {
	msg, err := DecodeCall(&ctx.Guest.GPRs)
	if err != nil {
		return Shutdown, trapErr(CallDecodeFailure, e, ctx.Guest.Sepc, 0, err)
	}
	recordHypercall()
	log = log.WithField("call", msg.String())

	switch m := msg.(type) {
	case ResetMessage:
		if m == ShutdownSignature {
			log.Info("guest requested shutdown")
			return Shutdown, nil
		}
		// sepc is left alone, so re-entry repeats the same call.
		log.Warn("reset request without shutdown signature; resuming guest at the same call")
		return Continue, nil
	default:
		return Shutdown, trapErr(CallDecodeFailure, e, ctx.Guest.Sepc, 0, fmt.Errorf("unexpected message %v", msg))
	}
}

func (d *Dispatcher) illegalInstruction(log logrus.FieldLogger, ctx *GuestContext, e Exception, tval uint64) (VmExitOutcome, error) {
	insn := uint32(tval)
	if insn != EmulatedInstruction {
		return Shutdown, trapErr(UnemulatedIllegalInstruction, e, ctx.Guest.Sepc, tval, nil)
	}
	if err := ctx.Guest.GPRs.SetRegs(RegBatch{A0: EmulatedA0, A1: EmulatedA1}); err != nil {
		return Shutdown, err
	}
	ctx.AdvancePC()
	recordEmulatedInstruction()
	log.WithField("next_sepc", fmt.Sprintf("0x%x", ctx.Guest.Sepc)).Info("emulated instruction")
	return Continue, nil
}

func (d *Dispatcher) interrupt(log logrus.FieldLogger, ctx *GuestContext, i Interrupt, tval uint64) (VmExitOutcome, error) {
	switch i.Kind {
	case SupervisorTimer:
		// Forward the tick to the guest and mask it on the host until
		// the guest's virtual timer has been serviced.
		d.csrs.SetCSRBits(CSRHvip, IntVSTIP)
		d.csrs.ClearCSRBits(CSRSie, IntSTIP)
		recordTimerInterrupt()
		log.Info("timer irq emulation")
		return Continue, nil
	default:
		return Shutdown, trapErr(UnhandledTrapCause, i, ctx.Guest.Sepc, tval, nil)
	}
}
