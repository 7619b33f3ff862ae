package hypervisor

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeHart, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)
	h := newFakeHart()
	return NewDispatcher(h, log), h, &buf
}

func TestDispatchEmulatesMhartidRead(t *testing.T) {
	ResetMetrics()
	d, _, _ := newTestDispatcher(t)
	ctx := NewGuestContext(GuestEntry)
	ctx.Guest.GPRs[A2] = 0x99

	outcome, err := d.Dispatch(ctx, Exception{IllegalInstruction}, 0xf14025f3)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if outcome != Continue {
		t.Errorf("outcome = %v, want Continue", outcome)
	}
	if ctx.Guest.GPRs[A0] != 0x6688 || ctx.Guest.GPRs[A1] != 0x1234 {
		t.Errorf("a0=0x%x a1=0x%x, want 0x6688 0x1234", ctx.Guest.GPRs[A0], ctx.Guest.GPRs[A1])
	}
	if ctx.Guest.GPRs[A2] != 0x99 {
		t.Error("unrelated register changed")
	}
	if ctx.Guest.Sepc != GuestEntry+4 {
		t.Errorf("sepc = 0x%x, want 0x%x", ctx.Guest.Sepc, GuestEntry+4)
	}
	if m := GetMetrics(); m.EmulatedInstructions != 1 || m.ExceptionExits != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDispatchRejectsOtherIllegalInstructions(t *testing.T) {
	for _, insn := range []uint64{
		0x00000000,
		0xffffffff,
		0xf1402573, // csrr a0, mhartid
		0x30200073, // mret
		0xf14025f2,
	} {
		d, _, _ := newTestDispatcher(t)
		ctx := NewGuestContext(GuestEntry)
		before := ctx.Guest

		outcome, err := d.Dispatch(ctx, Exception{IllegalInstruction}, insn)
		if !errors.Is(err, ErrUnemulatedInstruction) {
			t.Errorf("insn 0x%08x: err = %v, want ErrUnemulatedInstruction", insn, err)
		}
		if outcome != Shutdown {
			t.Errorf("insn 0x%08x: outcome = %v, want Shutdown", insn, outcome)
		}
		if ctx.Guest != before {
			t.Errorf("insn 0x%08x: guest state modified", insn)
		}
	}
}

func TestDispatchShutdown(t *testing.T) {
	d, _, buf := newTestDispatcher(t)
	ctx := NewGuestContext(GuestEntry)
	if err := EncodeCall(ShutdownSignature, &ctx.Guest.GPRs); err != nil {
		t.Fatal(err)
	}

	outcome, err := d.Dispatch(ctx, Exception{VirtualSupervisorEnvCall}, 0)
	if err != nil || outcome != Shutdown {
		t.Fatalf("Dispatch = (%v, %v), want (Shutdown, nil)", outcome, err)
	}
	if ctx.Guest.Sepc != GuestEntry {
		t.Errorf("sepc moved to 0x%x on shutdown", ctx.Guest.Sepc)
	}
	if !strings.Contains(buf.String(), "guest requested shutdown") {
		t.Errorf("shutdown not logged:\n%s", buf.String())
	}
}

func TestDispatchResetWithoutSignatureContinues(t *testing.T) {
	for _, msg := range []ResetMessage{
		{Type: ResetTypeShutdown, Reason: ResetReasonNone},
		{Type: 0x6688, Reason: 0},
		{Type: 0x1234, Reason: 0x6688},
	} {
		d, _, buf := newTestDispatcher(t)
		ctx := NewGuestContext(GuestEntry + 0x40)
		if err := EncodeCall(msg, &ctx.Guest.GPRs); err != nil {
			t.Fatal(err)
		}

		outcome, err := d.Dispatch(ctx, Exception{VirtualSupervisorEnvCall}, 0)
		if err != nil || outcome != Continue {
			t.Errorf("%v: Dispatch = (%v, %v), want (Continue, nil)", msg, outcome, err)
		}
		if ctx.Guest.Sepc != GuestEntry+0x40 {
			t.Errorf("%v: sepc = 0x%x, want unchanged", msg, ctx.Guest.Sepc)
		}
		if !strings.Contains(buf.String(), "level=warning") {
			t.Errorf("%v: no warning logged", msg)
		}
	}
}

func TestDispatchBadHypercall(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := NewGuestContext(GuestEntry)
	ctx.Guest.GPRs[A7] = 0x735049 // HSM

	outcome, err := d.Dispatch(ctx, Exception{VirtualSupervisorEnvCall}, 0)
	if !errors.Is(err, ErrCallDecode) || outcome != Shutdown {
		t.Fatalf("Dispatch = (%v, %v), want (Shutdown, ErrCallDecode)", outcome, err)
	}
	var hvErr *HVError
	if !errors.As(err, &hvErr) || hvErr.Sepc != GuestEntry {
		t.Errorf("error lacks trap context: %#v", hvErr)
	}
}

func TestDispatchForwardsTimer(t *testing.T) {
	ResetMetrics()
	d, h, _ := newTestDispatcher(t)
	h.csr[CSRSie] = IntSTIP | IntSEIP | IntSSIP
	h.csr[CSRHvip] = IntVSSIP
	ctx := NewGuestContext(GuestEntry)

	outcome, err := d.Dispatch(ctx, Interrupt{SupervisorTimer}, 0)
	if err != nil || outcome != Continue {
		t.Fatalf("Dispatch = (%v, %v), want (Continue, nil)", outcome, err)
	}
	if got := h.csr[CSRHvip]; got != IntVSSIP|IntVSTIP {
		t.Errorf("hvip = 0x%x, want VSSIP|VSTIP", got)
	}
	if got := h.csr[CSRSie]; got != IntSEIP|IntSSIP {
		t.Errorf("sie = 0x%x, want STIE cleared and the rest kept", got)
	}
	if ctx.Guest.Sepc != GuestEntry {
		t.Errorf("sepc moved on an interrupt: 0x%x", ctx.Guest.Sepc)
	}
	if m := GetMetrics(); m.TimerInterrupts != 1 || m.InterruptExits != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDispatchSkipsLoadGuestPageFault(t *testing.T) {
	d, h, buf := newTestDispatcher(t)
	h.csr[CSRHtval] = 0x1000 >> 2
	ctx := NewGuestContext(GuestEntry)

	outcome, err := d.Dispatch(ctx, Exception{LoadGuestPageFault}, 0x1000)
	if err != nil || outcome != Continue {
		t.Fatalf("Dispatch = (%v, %v), want (Continue, nil)", outcome, err)
	}
	if ctx.Guest.Sepc != GuestEntry+4 {
		t.Errorf("sepc = 0x%x, want 0x%x", ctx.Guest.Sepc, GuestEntry+4)
	}
	if !strings.Contains(buf.String(), "gpa=0x1000") {
		t.Errorf("faulting gpa not logged:\n%s", buf.String())
	}
}

func TestDispatchUnhandledCauses(t *testing.T) {
	for _, cause := range []TrapCause{
		Exception{InstructionGuestPageFault},
		Exception{StoreGuestPageFault},
		Exception{VirtualInstruction},
		Exception{Breakpoint},
		Exception{UserEnvCall},
		Exception{ExceptionKind(40)},
		Interrupt{SupervisorExternal},
		Interrupt{SupervisorSoft},
		Interrupt{VirtualSupervisorTimer},
	} {
		t.Run(cause.String(), func(t *testing.T) {
			ResetMetrics()
			d, _, _ := newTestDispatcher(t)
			ctx := NewGuestContext(GuestEntry)

			outcome, err := d.Dispatch(ctx, cause, 0x55)
			if !errors.Is(err, ErrUnhandledTrap) || outcome != Shutdown {
				t.Fatalf("Dispatch = (%v, %v), want (Shutdown, ErrUnhandledTrap)", outcome, err)
			}
			var hvErr *HVError
			if !errors.As(err, &hvErr) || hvErr.Cause != cause || hvErr.Tval != 0x55 {
				t.Errorf("error = %#v, want cause %v and stval 0x55", hvErr, cause)
			}
			if m := GetMetrics(); m.FatalErrors != 1 {
				t.Errorf("FatalErrors = %d, want 1", m.FatalErrors)
			}
		})
	}
}

func TestHandleReadsTrapRegisters(t *testing.T) {
	d, h, _ := newTestDispatcher(t)
	h.csr[CSRScause] = uint64(IllegalInstruction)
	h.csr[CSRStval] = uint64(EmulatedInstruction)
	ctx := NewGuestContext(GuestEntry)

	outcome, err := d.Handle(ctx)
	if err != nil || outcome != Continue {
		t.Fatalf("Handle = (%v, %v), want (Continue, nil)", outcome, err)
	}
	if ctx.Guest.GPRs[A1] != EmulatedA1 {
		t.Errorf("a1 = 0x%x", ctx.Guest.GPRs[A1])
	}
}

func TestNilLoggerIsAllowed(t *testing.T) {
	d := NewDispatcher(newFakeHart(), nil)
	ctx := NewGuestContext(GuestEntry)
	if _, err := d.Dispatch(ctx, Interrupt{SupervisorTimer}, 0); err != nil {
		t.Fatal(err)
	}
}
