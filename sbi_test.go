package hypervisor

import (
	"errors"
	"testing"
)

func TestCallRoundTrip(t *testing.T) {
	for _, msg := range []ResetMessage{
		ShutdownSignature,
		{Type: ResetTypeShutdown, Reason: ResetReasonNone},
		{Type: ResetTypeWarmReboot, Reason: ResetReasonSystemFailure},
		{Type: 0xffffffffffffffff, Reason: 0},
	} {
		var regs GeneralPurposeRegisters
		if err := EncodeCall(msg, &regs); err != nil {
			t.Fatalf("EncodeCall(%v) failed: %v", msg, err)
		}
		got, err := DecodeCall(&regs)
		if err != nil {
			t.Fatalf("DecodeCall after EncodeCall(%v) failed: %v", msg, err)
		}
		if got != msg {
			t.Errorf("round trip: got %v, want %v", got, msg)
		}
	}
}

func TestEncodeCallRegisters(t *testing.T) {
	var regs GeneralPurposeRegisters
	if err := EncodeCall(ShutdownSignature, &regs); err != nil {
		t.Fatal(err)
	}
	if regs.Reg(A7) != 0x53525354 || regs.Reg(A6) != 0 || regs.Reg(A0) != 0x6688 || regs.Reg(A1) != 0x1234 {
		t.Errorf("a7=0x%x a6=%d a0=0x%x a1=0x%x", regs.Reg(A7), regs.Reg(A6), regs.Reg(A0), regs.Reg(A1))
	}
}

func TestDecodeCallIgnoresExtraArguments(t *testing.T) {
	var regs GeneralPurposeRegisters
	regs.SetReg(A7, SBIExtSRST)
	regs.SetReg(A0, 1)
	regs.SetReg(A1, 2)
	regs.SetReg(A2, 3)
	regs.SetReg(A5, 6)

	got, err := DecodeCall(&regs)
	if err != nil {
		t.Fatal(err)
	}
	if want := (ResetMessage{Type: 1, Reason: 2}); got != want {
		t.Errorf("DecodeCall = %v, want %v", got, want)
	}
}

func TestDecodeCallFailures(t *testing.T) {
	tests := []struct {
		name string
		eid  uint64
		fid  uint64
	}{
		{"legacy console putchar", 0x01, 0},
		{"base extension", 0x10, 0},
		{"timer extension", 0x54494d45, 0},
		{"srst unknown function", SBIExtSRST, 1},
		{"all ones", ^uint64(0), ^uint64(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var regs GeneralPurposeRegisters
			regs.SetReg(A7, tt.eid)
			regs.SetReg(A6, tt.fid)
			msg, err := DecodeCall(&regs)
			if !errors.Is(err, ErrCallDecode) {
				t.Errorf("DecodeCall: err = %v, want ErrCallDecode", err)
			}
			if msg != nil {
				t.Errorf("DecodeCall returned message %v alongside an error", msg)
			}
		})
	}
}
