package hypervisor

import "testing"

func TestParseTrapCause(t *testing.T) {
	tests := []struct {
		scause uint64
		want   TrapCause
		name   string
	}{
		{2, Exception{IllegalInstruction}, "Exception(IllegalInstruction)"},
		{10, Exception{VirtualSupervisorEnvCall}, "Exception(VirtualSupervisorEnvCall)"},
		{21, Exception{LoadGuestPageFault}, "Exception(LoadGuestPageFault)"},
		{22, Exception{VirtualInstruction}, "Exception(VirtualInstruction)"},
		{1<<63 | 5, Interrupt{SupervisorTimer}, "Interrupt(SupervisorTimer)"},
		{1<<63 | 9, Interrupt{SupervisorExternal}, "Interrupt(SupervisorExternal)"},
		{1<<63 | 12, Interrupt{SupervisorGuestExt}, "Interrupt(SupervisorGuestExternal)"},
		{63, Exception{ExceptionKind(63)}, "Exception(Exception(63))"},
		{1<<63 | 3, Interrupt{InterruptKind(3)}, "Interrupt(Interrupt(3))"},
	}
	for _, tt := range tests {
		got := ParseTrapCause(tt.scause)
		if got != tt.want {
			t.Errorf("ParseTrapCause(0x%x) = %v, want %v", tt.scause, got, tt.want)
		}
		if got.String() != tt.name {
			t.Errorf("String() = %q, want %q", got.String(), tt.name)
		}
		if got.Bits() != tt.scause {
			t.Errorf("Bits() = 0x%x, want 0x%x", got.Bits(), tt.scause)
		}
	}
}

func TestTimerIsNotAnException(t *testing.T) {
	// Code 5 means LoadFault as an exception and SupervisorTimer as an
	// interrupt; only the top bit tells them apart.
	if _, ok := ParseTrapCause(5).(Exception); !ok {
		t.Error("scause 5 not parsed as an exception")
	}
	if _, ok := ParseTrapCause(1<<63 | 5).(Interrupt); !ok {
		t.Error("scause 1<<63|5 not parsed as an interrupt")
	}
}
