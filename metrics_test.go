package hypervisor

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMetrics(t *testing.T) {
	// Reset metrics for clean test
	ResetMetrics()

	if m := GetMetrics(); m != (Metrics{}) {
		t.Fatalf("metrics not zero after reset: %+v", m)
	}

	recordGuestEntry(100 * time.Nanosecond)
	recordGuestEntry(300 * time.Nanosecond)
	recordExit(Exception{VirtualSupervisorEnvCall})
	recordExit(Exception{IllegalInstruction})
	recordExit(Interrupt{SupervisorTimer})
	recordHypercall()
	recordEmulatedInstruction()
	recordTimerInterrupt()
	recordGuestPageFault()
	recordFatalError()

	want := Metrics{
		GuestEntries:         2,
		AvgGuestTimeNs:       200,
		VMExits:              3,
		ExceptionExits:       2,
		InterruptExits:       1,
		Hypercalls:           1,
		EmulatedInstructions: 1,
		GuestPageFaults:      1,
		TimerInterrupts:      1,
		FatalErrors:          1,
	}
	if diff := cmp.Diff(want, GetMetrics()); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}

	ResetMetrics()
	if m := GetMetrics(); m != (Metrics{}) {
		t.Errorf("metrics not zero after second reset: %+v", m)
	}
}

func TestMetricsConcurrentUpdates(t *testing.T) {
	ResetMetrics()

	const workers, perWorker = 8, 1000
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			for j := 0; j < perWorker; j++ {
				recordExit(Interrupt{SupervisorTimer})
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}

	if m := GetMetrics(); m.VMExits != workers*perWorker || m.InterruptExits != workers*perWorker {
		t.Errorf("VMExits=%d InterruptExits=%d, want %d", m.VMExits, m.InterruptExits, workers*perWorker)
	}
}
