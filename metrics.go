package hypervisor

import (
	"sync/atomic"
	"time"
)

// Counters for VM exits and world switches
var (
	guestEntries         uint64
	totalGuestTime       uint64 // nanoseconds
	vmExits              uint64
	exceptionExits       uint64
	interruptExits       uint64
	hypercalls           uint64
	emulatedInstructions uint64
	guestPageFaults      uint64
	timerInterrupts      uint64
	fatalErrors          uint64
)

// Metrics is a snapshot of the exit counters.
type Metrics struct {
	GuestEntries         uint64 `json:"guest_entries" yaml:"guest_entries"`
	AvgGuestTimeNs       uint64 `json:"avg_guest_time_ns" yaml:"avg_guest_time_ns"`
	VMExits              uint64 `json:"vm_exits" yaml:"vm_exits"`
	ExceptionExits       uint64 `json:"exception_exits" yaml:"exception_exits"`
	InterruptExits       uint64 `json:"interrupt_exits" yaml:"interrupt_exits"`
	Hypercalls           uint64 `json:"hypercalls" yaml:"hypercalls"`
	EmulatedInstructions uint64 `json:"emulated_instructions" yaml:"emulated_instructions"`
	GuestPageFaults      uint64 `json:"guest_page_faults" yaml:"guest_page_faults"`
	TimerInterrupts      uint64 `json:"timer_interrupts" yaml:"timer_interrupts"`
	FatalErrors          uint64 `json:"fatal_errors" yaml:"fatal_errors"`
}

// GetMetrics returns current exit metrics
func GetMetrics() Metrics {
	entries := atomic.LoadUint64(&guestEntries)

	var avg uint64
	if entries > 0 {
		avg = atomic.LoadUint64(&totalGuestTime) / entries
	}

	return Metrics{
		GuestEntries:         entries,
		AvgGuestTimeNs:       avg,
		VMExits:              atomic.LoadUint64(&vmExits),
		ExceptionExits:       atomic.LoadUint64(&exceptionExits),
		InterruptExits:       atomic.LoadUint64(&interruptExits),
		Hypercalls:           atomic.LoadUint64(&hypercalls),
		EmulatedInstructions: atomic.LoadUint64(&emulatedInstructions),
		GuestPageFaults:      atomic.LoadUint64(&guestPageFaults),
		TimerInterrupts:      atomic.LoadUint64(&timerInterrupts),
		FatalErrors:          atomic.LoadUint64(&fatalErrors),
	}
}

// ResetMetrics clears all exit metrics
func ResetMetrics() {
	for _, p := range []*uint64{
		&guestEntries, &totalGuestTime, &vmExits, &exceptionExits,
		&interruptExits, &hypercalls, &emulatedInstructions,
		&guestPageFaults, &timerInterrupts, &fatalErrors,
	} {
		atomic.StoreUint64(p, 0)
	}
}

func recordGuestEntry(d time.Duration) {
	atomic.AddUint64(&guestEntries, 1)
	atomic.AddUint64(&totalGuestTime, uint64(d.Nanoseconds()))
}

func recordExit(cause TrapCause) {
	atomic.AddUint64(&vmExits, 1)
	switch cause.(type) {
	case Exception:
		atomic.AddUint64(&exceptionExits, 1)
	case Interrupt:
		atomic.AddUint64(&interruptExits, 1)
	}
}

func recordHypercall() {
	atomic.AddUint64(&hypercalls, 1)
}

func recordEmulatedInstruction() {
	atomic.AddUint64(&emulatedInstructions, 1)
}

func recordGuestPageFault() {
	atomic.AddUint64(&guestPageFaults, 1)
}

func recordTimerInterrupt() {
	atomic.AddUint64(&timerInterrupts, 1)
}

func recordFatalError() {
	atomic.AddUint64(&fatalErrors, 1)
}
