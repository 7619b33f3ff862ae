package hypervisor

import "fmt"

// scauseInterrupt is the interrupt flag in scause (bit XLEN-1).
const scauseInterrupt uint64 = 1 << 63

// ExceptionKind is the exception code held in scause.
type ExceptionKind uint64

const (
	InstructionMisaligned     ExceptionKind = 0
	InstructionFault          ExceptionKind = 1
	IllegalInstruction        ExceptionKind = 2
	Breakpoint                ExceptionKind = 3
	LoadMisaligned            ExceptionKind = 4
	LoadFault                 ExceptionKind = 5
	StoreMisaligned           ExceptionKind = 6
	StoreFault                ExceptionKind = 7
	UserEnvCall               ExceptionKind = 8
	SupervisorEnvCall         ExceptionKind = 9
	VirtualSupervisorEnvCall  ExceptionKind = 10
	InstructionPageFault      ExceptionKind = 12
	LoadPageFault             ExceptionKind = 13
	StorePageFault            ExceptionKind = 15
	InstructionGuestPageFault ExceptionKind = 20
	LoadGuestPageFault        ExceptionKind = 21
	VirtualInstruction        ExceptionKind = 22
	StoreGuestPageFault       ExceptionKind = 23
)

var exceptionNames = map[ExceptionKind]string{
	InstructionMisaligned:     "InstructionMisaligned",
	InstructionFault:          "InstructionFault",
	IllegalInstruction:        "IllegalInstruction",
	Breakpoint:                "Breakpoint",
	LoadMisaligned:            "LoadMisaligned",
	LoadFault:                 "LoadFault",
	StoreMisaligned:           "StoreMisaligned",
	StoreFault:                "StoreFault",
	UserEnvCall:               "UserEnvCall",
	SupervisorEnvCall:         "SupervisorEnvCall",
	VirtualSupervisorEnvCall:  "VirtualSupervisorEnvCall",
	InstructionPageFault:      "InstructionPageFault",
	LoadPageFault:             "LoadPageFault",
	StorePageFault:            "StorePageFault",
	InstructionGuestPageFault: "InstructionGuestPageFault",
	LoadGuestPageFault:        "LoadGuestPageFault",
	VirtualInstruction:        "VirtualInstruction",
	StoreGuestPageFault:       "StoreGuestPageFault",
}

func (k ExceptionKind) String() string {
	if s, ok := exceptionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Exception(%d)", uint64(k))
}

// InterruptKind is the interrupt code held in scause.
type InterruptKind uint64

const (
	SupervisorSoft         InterruptKind = 1
	VirtualSupervisorSoft  InterruptKind = 2
	SupervisorTimer        InterruptKind = 5
	VirtualSupervisorTimer InterruptKind = 6
	SupervisorExternal     InterruptKind = 9
	VirtualSupervisorExt   InterruptKind = 10
	SupervisorGuestExt     InterruptKind = 12
)

var interruptNames = map[InterruptKind]string{
	SupervisorSoft:         "SupervisorSoft",
	VirtualSupervisorSoft:  "VirtualSupervisorSoft",
	SupervisorTimer:        "SupervisorTimer",
	VirtualSupervisorTimer: "VirtualSupervisorTimer",
	SupervisorExternal:     "SupervisorExternal",
	VirtualSupervisorExt:   "VirtualSupervisorExternal",
	SupervisorGuestExt:     "SupervisorGuestExternal",
}

func (k InterruptKind) String() string {
	if s, ok := interruptNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Interrupt(%d)", uint64(k))
}

// TrapCause is why control left the guest. It is either an Exception or
// an Interrupt; no other implementations exist.
type TrapCause interface {
	fmt.Stringer
	// Bits re-encodes the cause as an scause value.
	Bits() uint64
	isTrapCause()
}

// Exception is a synchronous trap.
type Exception struct{ Kind ExceptionKind }

// Interrupt is an asynchronous trap.
type Interrupt struct{ Kind InterruptKind }

func (e Exception) String() string { return "Exception(" + e.Kind.String() + ")" }
func (e Exception) Bits() uint64   { return uint64(e.Kind) }
func (Exception) isTrapCause()     {}

func (i Interrupt) String() string { return "Interrupt(" + i.Kind.String() + ")" }
func (i Interrupt) Bits() uint64   { return scauseInterrupt | uint64(i.Kind) }
func (Interrupt) isTrapCause()     {}

// ParseTrapCause decodes a raw scause value. Unknown codes are kept as
// numeric kinds so that the dispatcher can report them.
func ParseTrapCause(scause uint64) TrapCause {
	code := scause &^ scauseInterrupt
	if scause&scauseInterrupt != 0 {
		return Interrupt{Kind: InterruptKind(code)}
	}
	return Exception{Kind: ExceptionKind(code)}
}
