package hypervisor

// GuestEntry is the guest-physical load address of the guest kernel.
const GuestEntry uint64 = 0x8020_0000

// HostCPUState is the host half of a world switch. It only holds
// meaningful values while the guest is running.
type HostCPUState struct {
	GPRs       GeneralPurposeRegisters
	Sstatus    uint64
	Hstatus    uint64
	Scounteren uint64
	Stvec      uint64
	Sscratch   uint64
}

// GuestCPUState is the guest register and control state kept across
// exits.
type GuestCPUState struct {
	GPRs       GeneralPurposeRegisters
	Sstatus    uint64
	Hstatus    uint64
	Scounteren uint64
	// Sepc is where the guest resumes on the next entry.
	Sepc uint64
}

// GuestContext is the state shared across the host/guest boundary for a
// single vCPU.
type GuestContext struct {
	Host  HostCPUState
	Guest GuestCPUState
}

// NewGuestContext builds the initial context for a guest starting at
// entry: sret returns to VS-mode (SPV), host-side guest memory accesses
// run as supervisor (SPVP), and the guest itself resumes in supervisor
// mode (SPP).
func NewGuestContext(entry uint64) *GuestContext {
	ctx := &GuestContext{}
	ctx.Guest.Hstatus = HstatusSPV | HstatusSPVP
	ctx.Guest.Sstatus = SstatusSPP
	ctx.Guest.Sepc = entry
	return ctx
}

// InheritHostStatus folds the hart's live hstatus and sstatus into the
// guest copies, keeping implementation fields such as VSXL and UXL, and
// re-applies the three entry flags. The merged hstatus is also written
// back to the hart.
func (ctx *GuestContext) InheritHostStatus(csrs CSRFile) {
	hstatus := csrs.ReadCSR(CSRHstatus) | HstatusSPV | HstatusSPVP
	csrs.WriteCSR(CSRHstatus, hstatus)
	ctx.Guest.Hstatus = hstatus

	ctx.Guest.Sstatus = csrs.ReadCSR(CSRSstatus) | SstatusSPP
}

// AdvancePC moves the resume point past the trapping instruction.
func (ctx *GuestContext) AdvancePC() {
	ctx.Guest.Sepc += InstructionWidth
}

// InstructionWidth is the size of an uncompressed instruction.
const InstructionWidth = 4
