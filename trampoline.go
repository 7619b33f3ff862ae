package hypervisor

import "time"

// Hart is one hardware execution context with the H extension.
//
// Sret performs the privilege switch: it returns to the mode selected by
// hstatus.SPV and sstatus.SPP at sepc and comes back once the guest traps
// to HS-mode, with sepc, scause, stval and htval already deposited by the
// hardware. It never fails; a misconfigured guest shows up as a trap.
type Hart interface {
	CSRFile
	GPR(r GprIndex) uint64
	SetGPR(r GprIndex, v uint64)
	Sret()
}

type csrSlot struct {
	csr CSR
	reg func(*GuestContext) *uint64
}

// Host CSRs that the guest overwrites and that are put back on exit.
var hostCSRSlots = []csrSlot{
	{CSRHstatus, func(c *GuestContext) *uint64 { return &c.Host.Hstatus }},
	{CSRSstatus, func(c *GuestContext) *uint64 { return &c.Host.Sstatus }},
	{CSRScounteren, func(c *GuestContext) *uint64 { return &c.Host.Scounteren }},
	{CSRStvec, func(c *GuestContext) *uint64 { return &c.Host.Stvec }},
	{CSRSscratch, func(c *GuestContext) *uint64 { return &c.Host.Sscratch }},
}

// Guest CSRs loaded before sret and read back after the trap. sepc comes
// back holding the hardware's resume address.
var guestCSRSlots = []csrSlot{
	{CSRHstatus, func(c *GuestContext) *uint64 { return &c.Guest.Hstatus }},
	{CSRSstatus, func(c *GuestContext) *uint64 { return &c.Guest.Sstatus }},
	{CSRScounteren, func(c *GuestContext) *uint64 { return &c.Guest.Scounteren }},
	{CSRSepc, func(c *GuestContext) *uint64 { return &c.Guest.Sepc }},
}

// switchedGPRs lists every register exchanged on a world switch. x0 is
// hardwired and skipped.
var switchedGPRs = func() []GprIndex {
	regs := make([]GprIndex, 0, NumGPRs-1)
	for r := RA; r < NumGPRs; r++ {
		regs = append(regs, r)
	}
	return regs
}()

// Trampoline is the only path across the host/guest boundary.
type Trampoline struct {
	hart Hart
}

// NewTrampoline binds a trampoline to hart.
func NewTrampoline(hart Hart) *Trampoline {
	return &Trampoline{hart: hart}
}

// EnterGuest runs the guest described by ctx until its next trap.
//
// Host registers are saved, guest state is installed, sret transfers
// control, and on return the guest state is captured back into ctx before
// the host state is restored. The sequence runs straight through; the
// caller must not touch the hart while it is in progress.
func (t *Trampoline) EnterGuest(ctx *GuestContext) {
	h := t.hart
	start := time.Now()

	for _, r := range switchedGPRs {
		ctx.Host.GPRs[r] = h.GPR(r)
	}
	for _, s := range hostCSRSlots {
		*s.reg(ctx) = h.ReadCSR(s.csr)
	}
	for _, s := range guestCSRSlots {
		h.WriteCSR(s.csr, *s.reg(ctx))
	}
	for _, r := range switchedGPRs {
		h.SetGPR(r, ctx.Guest.GPRs[r])
	}

	h.Sret()

	for _, r := range switchedGPRs {
		ctx.Guest.GPRs[r] = h.GPR(r)
	}
	for _, s := range guestCSRSlots {
		*s.reg(ctx) = h.ReadCSR(s.csr)
	}
	for _, s := range hostCSRSlots {
		h.WriteCSR(s.csr, *s.reg(ctx))
	}
	for _, r := range switchedGPRs {
		h.SetGPR(r, ctx.Host.GPRs[r])
	}

	recordGuestEntry(time.Since(start))
}
