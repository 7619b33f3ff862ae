package rvsim

import (
	hv "github.com/blacktop/go-rvhv"
)

// trap is a pending exception or interrupt raised by the instruction at pc.
type trap struct {
	interrupt bool
	code      uint64
	tval      uint64
	gpa       uint64 // faulting guest-physical address, guest page faults only
	gva       bool   // tval holds a guest virtual address
}

func (t *trap) scause() uint64 {
	if t.interrupt {
		return 1<<63 | t.code
	}
	return t.code
}

func exception(k hv.ExceptionKind, tval uint64) *trap {
	return &trap{code: uint64(k), tval: tval}
}

func interrupt(k hv.InterruptKind) *trap {
	return &trap{interrupt: true, code: uint64(k)}
}

func illegal(insn uint32) *trap {
	return exception(hv.IllegalInstruction, uint64(insn))
}

func virtualInsn(insn uint32) *trap {
	return exception(hv.VirtualInstruction, uint64(insn))
}

func guestPageFault(access hv.MemPerm, addr uint64) *trap {
	k := hv.LoadGuestPageFault
	switch access {
	case hv.MemExec:
		k = hv.InstructionGuestPageFault
	case hv.MemWrite:
		k = hv.StoreGuestPageFault
	}
	// vsatp is Bare, so the guest virtual and physical addresses agree.
	return &trap{code: uint64(k), tval: addr, gpa: addr, gva: true}
}

// translate returns the host page backing guest address addr, walking the
// stage-2 table on a cache miss.
func (h *Hart) translate(addr uint64, access hv.MemPerm) ([]byte, *trap) {
	pn := addr / hv.GuestPageSize
	e, ok := h.tlb[pn]
	if !ok {
		mode, root := hv.DecodeHgatp(h.csr[hv.CSRHgatp])
		if h.walker == nil || (mode != hv.HgatpModeSv39x4 && mode != hv.HgatpModeSv48x4) {
			return nil, guestPageFault(access, addr)
		}
		page, perms, err := h.walker.Walk(root, pn*hv.GuestPageSize)
		if err != nil || len(page) < hv.GuestPageSize {
			return nil, guestPageFault(access, addr)
		}
		e = tlbEntry{page: page, perms: perms}
		h.tlb[pn] = e
	}
	if e.perms&access == 0 {
		return nil, guestPageFault(access, addr)
	}
	return e.page, nil
}

func (h *Hart) load(addr uint64, size int, access hv.MemPerm) (uint64, *trap) {
	var v uint64
	for i := 0; i < size; i++ {
		a := addr + uint64(i)
		page, t := h.translate(a, access)
		if t != nil {
			return 0, t
		}
		v |= uint64(page[a%hv.GuestPageSize]) << (8 * i)
	}
	return v, nil
}

// store writes nothing unless every byte of the access translates.
func (h *Hart) store(addr uint64, size int, v uint64) *trap {
	var pages [8][]byte
	for i := 0; i < size; i++ {
		page, t := h.translate(addr+uint64(i), hv.MemWrite)
		if t != nil {
			return t
		}
		pages[i] = page
	}
	for i := 0; i < size; i++ {
		pages[i][(addr+uint64(i))%hv.GuestPageSize] = byte(v >> (8 * i))
	}
	return nil
}

func (h *Hart) fetch() (uint32, *trap) {
	if h.pc&3 != 0 {
		return 0, exception(hv.InstructionMisaligned, h.pc)
	}
	v, t := h.load(h.pc, 4, hv.MemExec)
	if t != nil {
		return 0, t
	}
	insn := uint32(v)
	if insn&3 != 3 {
		// No C extension.
		return 0, illegal(insn & 0xffff)
	}
	return insn, nil
}

func (h *Hart) setX(r uint32, v uint64) {
	if r != 0 {
		h.x[r] = v
	}
}

// execute runs one instruction and advances pc. On a trap pc is left at
// the faulting instruction.
func (h *Hart) execute(insn uint32) *trap {
	next := h.pc + 4
	x := &h.x

	switch opcode(insn) {
	case opLui:
		h.setX(rd(insn), uint64(immU(insn)))

	case opAuipc:
		h.setX(rd(insn), h.pc+uint64(immU(insn)))

	case opJal:
		target := h.pc + uint64(immJ(insn))
		if target&3 != 0 {
			return exception(hv.InstructionMisaligned, target)
		}
		h.setX(rd(insn), next)
		next = target

	case opJalr:
		if funct3(insn) != 0 {
			return illegal(insn)
		}
		target := (x[rs1(insn)] + uint64(immI(insn))) &^ 1
		if target&3 != 0 {
			return exception(hv.InstructionMisaligned, target)
		}
		h.setX(rd(insn), next)
		next = target

	case opBranch:
		a, b := x[rs1(insn)], x[rs2(insn)]
		var taken bool
		switch funct3(insn) {
		case 0:
			taken = a == b
		case 1:
			taken = a != b
		case 4:
			taken = int64(a) < int64(b)
		case 5:
			taken = int64(a) >= int64(b)
		case 6:
			taken = a < b
		case 7:
			taken = a >= b
		default:
			return illegal(insn)
		}
		if taken {
			target := h.pc + uint64(immB(insn))
			if target&3 != 0 {
				return exception(hv.InstructionMisaligned, target)
			}
			next = target
		}

	case opLoad:
		addr := x[rs1(insn)] + uint64(immI(insn))
		var size int
		var signed bool
		switch funct3(insn) {
		case 0:
			size, signed = 1, true
		case 1:
			size, signed = 2, true
		case 2:
			size, signed = 4, true
		case 3:
			size = 8
		case 4:
			size = 1
		case 5:
			size = 2
		case 6:
			size = 4
		default:
			return illegal(insn)
		}
		v, t := h.load(addr, size, hv.MemRead)
		if t != nil {
			return t
		}
		if signed {
			v = uint64(signExtend(v, size*8))
		}
		h.setX(rd(insn), v)

	case opStore:
		addr := x[rs1(insn)] + uint64(immS(insn))
		f3 := funct3(insn)
		if f3 > 3 {
			return illegal(insn)
		}
		if t := h.store(addr, 1<<f3, x[rs2(insn)]); t != nil {
			return t
		}

	case opOpImm:
		a, imm := x[rs1(insn)], uint64(immI(insn))
		var v uint64
		switch funct3(insn) {
		case 0:
			v = a + imm
		case 1:
			if insn>>26 != 0 {
				return illegal(insn)
			}
			v = a << shamt(insn)
		case 2:
			v = b2u(int64(a) < int64(imm))
		case 3:
			v = b2u(a < imm)
		case 4:
			v = a ^ imm
		case 5:
			switch insn >> 26 {
			case 0x00:
				v = a >> shamt(insn)
			case 0x10:
				v = uint64(int64(a) >> shamt(insn))
			default:
				return illegal(insn)
			}
		case 6:
			v = a | imm
		case 7:
			v = a & imm
		}
		h.setX(rd(insn), v)

	case opOpImm32:
		a := uint32(x[rs1(insn)])
		var v int32
		switch funct3(insn) {
		case 0:
			v = int32(a) + int32(immI(insn))
		case 1:
			if funct7(insn) != 0 {
				return illegal(insn)
			}
			v = int32(a << shamt32(insn))
		case 5:
			switch funct7(insn) {
			case 0x00:
				v = int32(a >> shamt32(insn))
			case 0x20:
				v = int32(a) >> shamt32(insn)
			default:
				return illegal(insn)
			}
		default:
			return illegal(insn)
		}
		h.setX(rd(insn), uint64(int64(v)))

	case opOp:
		a, b := x[rs1(insn)], x[rs2(insn)]
		var v uint64
		switch f7, f3 := funct7(insn), funct3(insn); {
		case f7 == 0x00 && f3 == 0:
			v = a + b
		case f7 == 0x20 && f3 == 0:
			v = a - b
		case f7 == 0x00 && f3 == 1:
			v = a << (b & 63)
		case f7 == 0x00 && f3 == 2:
			v = b2u(int64(a) < int64(b))
		case f7 == 0x00 && f3 == 3:
			v = b2u(a < b)
		case f7 == 0x00 && f3 == 4:
			v = a ^ b
		case f7 == 0x00 && f3 == 5:
			v = a >> (b & 63)
		case f7 == 0x20 && f3 == 5:
			v = uint64(int64(a) >> (b & 63))
		case f7 == 0x00 && f3 == 6:
			v = a | b
		case f7 == 0x00 && f3 == 7:
			v = a & b
		default:
			return illegal(insn)
		}
		h.setX(rd(insn), v)

	case opOp32:
		a, b := uint32(x[rs1(insn)]), uint32(x[rs2(insn)])
		var v int32
		switch f7, f3 := funct7(insn), funct3(insn); {
		case f7 == 0x00 && f3 == 0:
			v = int32(a + b)
		case f7 == 0x20 && f3 == 0:
			v = int32(a - b)
		case f7 == 0x00 && f3 == 1:
			v = int32(a << (b & 31))
		case f7 == 0x00 && f3 == 5:
			v = int32(a >> (b & 31))
		case f7 == 0x20 && f3 == 5:
			v = int32(a) >> (b & 31)
		default:
			return illegal(insn)
		}
		h.setX(rd(insn), uint64(int64(v)))

	case opMiscMem:
		// fence and fence.i: a single in-order hart has nothing to order.

	case opSystem:
		n, t := h.system(insn, next)
		if t != nil {
			return t
		}
		next = n

	default:
		return illegal(insn)
	}

	h.pc = next
	return nil
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

const (
	funct7SfenceVma  = 0x09
	funct7HfenceVvma = 0x11
	funct7HfenceGvma = 0x31
)

func (h *Hart) system(insn uint32, next uint64) (uint64, *trap) {
	if funct3(insn) == 4 {
		return 0, illegal(insn)
	}
	if funct3(insn) != 0 {
		return next, h.csrOp(insn)
	}

	switch insn {
	case insnEcall:
		if h.priv == privS {
			return 0, exception(hv.VirtualSupervisorEnvCall, 0)
		}
		return 0, exception(hv.UserEnvCall, 0)
	case insnEbreak:
		return 0, exception(hv.Breakpoint, h.pc)
	case insnWfi:
		if h.priv == privU {
			return 0, virtualInsn(insn)
		}
		return next, nil
	case insnSret:
		if h.priv == privU {
			return 0, virtualInsn(insn)
		}
		return h.vsSret(), nil
	}

	if rd(insn) != 0 {
		return 0, illegal(insn)
	}
	switch funct7(insn) {
	case funct7SfenceVma:
		if h.priv == privU {
			return 0, virtualInsn(insn)
		}
		return next, nil
	case funct7HfenceVvma, funct7HfenceGvma:
		return 0, virtualInsn(insn)
	}
	return 0, illegal(insn)
}

// vsSret returns from the guest's own trap handler.
func (h *Hart) vsSret() uint64 {
	vsstatus := h.vs[hv.CSRSstatus]
	h.priv = privU
	if vsstatus&hv.SstatusSPP != 0 {
		h.priv = privS
	}
	vsstatus &^= hv.SstatusSIE | hv.SstatusSPP
	if vsstatus&hv.SstatusSPIE != 0 {
		vsstatus |= hv.SstatusSIE
	}
	h.vs[hv.CSRSstatus] = vsstatus | hv.SstatusSPIE
	return h.vs[hv.CSRSepc]
}

// Unprivileged counters.
const (
	csrCycle   hv.CSR = 0xc00
	csrTime    hv.CSR = 0xc01
	csrInstret hv.CSR = 0xc02
)

// csrOp executes a Zicsr instruction from VS- or VU-mode.
func (h *Hart) csrOp(insn uint32) *trap {
	num := hv.CSR(csrNum(insn))
	f3 := funct3(insn)

	operand := h.x[rs1(insn)]
	if f3 >= 5 {
		operand = uint64(rs1(insn))
	}
	write := f3&3 == 1 || rs1(insn) != 0
	if write && num>>10 == 3 {
		return illegal(insn)
	}

	switch (num >> 8) & 3 {
	case 3:
		return illegal(insn)
	case 2:
		return virtualInsn(insn)
	case 1:
		if h.priv == privU {
			return virtualInsn(insn)
		}
	}

	old, ok := h.readVS(num)
	if !ok {
		return illegal(insn)
	}
	if write {
		v := operand
		switch f3 & 3 {
		case 2:
			v = old | operand
		case 3:
			v = old &^ operand
		}
		h.writeVS(num, v)
	}
	h.setX(rd(insn), old)
	return nil
}

func (h *Hart) readVS(c hv.CSR) (uint64, bool) {
	switch c {
	case hv.CSRSip:
		return (h.csr[hv.CSRHvip] & h.csr[hv.CSRHideleg]) >> 1, true
	case hv.CSRSstatus, hv.CSRSie, hv.CSRStvec, hv.CSRScounteren, hv.CSRSscratch,
		hv.CSRSepc, hv.CSRScause, hv.CSRStval, hv.CSRSatp:
		return h.vs[c], true
	case csrCycle, csrTime:
		return h.cycles, true
	case csrInstret:
		return h.instret, true
	}
	return 0, false
}

func (h *Hart) writeVS(c hv.CSR, v uint64) {
	switch c {
	case hv.CSRSip:
		return
	case hv.CSRSatp:
		if v>>60 != 0 {
			return // only Bare is implemented
		}
	case hv.CSRSepc:
		v &^= 1
	}
	h.vs[c] = v
}
