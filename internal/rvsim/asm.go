package rvsim

import (
	"encoding/binary"
	"fmt"

	hv "github.com/blacktop/go-rvhv"
)

// Program assembles a flat little-endian RV64I guest image.
//
//	p := rvsim.NewProgram().
//		Csrr(hv.A1, 0xf14).
//		Li(hv.A7, 0x53525354).
//		Ecall()
type Program struct {
	words []uint32
}

func NewProgram() *Program { return &Program{} }

// Here is the byte offset of the next instruction.
func (p *Program) Here() int64 { return int64(len(p.words)) * 4 }

// Bytes returns the encoded image.
func (p *Program) Bytes() []byte {
	out := make([]byte, 0, len(p.words)*4)
	for _, w := range p.words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

// Word appends a raw 32-bit instruction word.
func (p *Program) Word(w uint32) *Program {
	p.words = append(p.words, w)
	return p
}

func reg(r hv.GprIndex) uint32 {
	if !r.Valid() {
		panic(fmt.Sprintf("rvsim: invalid register %d", r))
	}
	return uint32(r)
}

func encR(f7, rs2, rs1, f3, rd, op uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encI(imm int64, rs1, f3, rd, op uint32) uint32 {
	return uint32(imm&0xfff)<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encS(imm int64, rs2, rs1, f3, op uint32) uint32 {
	i := uint32(imm & 0xfff)
	return (i>>5)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (i&0x1f)<<7 | op
}

func encB(off int64, rs2, rs1, f3 uint32) uint32 {
	i := uint32(off & 0x1fff)
	return (i>>12&1)<<31 | (i>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | f3<<12 |
		(i>>1&0xf)<<8 | (i>>11&1)<<7 | opBranch
}

func encJ(off int64, rd uint32) uint32 {
	i := uint32(off & 0x1fffff)
	return (i>>20&1)<<31 | (i>>1&0x3ff)<<21 | (i>>11&1)<<20 | (i>>12&0xff)<<12 | rd<<7 | opJal
}

func fitsSigned(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}

func checkImm(name string, v int64, bits uint) {
	if !fitsSigned(v, bits) {
		panic(fmt.Sprintf("rvsim: %s immediate %d does not fit in %d bits", name, v, bits))
	}
}

func (p *Program) Addi(rd, rs1 hv.GprIndex, imm int64) *Program {
	checkImm("addi", imm, 12)
	return p.Word(encI(imm, reg(rs1), 0, reg(rd), opOpImm))
}

func (p *Program) Addiw(rd, rs1 hv.GprIndex, imm int64) *Program {
	checkImm("addiw", imm, 12)
	return p.Word(encI(imm, reg(rs1), 0, reg(rd), opOpImm32))
}

func (p *Program) Add(rd, rs1, rs2 hv.GprIndex) *Program {
	return p.Word(encR(0, reg(rs2), reg(rs1), 0, reg(rd), opOp))
}

// Lui loads imm<<12, sign-extended from bit 31.
func (p *Program) Lui(rd hv.GprIndex, imm int64) *Program {
	return p.Word(uint32(imm&0xfffff)<<12 | reg(rd)<<7 | opLui)
}

// Li loads a constant in the signed 32-bit range.
func (p *Program) Li(rd hv.GprIndex, imm int64) *Program {
	if fitsSigned(imm, 12) {
		return p.Addi(rd, hv.Zero, imm)
	}
	checkImm("li", imm, 32)
	hi := (imm + 0x800) >> 12
	lo := imm - hi<<12
	p.Lui(rd, hi)
	if lo != 0 {
		p.Addiw(rd, rd, lo)
	}
	return p
}

func (p *Program) Ld(rd, rs1 hv.GprIndex, off int64) *Program {
	checkImm("ld", off, 12)
	return p.Word(encI(off, reg(rs1), 3, reg(rd), opLoad))
}

func (p *Program) Lw(rd, rs1 hv.GprIndex, off int64) *Program {
	checkImm("lw", off, 12)
	return p.Word(encI(off, reg(rs1), 2, reg(rd), opLoad))
}

func (p *Program) Sd(rs2, rs1 hv.GprIndex, off int64) *Program {
	checkImm("sd", off, 12)
	return p.Word(encS(off, reg(rs2), reg(rs1), 3, opStore))
}

func (p *Program) Sw(rs2, rs1 hv.GprIndex, off int64) *Program {
	checkImm("sw", off, 12)
	return p.Word(encS(off, reg(rs2), reg(rs1), 2, opStore))
}

// Beq branches off bytes relative to this instruction.
func (p *Program) Beq(rs1, rs2 hv.GprIndex, off int64) *Program {
	checkImm("beq", off, 13)
	return p.Word(encB(off, reg(rs2), reg(rs1), 0))
}

func (p *Program) Bne(rs1, rs2 hv.GprIndex, off int64) *Program {
	checkImm("bne", off, 13)
	return p.Word(encB(off, reg(rs2), reg(rs1), 1))
}

func (p *Program) Jal(rd hv.GprIndex, off int64) *Program {
	checkImm("jal", off, 21)
	return p.Word(encJ(off, reg(rd)))
}

// J is jal zero, off.
func (p *Program) J(off int64) *Program { return p.Jal(hv.Zero, off) }

// Csrr is csrrs rd, csr, zero.
func (p *Program) Csrr(rd hv.GprIndex, csr hv.CSR) *Program {
	return p.Word(encI(int64(csr), 0, 2, reg(rd), opSystem))
}

// Csrw is csrrw zero, csr, rs.
func (p *Program) Csrw(csr hv.CSR, rs hv.GprIndex) *Program {
	return p.Word(encI(int64(csr), reg(rs), 1, 0, opSystem))
}

func (p *Program) Ecall() *Program  { return p.Word(insnEcall) }
func (p *Program) Ebreak() *Program { return p.Word(insnEbreak) }
func (p *Program) Wfi() *Program    { return p.Word(insnWfi) }
func (p *Program) Sret() *Program   { return p.Word(insnSret) }
