package hypervisor

import "fmt"

// GprIndex names an RV64 integer register by its ABI name.
type GprIndex int

const (
	Zero GprIndex = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0 // frame pointer
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6

	NumGPRs = 32
)

var gprNames = [NumGPRs]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func (r GprIndex) String() string {
	if r.Valid() {
		return gprNames[r]
	}
	return fmt.Sprintf("x?(%d)", int(r))
}

// Valid reports whether r names one of x0..x31.
func (r GprIndex) Valid() bool { return r >= Zero && r < NumGPRs }

// GeneralPurposeRegisters is the integer register file snapshot, indexed
// by architectural register number.
type GeneralPurposeRegisters [NumGPRs]uint64

// Reg returns the value of r. Out-of-range indices read as zero.
func (g *GeneralPurposeRegisters) Reg(r GprIndex) uint64 {
	if !r.Valid() {
		return 0
	}
	return g[r]
}

// SetReg writes r. Writes to x0 are discarded like on hardware.
func (g *GeneralPurposeRegisters) SetReg(r GprIndex, v uint64) {
	if r == Zero || !r.Valid() {
		return
	}
	g[r] = v
}

// ARegs returns the argument registers a0..a7.
func (g *GeneralPurposeRegisters) ARegs() [8]uint64 {
	var a [8]uint64
	copy(a[:], g[A0:A7+1])
	return a
}

// RegBatch is a set of register writes or reads keyed by register.
type RegBatch map[GprIndex]uint64

// GetRegs collects the named registers into a batch.
func (g *GeneralPurposeRegisters) GetRegs(regs []GprIndex) (RegBatch, error) {
	batch := make(RegBatch, len(regs))
	for _, r := range regs {
		if !r.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidRegister, int(r))
		}
		batch[r] = g[r]
	}
	return batch, nil
}

// SetRegs applies every write in batch, rejecting the whole batch if any
// register is out of range.
func (g *GeneralPurposeRegisters) SetRegs(batch RegBatch) error {
	for r := range batch {
		if !r.Valid() {
			return fmt.Errorf("%w: %d", ErrInvalidRegister, int(r))
		}
	}
	for r, v := range batch {
		g.SetReg(r, v)
	}
	return nil
}
