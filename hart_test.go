package hypervisor

// fakeHart is a register file with no instruction execution. Sret runs
// onSret, which stands in for the guest.
type fakeHart struct {
	csr    map[CSR]uint64
	gpr    GeneralPurposeRegisters
	fences int
	srets  int
	onSret func(h *fakeHart)
}

func newFakeHart() *fakeHart {
	return &fakeHart{csr: make(map[CSR]uint64)}
}

func (h *fakeHart) ReadCSR(c CSR) uint64     { return h.csr[c] }
func (h *fakeHart) WriteCSR(c CSR, v uint64) { h.csr[c] = v }
func (h *fakeHart) FenceGVMA()               { h.fences++ }

func (h *fakeHart) SetCSRBits(c CSR, mask uint64) uint64 {
	old := h.csr[c]
	h.csr[c] = old | mask
	return old
}

func (h *fakeHart) ClearCSRBits(c CSR, mask uint64) uint64 {
	old := h.csr[c]
	h.csr[c] = old &^ mask
	return old
}

func (h *fakeHart) GPR(r GprIndex) uint64       { return h.gpr.Reg(r) }
func (h *fakeHart) SetGPR(r GprIndex, v uint64) { h.gpr.SetReg(r, v) }

func (h *fakeHart) Sret() {
	h.srets++
	if h.onSret != nil {
		h.onSret(h)
	}
}

var _ Hart = (*fakeHart)(nil)
