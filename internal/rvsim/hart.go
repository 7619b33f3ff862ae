// Package rvsim is a software RV64 hart implementing enough of the
// hypervisor extension to run small test guests under the hypervisor
// core: VS-mode execution of the RV64I base ISA, stage-2 translation
// through hgatp with a translation cache, trap entry into HS-mode and
// delegation to VS-mode, and a periodic supervisor timer.
//
// Guest first-stage translation is not modeled; vsatp only accepts Bare.
package rvsim

import (
	"fmt"

	hv "github.com/blacktop/go-rvhv"
)

const (
	privU uint8 = 0
	privS uint8 = 1
)

// xlen fields reset to 64-bit, as on any RV64 hart.
const (
	hstatusVSXL64 uint64 = 2 << 32
	sstatusUXL64  uint64 = 2 << 32
)

// Stage2Walker resolves guest-physical addresses through a stage-2 table.
type Stage2Walker interface {
	Walk(root, gpa uint64) ([]byte, hv.MemPerm, error)
}

type tlbEntry struct {
	page  []byte
	perms hv.MemPerm
}

// Hart is a single simulated hart. It implements hv.Hart.
type Hart struct {
	x    [32]uint64
	pc   uint64
	virt bool
	priv uint8

	csr map[hv.CSR]uint64 // HS-level registers
	vs  map[hv.CSR]uint64 // VS shadows, keyed by the supervisor CSR they replace

	walker Stage2Walker
	tlb    map[uint64]tlbEntry

	timerInterval uint64
	sinceTick     uint64

	cycles  uint64
	instret uint64
	fences  int
}

// Option configures a Hart.
type Option func(*Hart)

// WithTimer raises the supervisor timer interrupt every interval guest
// instructions and enables it in sie, the way a host kernel with a running
// tick would leave it.
func WithTimer(interval uint64) Option {
	return func(h *Hart) {
		h.timerInterval = interval
		h.csr[hv.CSRSie] |= hv.IntSTIP
	}
}

// New returns a hart in HS-mode whose stage-2 walks go to walker.
func New(walker Stage2Walker, opts ...Option) *Hart {
	h := &Hart{
		priv:   privS,
		csr:    make(map[hv.CSR]uint64),
		vs:     make(map[hv.CSR]uint64),
		walker: walker,
		tlb:    make(map[uint64]tlbEntry),
	}
	h.csr[hv.CSRHstatus] = hstatusVSXL64
	h.csr[hv.CSRSstatus] = sstatusUXL64
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GPR implements hv.Hart.
func (h *Hart) GPR(r hv.GprIndex) uint64 {
	if !r.Valid() {
		return 0
	}
	return h.x[r]
}

// SetGPR implements hv.Hart.
func (h *Hart) SetGPR(r hv.GprIndex, v uint64) {
	if r == hv.Zero || !r.Valid() {
		return
	}
	h.x[r] = v
}

// ReadCSR implements hv.CSRFile.
func (h *Hart) ReadCSR(c hv.CSR) uint64 {
	return h.csr[c]
}

// WriteCSR implements hv.CSRFile.
func (h *Hart) WriteCSR(c hv.CSR, v uint64) {
	switch c {
	case hv.CSRSepc:
		v &^= 1
	case hv.CSRSip:
		// Only SSIP is software-writable; the rest is driven by hardware.
		v = h.csr[c]&^hv.IntSSIP | v&hv.IntSSIP
	case hv.CSRHgatp:
		mode, _ := hv.DecodeHgatp(v)
		if mode != hv.HgatpModeBare && mode != hv.HgatpModeSv39x4 && mode != hv.HgatpModeSv48x4 {
			return // WARL: unsupported modes leave hgatp unchanged
		}
	}
	h.csr[c] = v
}

// SetCSRBits implements hv.CSRFile.
func (h *Hart) SetCSRBits(c hv.CSR, mask uint64) uint64 {
	old := h.ReadCSR(c)
	h.WriteCSR(c, old|mask)
	return old
}

// ClearCSRBits implements hv.CSRFile.
func (h *Hart) ClearCSRBits(c hv.CSR, mask uint64) uint64 {
	old := h.ReadCSR(c)
	h.WriteCSR(c, old&^mask)
	return old
}

// FenceGVMA implements hv.CSRFile. Every cached guest-physical
// translation is dropped.
func (h *Hart) FenceGVMA() {
	clear(h.tlb)
	h.fences++
}

// PC is the guest program counter at the last exit.
func (h *Hart) PC() uint64 { return h.pc }

// Virtualized reports whether the hart is executing guest code.
func (h *Hart) Virtualized() bool { return h.virt }

// Cycles counts guest instruction slots, including trapping ones.
func (h *Hart) Cycles() uint64 { return h.cycles }

// Instret counts retired guest instructions.
func (h *Hart) Instret() uint64 { return h.instret }

// CachedTranslations is the number of live translation-cache entries.
func (h *Hart) CachedTranslations() int { return len(h.tlb) }

// Fences counts hfence.gvma executions.
func (h *Hart) Fences() int { return h.fences }

// VSCSR reads a guest-visible supervisor CSR as the guest would see it.
func (h *Hart) VSCSR(c hv.CSR) uint64 {
	v, _ := h.readVS(c)
	return v
}

// Sret implements hv.Hart. It drops into the guest and returns once a
// trap is taken to HS-mode.
func (h *Hart) Sret() {
	if h.csr[hv.CSRHstatus]&hv.HstatusSPV == 0 {
		panic("rvsim: sret into a non-virtualized mode is not supported")
	}
	sstatus := h.csr[hv.CSRSstatus]

	h.virt = true
	h.priv = privU
	if sstatus&hv.SstatusSPP != 0 {
		h.priv = privS
	}
	sstatus &^= hv.SstatusSIE | hv.SstatusSPP
	if sstatus&hv.SstatusSPIE != 0 {
		sstatus |= hv.SstatusSIE
	}
	h.csr[hv.CSRSstatus] = sstatus | hv.SstatusSPIE
	h.pc = h.csr[hv.CSRSepc]

	for {
		t := h.step()
		if t == nil {
			continue
		}
		if h.delegated(t) {
			h.enterVS(t)
			continue
		}
		h.enterHS(t)
		return
	}
}

func (h *Hart) step() *trap {
	h.cycles++
	if h.timerInterval > 0 {
		h.sinceTick++
		if h.sinceTick >= h.timerInterval {
			h.sinceTick = 0
			h.csr[hv.CSRSip] |= hv.IntSTIP
		}
	}
	if t := h.pendingInterrupt(); t != nil {
		return t
	}

	insn, t := h.fetch()
	if t != nil {
		return t
	}
	if t := h.execute(insn); t != nil {
		return t
	}
	h.instret++
	return nil
}

// interruptPriority is the order in which simultaneous interrupts are
// taken.
var interruptPriority = []struct {
	bit  uint64
	kind hv.InterruptKind
}{
	{hv.IntSEIP, hv.SupervisorExternal},
	{hv.IntSSIP, hv.SupervisorSoft},
	{hv.IntSTIP, hv.SupervisorTimer},
	{hv.IntSGEIP, hv.SupervisorGuestExt},
	{hv.IntVSEIP, hv.VirtualSupervisorExt},
	{hv.IntVSSIP, hv.VirtualSupervisorSoft},
	{hv.IntVSTIP, hv.VirtualSupervisorTimer},
}

func (h *Hart) pendingInterrupt() *trap {
	hideleg := h.csr[hv.CSRHideleg]
	vsPending := h.csr[hv.CSRHvip] & (hv.IntVSSIP | hv.IntVSTIP | hv.IntVSEIP)

	// HS-level interrupts are always enabled while a guest runs.
	hs := h.csr[hv.CSRSip]&h.csr[hv.CSRSie] | vsPending&h.csr[hv.CSRHie]&^hideleg
	// Delegated VS interrupts are enabled by the guest's own vsie/vsstatus.
	guestEnabled := h.priv == privU || h.vs[hv.CSRSstatus]&hv.SstatusSIE != 0
	vsie := h.vs[hv.CSRSie] << 1
	var vs uint64
	if guestEnabled {
		vs = vsPending & hideleg & vsie
	}

	for _, p := range interruptPriority {
		if hs&p.bit != 0 || vs&p.bit != 0 {
			return interrupt(p.kind)
		}
	}
	return nil
}

func (h *Hart) delegated(t *trap) bool {
	if t.interrupt {
		return h.csr[hv.CSRHideleg]&(1<<t.code) != 0
	}
	return h.csr[hv.CSRHedeleg]&(1<<t.code) != 0
}

// enterHS takes t into HS-mode, recording the guest state in the trap
// registers.
func (h *Hart) enterHS(t *trap) {
	h.csr[hv.CSRSepc] = h.pc
	h.csr[hv.CSRScause] = t.scause()
	h.csr[hv.CSRStval] = t.tval
	h.csr[hv.CSRHtval] = t.gpa >> 2
	h.csr[hv.CSRHtinst] = 0

	hstatus := h.csr[hv.CSRHstatus] | hv.HstatusSPV
	hstatus &^= hv.HstatusSPVP | hv.HstatusGVA
	if h.priv == privS {
		hstatus |= hv.HstatusSPVP
	}
	if t.gva {
		hstatus |= hv.HstatusGVA
	}
	h.csr[hv.CSRHstatus] = hstatus

	sstatus := h.csr[hv.CSRSstatus] &^ (hv.SstatusSPP | hv.SstatusSPIE | hv.SstatusSIE)
	if h.priv == privS {
		sstatus |= hv.SstatusSPP
	}
	if h.csr[hv.CSRSstatus]&hv.SstatusSIE != 0 {
		sstatus |= hv.SstatusSPIE
	}
	h.csr[hv.CSRSstatus] = sstatus

	h.virt = false
	h.priv = privS
}

// enterVS delivers a delegated trap to the guest's own handler.
func (h *Hart) enterVS(t *trap) {
	code := t.code
	if t.interrupt {
		code-- // VS interrupts appear to the guest as their S counterparts
	}
	cause := code
	if t.interrupt {
		cause |= 1 << 63
	}
	h.vs[hv.CSRSepc] = h.pc
	h.vs[hv.CSRScause] = cause
	h.vs[hv.CSRStval] = t.tval

	vsstatus := h.vs[hv.CSRSstatus] &^ (hv.SstatusSPP | hv.SstatusSPIE | hv.SstatusSIE)
	if h.priv == privS {
		vsstatus |= hv.SstatusSPP
	}
	if h.vs[hv.CSRSstatus]&hv.SstatusSIE != 0 {
		vsstatus |= hv.SstatusSPIE
	}
	h.vs[hv.CSRSstatus] = vsstatus
	h.priv = privS

	stvec := h.vs[hv.CSRStvec]
	h.pc = stvec &^ 3
	if stvec&3 == 1 && t.interrupt {
		h.pc += 4 * code
	}
}

func (h *Hart) String() string {
	return fmt.Sprintf("rvsim.Hart{pc=0x%x virt=%v priv=%d}", h.pc, h.virt, h.priv)
}

var _ hv.Hart = (*Hart)(nil)
