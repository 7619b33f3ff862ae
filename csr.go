package hypervisor

import "fmt"

// CSR is a RISC-V control/status register number.
type CSR uint16

// Supervisor and hypervisor CSRs touched by the core.
const (
	CSRSstatus    CSR = 0x100
	CSRSie        CSR = 0x104
	CSRStvec      CSR = 0x105
	CSRScounteren CSR = 0x106
	CSRSscratch   CSR = 0x140
	CSRSepc       CSR = 0x141
	CSRScause     CSR = 0x142
	CSRStval      CSR = 0x143
	CSRSip        CSR = 0x144
	CSRSatp       CSR = 0x180

	CSRHstatus    CSR = 0x600
	CSRHedeleg    CSR = 0x602
	CSRHideleg    CSR = 0x603
	CSRHie        CSR = 0x604
	CSRHcounteren CSR = 0x606
	CSRHtval      CSR = 0x643
	CSRHip        CSR = 0x644
	CSRHvip       CSR = 0x645
	CSRHtinst     CSR = 0x64a
	CSRHgatp      CSR = 0x680
)

var csrNames = map[CSR]string{
	CSRSstatus:    "sstatus",
	CSRSie:        "sie",
	CSRStvec:      "stvec",
	CSRScounteren: "scounteren",
	CSRSscratch:   "sscratch",
	CSRSepc:       "sepc",
	CSRScause:     "scause",
	CSRStval:      "stval",
	CSRSip:        "sip",
	CSRSatp:       "satp",
	CSRHstatus:    "hstatus",
	CSRHedeleg:    "hedeleg",
	CSRHideleg:    "hideleg",
	CSRHie:        "hie",
	CSRHcounteren: "hcounteren",
	CSRHtval:      "htval",
	CSRHip:        "hip",
	CSRHvip:       "hvip",
	CSRHtinst:     "htinst",
	CSRHgatp:      "hgatp",
}

func (c CSR) String() string {
	if name, ok := csrNames[c]; ok {
		return name
	}
	return fmt.Sprintf("csr(0x%03x)", uint16(c))
}

// sstatus bits
const (
	SstatusSIE  uint64 = 1 << 1
	SstatusSPIE uint64 = 1 << 5
	SstatusSPP  uint64 = 1 << 8 // previous privilege: 1 = supervisor
)

// hstatus bits
const (
	HstatusGVA  uint64 = 1 << 6
	HstatusSPV  uint64 = 1 << 7 // sret returns to a virtualized mode
	HstatusSPVP uint64 = 1 << 8 // HLV/HSV access guest memory as supervisor
)

// Interrupt-pending / interrupt-enable bits shared by sip/sie/hvip/hip.
const (
	IntSSIP  uint64 = 1 << 1
	IntVSSIP uint64 = 1 << 2
	IntSTIP  uint64 = 1 << 5
	IntVSTIP uint64 = 1 << 6
	IntSEIP  uint64 = 1 << 9
	IntVSEIP uint64 = 1 << 10
	IntSGEIP uint64 = 1 << 12

	// VSInterrupts is every VS-level interrupt; NewVM delegates them all.
	VSInterrupts = IntVSSIP | IntVSTIP | IntVSEIP
)

// hgatp fields
const (
	HgatpModeShift         = 60
	HgatpModeBare   uint64 = 0
	HgatpModeSv39x4 uint64 = 8
	HgatpModeSv48x4 uint64 = 9
	HgatpPPNMask    uint64 = (1 << 44) - 1
)

// CSRFile is the capability to touch the hart's control/status registers.
//
// Exactly one holder exists per hart. It is passed explicitly to every
// component that reads or writes CSR state so that ownership stays visible
// and a software register file can stand in for the hardware in tests.
type CSRFile interface {
	ReadCSR(c CSR) uint64
	WriteCSR(c CSR, v uint64)
	// SetCSRBits is csrrs: it sets mask and returns the previous value.
	SetCSRBits(c CSR, mask uint64) uint64
	// ClearCSRBits is csrrc: it clears mask and returns the previous value.
	ClearCSRBits(c CSR, mask uint64) uint64
	// FenceGVMA is hfence.gvma zero, zero.
	FenceGVMA()
}
