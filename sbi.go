package hypervisor

import "fmt"

// SBI extension and function identifiers understood by the core.
const (
	SBIExtSRST          uint64 = 0x5352_5354 // "SRST"
	SBIFuncSystemReset  uint64 = 0
	sbiMaxArgs                 = 6
	sbiExtensionReg            = A7
	sbiFunctionReg             = A6
	sbiFirstArgumentReg        = A0
)

// Reset types and reasons defined by the SRST extension. The core passes
// them through without interpretation.
const (
	ResetTypeShutdown   uint64 = 0
	ResetTypeColdReboot uint64 = 1
	ResetTypeWarmReboot uint64 = 2

	ResetReasonNone          uint64 = 0
	ResetReasonSystemFailure uint64 = 1
)

// CallMessage is a decoded hypervisor call. ResetMessage is the only
// implementation.
type CallMessage interface {
	fmt.Stringer
	isCallMessage()
}

// ResetMessage is an SRST system_reset request. Type and Reason are
// opaque to the codec.
type ResetMessage struct {
	Type   uint64
	Reason uint64
}

func (m ResetMessage) String() string {
	return fmt.Sprintf("Reset(type=0x%x, reason=0x%x)", m.Type, m.Reason)
}

func (ResetMessage) isCallMessage() {}

// callArgs returns the argument registers a0..a5; a6/a7 name the call.
func callArgs(regs *GeneralPurposeRegisters) []uint64 {
	a := regs.ARegs()
	return a[:sbiMaxArgs]
}

// DecodeCall decodes the call the guest placed in regs. Anything other
// than SRST system_reset is a CallDecodeFailure; calls are never forwarded
// to firmware.
func DecodeCall(regs *GeneralPurposeRegisters) (CallMessage, error) {
	ext := regs.Reg(sbiExtensionReg)
	fid := regs.Reg(sbiFunctionReg)
	args := callArgs(regs)

	switch ext {
	case SBIExtSRST:
		if fid != SBIFuncSystemReset {
			return nil, &HVError{Code: CallDecodeFailure, err: fmt.Errorf("SRST function %d not supported", fid)}
		}
		return ResetMessage{Type: args[0], Reason: args[1]}, nil
	default:
		return nil, &HVError{Code: CallDecodeFailure, err: fmt.Errorf("unknown extension 0x%x function %d", ext, fid)}
	}
}

// EncodeCall writes msg into regs using the call convention.
func EncodeCall(msg CallMessage, regs *GeneralPurposeRegisters) error {
	switch m := msg.(type) {
	case ResetMessage:
		regs.SetReg(sbiExtensionReg, SBIExtSRST)
		regs.SetReg(sbiFunctionReg, SBIFuncSystemReset)
		regs.SetReg(sbiFirstArgumentReg, m.Type)
		regs.SetReg(sbiFirstArgumentReg+1, m.Reason)
		return nil
	default:
		return fmt.Errorf("%w: cannot encode %T", ErrCallDecode, msg)
	}
}
