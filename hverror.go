package hypervisor

import (
	"fmt"
	"os"
	"strconv"
)

// ErrorCode classifies hypervisor failures.
type ErrorCode uint32

const (
	// Every code up to and including UnemulatedIllegalInstruction is fatal
	// to the VM run: the control loop stops and reports it.
	ImageLoadFailure ErrorCode = iota + 1
	CallDecodeFailure
	UnhandledTrapCause
	UnemulatedIllegalInstruction

	BadArgument
	Busy
	Closed
)

func (c ErrorCode) String() string {
	switch c {
	case ImageLoadFailure:
		return "ImageLoadFailure"
	case CallDecodeFailure:
		return "CallDecodeFailure"
	case UnhandledTrapCause:
		return "UnhandledTrapCause"
	case UnemulatedIllegalInstruction:
		return "UnemulatedIllegalInstruction"
	case BadArgument:
		return "BadArgument"
	case Busy:
		return "Busy"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(c))
	}
}

// Fatal reports whether c aborts the VM run.
func (c ErrorCode) Fatal() bool {
	return c >= ImageLoadFailure && c <= UnemulatedIllegalInstruction
}

// HVError is a hypervisor failure together with the trap context that
// caused it, when there is one.
type HVError struct {
	Code  ErrorCode
	Cause TrapCause // nil for errors raised outside the exit path
	Sepc  uint64
	Tval  uint64

	message string // overrides the generated text
	err     error
}

func (e *HVError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

func (e *HVError) Unwrap() error { return e.err }

// Is matches another *HVError with the same code, so sentinel errors work
// with errors.Is even after the trap context was attached.
func (e *HVError) Is(target error) bool {
	t, ok := target.(*HVError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.message == "" || t.message == e.message)
}

// detailedError provides full error context for development
func (e *HVError) detailedError() string {
	var s string
	switch e.Code {
	case ImageLoadFailure:
		s = "hv: guest image load failed"
	case CallDecodeFailure:
		s = fmt.Sprintf("hv: bad hypervisor call: sepc=0x%x", e.Sepc)
	case UnhandledTrapCause:
		s = fmt.Sprintf("hv: unhandled trap %v: sepc=0x%x stval=0x%x", e.Cause, e.Sepc, e.Tval)
	case UnemulatedIllegalInstruction:
		s = fmt.Sprintf("hv: bad instruction 0x%08x: sepc=0x%x", uint32(e.Tval), e.Sepc)
	case BadArgument:
		s = "hv: invalid argument"
	case Busy:
		s = "hv: resource busy"
	case Closed:
		s = "hv: resource closed"
	default:
		s = fmt.Sprintf("hv: unknown error code %d", uint32(e.Code))
	}
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

// sanitizedError provides minimal error information for production
func (e *HVError) sanitizedError() string {
	switch e.Code {
	case ImageLoadFailure:
		return "hv: guest image load failed"
	case CallDecodeFailure:
		return "hv: bad hypervisor call"
	case UnhandledTrapCause:
		return "hv: unhandled trap"
	case UnemulatedIllegalInstruction:
		return "hv: bad instruction"
	case BadArgument:
		return "hv: invalid argument"
	case Busy:
		return "hv: resource busy"
	case Closed:
		return "hv: resource closed"
	default:
		return "hv: hypervisor error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("HV_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("HV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

func trapErr(code ErrorCode, cause TrapCause, sepc, tval uint64, err error) *HVError {
	return &HVError{Code: code, Cause: cause, Sepc: sepc, Tval: tval, err: err}
}

// Common specific errors for API consumers
var (
	ErrVMClosed            = &HVError{Code: Closed, message: "hv: VM is closed"}
	ErrVMAlreadyActive     = &HVError{Code: Busy, message: "hv: VM already active in this process"}
	ErrInvalidAlignment    = &HVError{Code: BadArgument, message: "hv: address not page-aligned"}
	ErrInvalidRegister     = &HVError{Code: BadArgument, message: "hv: invalid register"}
	ErrMemoryNotMapped     = &HVError{Code: BadArgument, message: "hv: memory not mapped"}
	ErrStage2AlreadyActive = &HVError{Code: Busy, message: "hv: stage-2 translation already active"}

	// Code-only sentinels; match any error of that class via errors.Is.
	ErrImageLoad             = &HVError{Code: ImageLoadFailure}
	ErrCallDecode            = &HVError{Code: CallDecodeFailure}
	ErrUnhandledTrap         = &HVError{Code: UnhandledTrapCause}
	ErrUnemulatedInstruction = &HVError{Code: UnemulatedIllegalInstruction}
)
