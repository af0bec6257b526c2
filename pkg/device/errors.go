package device

import "errors"

var (
	ErrPoweredOff          = errors.New("not powered")
	ErrNotConnected        = errors.New("not connected")
	ErrHardwareUnreachable = errors.New("hardware unreachable")
	ErrInvalidTarget       = errors.New("invalid target")
	ErrTimeout             = errors.New("timed out")
	ErrNotImplemented      = errors.New("not implemented")
)

// Alpaca error numbers returned in the ErrorNumber field of a response.
const (
	CodeOK               = 0x000
	CodeNotImplemented   = 0x400
	CodeInvalidValue     = 0x401
	CodeNotConnected     = 0x407
	CodeInvalidOperation = 0x40B
	CodeActionNotImpl    = 0x40C
	CodeDriverError      = 0x500
)

// ErrorCode maps err to the Alpaca error number reported to clients.
func ErrorCode(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidTarget):
		return CodeInvalidValue
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrPoweredOff):
		return CodeNotConnected
	case errors.Is(err, ErrTimeout):
		return CodeInvalidOperation
	case errors.Is(err, ErrNotImplemented):
		return CodeActionNotImpl
	default:
		return CodeDriverError
	}
}
