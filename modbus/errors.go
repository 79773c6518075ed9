package modbus

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind enumerates the error space used throughout this package: the Modbus
// protocol exceptions defined by the Modbus Application Protocol, plus the
// native errors this implementation raises for transport and programming
// failures. The ranges are significant: IsModbusException relies on the
// ordering below, so new members must preserve it.
type Kind int

const (
	// KindNone means no error occurred.
	KindNone Kind = iota

	// Modbus protocol exceptions (wire-encodable, 1..11).
	KindIllegalFunction
	KindIllegalDataAddress
	KindIllegalDataValue
	KindServerDeviceFailure
	KindAcknowledge
	KindServerDeviceBusy
	KindNegativeAcknowledge
	KindMemoryParityError
	KindNotDefined
	KindGatewayPathUnavailable
	KindGatewayTargetDeviceFailed

	// Native errors (not wire-encodable).
	KindInvalidArgument
	KindLogicError
	KindAddressResolution
	KindPassiveOpenError
	KindActiveOpenError
	KindParseError
	KindTimeout
	KindNotConnected
	KindConnectionClosed
)

var kindStrings = map[Kind]string{
	KindNone:                      "success",
	KindIllegalFunction:           "illegal function",
	KindIllegalDataAddress:        "illegal data address",
	KindIllegalDataValue:          "illegal data value",
	KindServerDeviceFailure:       "server device failure",
	KindAcknowledge:               "acknowledge",
	KindServerDeviceBusy:          "server device busy",
	KindNegativeAcknowledge:       "negative acknowledge",
	KindMemoryParityError:         "memory parity error",
	KindNotDefined:                "not defined",
	KindGatewayPathUnavailable:    "gateway path unavailable",
	KindGatewayTargetDeviceFailed: "gateway target device failed to respond",
	KindInvalidArgument:           "invalid argument",
	KindLogicError:                "logic error",
	KindAddressResolution:         "address resolution error",
	KindPassiveOpenError:          "passive open error",
	KindActiveOpenError:           "active open error",
	KindParseError:                "parse error",
	KindTimeout:                   "timeout",
	KindNotConnected:              "not connected",
	KindConnectionClosed:          "connection closed",
}

// String renders the kind as its short protocol/error name.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown error kind %d", int(k))
}

// IsModbusException reports whether k is a Modbus protocol exception, i.e.,
// a value carried on the wire rather than a native transport or programming
// fault.
func IsModbusException(k Kind) bool {
	return k > KindNone && k < KindInvalidArgument
}

// exceptionCode returns the wire exception code for k and true, or (0,
// false) if k is not a Modbus exception.
func (k Kind) exceptionCode() (byte, bool) {
	if !IsModbusException(k) {
		return 0, false
	}
	return byte(k), true
}

// kindFromExceptionCode converts a wire exception code into a Kind. ok is
// false if code does not correspond to a known Modbus exception.
func kindFromExceptionCode(code byte) (k Kind, ok bool) {
	k = Kind(code)
	return k, IsModbusException(k)
}

// Error is the error type returned throughout this package. It carries a
// machine-readable Kind, a human-readable message, and, when the error
// originated from the operating system, the originating errno.
type Error struct {
	Kind Kind
	Msg  string

	// Errno is the originating OS error number, or 0 if this error did not
	// originate from a syscall failure.
	Errno int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// newError returns a new *Error of the given kind with an optional message.
func newError(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// newErrorf is newError with fmt.Sprintf-style formatting.
func newErrorf(k Kind, format string, args ...any) *Error {
	return newError(k, fmt.Sprintf(format, args...))
}

// wrapErrno wraps a syscall-level error as an *Error of kind k, preserving
// the originating errno when err wraps a syscall.Errno, as the errors
// returned by the net package do.
func wrapErrno(k Kind, op string, err error) *Error {
	e := newErrorf(k, "%s: %s", op, err)
	var en syscall.Errno
	if errors.As(err, &en) {
		e.Errno = int(en)
	}
	return e
}

// asModbusException returns (Kind, true) if err is a *Error whose Kind is a
// Modbus protocol exception, for use by the server engine when classifying
// a backend's returned error.
func asModbusException(err error) (Kind, bool) {
	if e, ok := err.(*Error); ok && IsModbusException(e.Kind) {
		return e.Kind, true
	}
	return KindNone, false
}
