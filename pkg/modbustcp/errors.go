package modbustcp

import (
	"errors"
	"fmt"
)

const (
	EX_ILLEGAL_FUNCTION            uint8 = 0x01
	EX_ILLEGAL_DATA_ADDRESS        uint8 = 0x02
	EX_ILLEGAL_DATA_VALUE          uint8 = 0x03
	EX_SERVER_DEVICE_FAILURE       uint8 = 0x04
	EX_ACKNOWLEDGE                 uint8 = 0x05
	EX_SERVER_DEVICE_BUSY          uint8 = 0x06
	EX_MEMORY_PARITY_ERROR         uint8 = 0x08
	EX_GW_PATH_UNAVAILABLE         uint8 = 0x0a
	EX_GW_TARGET_FAILED_TO_RESPOND uint8 = 0x0b
)

var ErrClosed = errors.New("transport closed")

// ConnectionError reports a TCP session that could not be established or was lost.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("modbus: connection %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a request without response within its deadline.
type TimeoutError struct {
	Endpoint string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("modbus: request to %s timed out: %v", e.Endpoint, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or mismatched response.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "modbus: protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// DeviceExceptionError carries the exception code of a Modbus exception response.
type DeviceExceptionError struct {
	Function uint8
	Code     uint8
}

func (e *DeviceExceptionError) Error() string {
	return fmt.Sprintf("modbus: device exception fc=0x%02x code=0x%02x (%s)", e.Function, e.Code, ExceptionName(e.Code))
}

// ExceptionCode exposes the raw device code.
func (e *DeviceExceptionError) ExceptionCode() uint8 { return e.Code }

func ExceptionName(code uint8) string {
	switch code {
	case EX_ILLEGAL_FUNCTION:
		return "illegal function"
	case EX_ILLEGAL_DATA_ADDRESS:
		return "illegal data address"
	case EX_ILLEGAL_DATA_VALUE:
		return "illegal data value"
	case EX_SERVER_DEVICE_FAILURE:
		return "server device failure"
	case EX_ACKNOWLEDGE:
		return "acknowledge"
	case EX_SERVER_DEVICE_BUSY:
		return "server device busy"
	case EX_MEMORY_PARITY_ERROR:
		return "memory parity error"
	case EX_GW_PATH_UNAVAILABLE:
		return "gateway path unavailable"
	case EX_GW_TARGET_FAILED_TO_RESPOND:
		return "gateway target failed to respond"
	}
	return "unknown exception"
}

// AddressRangeError reports a conventional register number outside all known ranges.
type AddressRangeError struct {
	Address int
}

func (e *AddressRangeError) Error() string {
	return fmt.Sprintf("register %d is outside the conventional ranges (1-9999, 10001-19999, 30001-39999, 40001-49999)", e.Address)
}

// DecodeError reports a reading whose length does not match the data type.
type DecodeError struct {
	DataType DataType
	Want     int
	Got      int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: need %d registers, got %d", e.DataType, e.Want, e.Got)
}

type ReadErrorKind uint8

const (
	// Exhausted: every attempt failed with a transient error.
	Exhausted ReadErrorKind = iota + 1
	// Rejected: the device answered with an exception response.
	Rejected
	// Malformed: the response could not be trusted.
	Malformed
	// Cancelled: the caller's context ended the read.
	Cancelled
)

func (k ReadErrorKind) String() string {
	switch k {
	case Exhausted:
		return "exhausted"
	case Rejected:
		return "rejected"
	case Malformed:
		return "malformed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// ReadError is the outcome of a failed Executor read.
type ReadError struct {
	Kind      ReadErrorKind
	Attempts  int
	LastCause error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s after %d attempt(s): %v", e.Kind, e.Attempts, e.LastCause)
}

func (e *ReadError) Unwrap() error { return e.LastCause }

// IsRetryable reports whether err is a transient network fault. Reads on a
// closed transport are not.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrClosed) {
		return false
	}
	var te *TimeoutError
	var ce *ConnectionError
	return errors.As(err, &te) || errors.As(err, &ce)
}
