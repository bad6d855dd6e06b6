package xgt

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrHeaderOnly    = errors.New("header-only response")
	ErrChecksum      = errors.New("checksum mismatch")
	ErrFrameTooShort = errors.New("frame too short")
)

// Connection operations.
const (
	OpDial  = "dial"
	OpWrite = "write"
	OpRead  = "read"
)

// ConnectionError is a transport failure. It is the only retryable error.
type ConnectionError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("xgt %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying error was a deadline.
func (e *ConnectionError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ProtocolError is a malformed or unexpected frame.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xgt protocol: %s: %v", e.Msg, e.Err)
	}
	return "xgt protocol: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// DeviceError carries a non-zero error code reported by the PLC.
type DeviceError struct {
	Code uint16
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("xgt device error 0x%04X", e.Code)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsDialError reports whether err means no connection could be opened.
func IsDialError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Op == OpDial
}
