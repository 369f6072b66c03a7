package propar

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra state.
var (
	// ErrMalformedMessage means len disagreed with the decoded body size.
	ErrMalformedMessage = errors.New("propar: malformed message")
	// ErrTruncatedValue means a parameter's declared type asked for more
	// bytes than remained in the message.
	ErrTruncatedValue = errors.New("propar: truncated value")
	// ErrUnknownType means the type bits in a parameter index byte did not
	// match any known wire type.
	ErrUnknownType = errors.New("propar: unknown parameter type")
	// ErrUnknownCommand means the command byte of a decoded response did
	// not match a known response shape.
	ErrUnknownCommand = errors.New("propar: unknown command")
	// ErrFrameParse marks a frame parse failure that the serializer retries
	// (see Recoverable). The decoders in this package do not return it: they
	// report short buffers as ErrMalformedMessage or ErrTruncatedValue, which
	// are not retried.
	ErrFrameParse = errors.New("propar: frame parse error")
	// ErrPortLost means the underlying serial I/O failed in a way that
	// invalidates the port handle (closed fd, device unplugged, ...).
	ErrPortLost = errors.New("propar: port lost")
	// ErrTimeoutAnswer means no response arrived before the deadline.
	ErrTimeoutAnswer = errors.New("propar: timeout waiting for answer")
)

// StatusError wraps a non-zero PROPAR status code returned by an instrument.
type StatusError struct {
	Code StatusCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("propar: status error %d (%s)", uint8(e.Code), e.Code.String())
}

// Is reports whether target is a *StatusError, whatever its code, so that
// errors.Is(err, &StatusError{}) matches any status error.
func (e *StatusError) Is(target error) bool {
	_, ok := target.(*StatusError)
	return ok
}

// UnknownParameterError means a DDE number had no entry in the parameter
// database.
type UnknownParameterError struct {
	DDE int
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("propar: unknown parameter dde=%d", e.DDE)
}

// InvalidAddressError means a node address fell outside 1..247.
type InvalidAddressError struct {
	Addr int
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("propar: invalid address %d (must be 1..247)", e.Addr)
}

// QuarantinedError is advisory: the poller skipped a node rather than
// failing a user call outright.
type QuarantinedError struct {
	Addr int
}

func (e *QuarantinedError) Error() string {
	return fmt.Sprintf("propar: address %d is quarantined", e.Addr)
}

// NonRecoverable reports whether err should bypass the serializer's retry
// loop and surface immediately.
func NonRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case StatusParmNumber, StatusParmType, StatusParmValue:
			return true
		}
		return false
	}
	if errors.Is(err, ErrUnknownType) {
		return true
	}
	var unk *UnknownParameterError
	if errors.As(err, &unk) {
		return true
	}
	var inv *InvalidAddressError
	if errors.As(err, &inv) {
		return true
	}
	return false
}

// Recoverable reports whether err is one of the three classes the port
// serializer retries: PortLost, a frame parse failure, or TimeoutAnswer.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPortLost) || errors.Is(err, ErrFrameParse) || errors.Is(err, ErrTimeoutAnswer)
}

// IsPortLost reports whether err is (or wraps) ErrPortLost specifically.
// Only this class of recoverable error triggers driver recreation; a frame
// parse failure or a plain answer timeout retries against the same driver.
func IsPortLost(err error) bool {
	return errors.Is(err, ErrPortLost)
}
