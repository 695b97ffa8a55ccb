// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package zwiebel provides the error taxonomy shared by every layer of the
// circuit and channel protocol engine.  Each error kind wraps an underlying
// error and is matchable with errors.As, so that callers can tell a local
// usage mistake from a peer protocol violation from an already-closed
// resource and react accordingly.
package zwiebel

import (
	"errors"
	"fmt"
)

// TruncatedError is the error used to indicate that a cell or payload could
// not be decoded because more bytes are needed.  It is recoverable: the
// caller buffers more input and retries.
type TruncatedError struct {
	// Err is the original error describing what was cut short.
	Err error
}

// Error implements the error interface.
func (e *TruncatedError) Error() string {
	return fmt.Sprintf("zwiebel: truncated: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *TruncatedError) Unwrap() error {
	return e.Err
}

// NewTruncatedError constructs a TruncatedError from a format string.
func NewTruncatedError(f string, a ...interface{}) error {
	return &TruncatedError{Err: fmt.Errorf(f, a...)}
}

// MalformedError is the error used to indicate a structurally invalid cell
// or payload.  It is fatal to the circuit or channel that produced it.
type MalformedError struct {
	// Err is the original error describing the structural defect.
	Err error
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("zwiebel: malformed: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

// NewMalformedError constructs a MalformedError from a format string.
func NewMalformedError(f string, a ...interface{}) error {
	return &MalformedError{Err: fmt.Errorf(f, a...)}
}

// ProtocolViolationError is the error used to indicate a cell that is
// semantically invalid given the current protocol state, such as a digest
// mismatch, a relay command that the stream state does not accept, or a
// flow control window underflow.  It is always fatal to the circuit, and
// fatal to the whole channel when the violation is channel level.
type ProtocolViolationError struct {
	// Err is the original error describing the violation.
	Err error
}

// Error implements the error interface.
func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("zwiebel: protocol violation: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *ProtocolViolationError) Unwrap() error {
	return e.Err
}

// NewProtocolViolationError constructs a ProtocolViolationError from a
// format string.
func NewProtocolViolationError(f string, a ...interface{}) error {
	return &ProtocolViolationError{Err: fmt.Errorf(f, a...)}
}

// HandshakeFailedError is the error used to indicate that a link or circuit
// handshake did not complete.  It is fatal to the circuit being built, or
// to the channel being opened.
type HandshakeFailedError struct {
	// Err is the original error that caused the handshake to fail.
	Err error
}

// Error implements the error interface.
func (e *HandshakeFailedError) Error() string {
	return fmt.Sprintf("zwiebel: handshake failed: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *HandshakeFailedError) Unwrap() error {
	return e.Err
}

// NewHandshakeFailedError constructs a HandshakeFailedError from a format
// string.
func NewHandshakeFailedError(f string, a ...interface{}) error {
	return &HandshakeFailedError{Err: fmt.Errorf(f, a...)}
}

// TimeoutError is the error used to indicate that a pending operation's
// deadline expired.  An extend or handshake timeout destroys the circuit
// exactly as a protocol violation would.
type TimeoutError struct {
	// Err is the original error, typically the context's deadline error.
	Err error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("zwiebel: timeout: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError constructs a TimeoutError from a format string.
func NewTimeoutError(f string, a ...interface{}) error {
	return &TimeoutError{Err: fmt.Errorf(f, a...)}
}

// ClosedError is the error returned to callers after local or remote
// shutdown of a stream, circuit, or channel.  It is an expected result,
// not a fault, and carries the peer's DESTROY reason when one was given.
type ClosedError struct {
	// Err is the original error that initiated the shutdown, if any.
	Err error

	// Reason is the DESTROY reason byte when the peer tore the circuit
	// down, and zero otherwise.
	Reason uint8
}

// Error implements the error interface.
func (e *ClosedError) Error() string {
	if e.Err == nil {
		return "zwiebel: closed"
	}
	return fmt.Sprintf("zwiebel: closed: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *ClosedError) Unwrap() error {
	return e.Err
}

// NewClosedError constructs a ClosedError from a format string.
func NewClosedError(f string, a ...interface{}) error {
	return &ClosedError{Err: fmt.Errorf(f, a...)}
}

// IsTruncated returns true iff err is or wraps a TruncatedError.
func IsTruncated(err error) bool {
	var e *TruncatedError
	return errors.As(err, &e)
}

// IsMalformed returns true iff err is or wraps a MalformedError.
func IsMalformed(err error) bool {
	var e *MalformedError
	return errors.As(err, &e)
}

// IsProtocolViolation returns true iff err is or wraps a
// ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var e *ProtocolViolationError
	return errors.As(err, &e)
}

// IsHandshakeFailed returns true iff err is or wraps a HandshakeFailedError.
func IsHandshakeFailed(err error) bool {
	var e *HandshakeFailedError
	return errors.As(err, &e)
}

// IsTimeout returns true iff err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsClosed returns true iff err is or wraps a ClosedError.
func IsClosed(err error) bool {
	var e *ClosedError
	return errors.As(err, &e)
}
