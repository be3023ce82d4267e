// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is the error returned when an operation fails due to
	// the control channel not currently being connected to the daemon.
	ErrNotConnected = errors.New("tor/control: not connected to the daemon")

	// ErrShutdown is the error returned when the control channel is closed
	// due to a call to Halt().
	ErrShutdown = errors.New("shutdown requested")
)

// StartError is the error used to indicate that the daemon failed to start.
type StartError struct {
	// Err is the original error that caused the start to fail.
	Err error
}

// Error implements the error interface.
func (e *StartError) Error() string {
	return fmt.Sprintf("tor/supervisor: start failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StartError) Unwrap() error { return e.Err }

func newStartError(f string, a ...interface{}) error {
	return &StartError{Err: fmt.Errorf(f, a...)}
}

// CrashError is the error used to indicate that the daemon process exited
// unexpectedly.
type CrashError struct {
	// Err is the process exit error.
	Err error
}

// Error implements the error interface.
func (e *CrashError) Error() string {
	return fmt.Sprintf("tor/supervisor: daemon crashed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *CrashError) Unwrap() error { return e.Err }

// AuthenticationError is the error used to indicate that the control port
// rejected our authentication secret or cookie.
type AuthenticationError struct {
	// Err is the original error returned by the control port.
	Err error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("tor/control: authentication failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthenticationError) Unwrap() error { return e.Err }

func newAuthenticationError(f string, a ...interface{}) error {
	return &AuthenticationError{Err: fmt.Errorf(f, a...)}
}

// BootstrapTimeoutError is the error used to indicate that the daemon did
// not reach 100% bootstrap progress within the configured deadline.
type BootstrapTimeoutError struct {
	// Progress is the last observed bootstrap progress in percent.
	Progress int
}

// Error implements the error interface.
func (e *BootstrapTimeoutError) Error() string {
	return fmt.Sprintf("tor/control: bootstrap stalled at %d%%", e.Progress)
}

// RotationTimeoutError is the error used to indicate that no new circuit
// was built within the rotation deadline.
type RotationTimeoutError struct{}

// Error implements the error interface.
func (e *RotationTimeoutError) Error() string {
	return "tor/control: timed out waiting for a new circuit"
}

// ProtocolError is the error used to indicate an unexpected control
// protocol response.
type ProtocolError struct {
	// Status is the status code returned by the daemon.
	Status int

	// Line is the offending response line.
	Line string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tor/control: protocol error: %d %s", e.Status, e.Line)
}
