package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transport package.
var (
	// ErrChannelClosed indicates the remote closed the channel or the
	// network was severed. It ends a session normally.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrNotStreaming indicates Run was called before a successful handshake.
	ErrNotStreaming = errors.New("transport: session not streaming")

	// ErrAlreadyStarted indicates Connect was called twice.
	ErrAlreadyStarted = errors.New("transport: session already started")

	// ErrInvalidAddress indicates an endpoint address that cannot be dialed.
	ErrInvalidAddress = errors.New("transport: invalid endpoint address")

	// ErrConnectionRefused indicates nothing is listening at the endpoint.
	ErrConnectionRefused = errors.New("transport: connection refused")
)

// ConnectionError represents a failure to open the channel or complete
// the handshake. It is fatal for the session and never retried.
type ConnectionError struct {
	// Reason describes why the connection failed.
	Reason string

	// StatusCode is the HTTP status of a rejected upgrade, if any.
	StatusCode int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("transport: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, cause error) *ConnectionError {
	return &ConnectionError{
		Reason: reason,
		Cause:  cause,
	}
}

// ProtocolError represents an unexpected or malformed message.
// It is fatal for the session and triggers drain.
type ProtocolError struct {
	// Reason describes the violation.
	Reason string

	// Cause is the underlying decode error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport: protocol error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("transport: protocol error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(reason string, cause error) *ProtocolError {
	return &ProtocolError{
		Reason: reason,
		Cause:  cause,
	}
}

// Error checking helpers.

// IsConnectionError returns true if err is a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsProtocolError returns true if err is a ProtocolError.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// IsChannelClosed returns true if err reports a normal end of the channel.
func IsChannelClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed)
}
