package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a transaction deadline elapses with no
	// matching reply. The request may still have been processed server-side.
	ErrTimeout = errors.New("transaction timed out")

	// ErrCancelled is returned to pending waiters when their owning session
	// or handle is torn down.
	ErrCancelled = errors.New("transaction cancelled")

	// ErrNotConnected is returned by Send on a disconnected transport.
	ErrNotConnected = errors.New("transport not connected")

	// ErrHandleDetached is returned by any operation on a detached handle.
	ErrHandleDetached = errors.New("handle detached")

	// ErrSessionDestroyed is returned by any operation on a destroyed session.
	ErrSessionDestroyed = errors.New("session destroyed")
)

// ConnectError wraps a failure to establish connectivity.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError wraps a transmit failure on an established connection.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send: %v", e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed "error" envelope returned by the gateway.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Reason)
}

// NewProtocolError builds a ProtocolError from an error envelope.
func NewProtocolError(env *Envelope) *ProtocolError {
	if env.Error == nil {
		return &ProtocolError{Reason: "malformed error envelope"}
	}
	return &ProtocolError{Code: env.Error.Code, Reason: env.Error.Reason}
}

// AttachError is a ProtocolError from a failed attach request, kept
// distinguishable so callers can retry with a different plugin name.
type AttachError struct {
	Plugin string
	ProtocolError
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s: %s", e.Plugin, e.ProtocolError.Error())
}

// InvalidStateError reports local misuse: an operation attempted outside the
// state that permits it.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}
