package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by Call when no result arrives in time.
	ErrTimeout = errors.New("rpc: request timed out")

	// ErrDestroyed is returned by Call for every request still pending when
	// the peer is torn down.
	ErrDestroyed = errors.New("rpc: peer destroyed")
)

// RemoteError carries the errorMessage of a failed result envelope.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// PermissionError is returned by privileged handlers the Gate refused.
type PermissionError struct {
	Capability string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Capability)
}

// MissingHandlerError is reported when no handler is registered for a request.
type MissingHandlerError struct {
	Name string
}

func (e *MissingHandlerError) Error() string {
	return fmt.Sprintf("%q doesn't have handler", e.Name)
}
