package mcbp

import (
	"errors"
	"fmt"
)

// ProtocolError reports a malformed frame. The stream can no longer be
// trusted, so the connection must be closed.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Message + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true, the framing state is lost.
func (e *ProtocolError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError wraps I/O errors from a socket.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// StatusError is a non-success status returned while negotiating a session.
type StatusError struct {
	Opcode Opcode
	Status Status
	Value  []byte
}

func (e *StatusError) Error() string {
	if len(e.Value) > 0 {
		return fmt.Sprintf("%v failed with %s: %s", e.Opcode, StatusName(e.Status), e.Value)
	}
	return fmt.Sprintf("%v failed with %s", e.Opcode, StatusName(e.Status))
}

// ShouldCloseConnection returns false, the stream is still in sync.
func (e *StatusError) ShouldCloseConnection() bool {
	return false
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection survived.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
// Unknown errors are treated as fatal.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}
	return true
}
