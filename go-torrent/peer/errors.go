package peer

import (
	"errors"
	"fmt"
)

type Kind int

const (
	HandshakeFailed Kind = iota
	ProtocolViolation
	ConnectionClosed
	Timeout
	StorageFailed
)

func (k Kind) String() string {
	switch k {
	case HandshakeFailed:
		return "handshake failed"
	case ProtocolViolation:
		return "protocol violation"
	case ConnectionClosed:
		return "connection closed"
	case Timeout:
		return "timeout"
	case StorageFailed:
		return "storage failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrShutdown is the disconnect reason of a connection that closed on a
// Shutdown command.
var ErrShutdown = errors.New("shutdown")

// Error terminates the connection that raised it and no other.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
		Err:    err,
	}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == kind
}
