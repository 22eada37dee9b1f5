package cloud

import (
	"errors"
	"fmt"
)

// Kind classifies remote failures by what the caller can do about them.
type Kind int

const (
	// KindTransport covers unreachable network and unavailable service.
	KindTransport Kind = iota + 1
	// KindServer covers malformed responses and server-side failures.
	KindServer
	// KindPrecondition covers bad arguments and a missing session.
	KindPrecondition
	// KindNotFound means the record does not exist remotely.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindPrecondition:
		return "precondition"
	case KindNotFound:
		return "not found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cloud %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("cloud %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// IsNotFound reports whether err is a remote not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
