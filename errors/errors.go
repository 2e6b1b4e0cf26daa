// Package imgde provides a mechanism to create or wrap errors with
// information that will aid in reporting them to users and returning them
// to api callers.
package imgde

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
)

// A Kind represents a class of error. API layers will typically convert
// these into a domain specific error representation; for example, an http
// handler can convert these to protocol error ids.
type Kind int

const (
	Other Kind = iota
	// User is a refusal raised by a hook listener or bad user input.
	User
	// UserData is a hard refusal of a generated image.
	UserData
	// Timeout means the dispatcher could not find a worker in time.
	Timeout
	// Cancelled means the claim or the whole process was torn down.
	Cancelled
	// SessionInvalid means a federation peer rejected our session token.
	SessionInvalid
	// Stalled means a worker held a claim without progress for too long.
	Stalled
	// Conn is a connection-level failure talking to a peer.
	Conn
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case User:
		return "user error"
	case UserData:
		return "refused image"
	case Timeout:
		return "timed out waiting for a backend"
	case Cancelled:
		return "cancelled"
	case SessionInvalid:
		return "invalid session"
	case Stalled:
		return "backend stalled"
	case Conn:
		return "connection error"
	}
	return "unknown error kind"
}

type Error struct {
	Kind Kind
	Err  error
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

func (e *Error) Error() string {
	b := &bytes.Buffer{}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns just the Err.Error() string, if present, or the Kind
// string description. The intent is to allow imgde users a way to avoid
// embedding the Kind description as happens with Error().
func (e *Error) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Kind != Other {
		return e.Kind.String()
	}
	return "no error"
}

// Function E generates an error from any mix of:
//   - a Kind
//   - an existing error
//   - a string and optional formatting verbs, like fmt.Errorf (including
//     support for the `%w` verb).
//
// The string & format verbs must be last in the arguments, if present.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args to imgde.E")
	}
	e := &Error{}

	for i, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case error:
			e.Err = arg
		case string:
			e.Err = fmt.Errorf(arg, args[i+1:]...)
			return e
		default:
			_, file, line, _ := runtime.Caller(1)
			return fmt.Errorf("unknown type %T value %v in imgde.E call at %v:%v", arg, arg, file, line)
		}
	}

	return e
}

// IsKind reports whether err or any error it wraps carries kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// Message returns the user-facing message of err: the innermost wrapped
// message for an *Error, or err.Error() for anything else.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}

// KindOf returns the kind of err, or Other if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}
