// Package errs implements the structured error carrier shared by every
// fallible operation in this module: a kind tag for branching plus an
// accumulated text trace for human display.
package errs

import (
	"fmt"
	"strings"
)

// Kind discriminates error categories for branching logic. Display text
// lives in the trace, not here.
type Kind int

const (
	Ok Kind = iota
	NoMem
	FixedSize
	Param
	Value
	Internal
	Fs
	Os
	Conn
	Sock
	Ssl
	Response
	Token
	Password
	Not4Me
	CertExp
	SelfSign
	Hostname
	Canceled
	Dead
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "Ok"
	case NoMem:
		return "NoMem"
	case FixedSize:
		return "FixedSize"
	case Param:
		return "Param"
	case Value:
		return "Value"
	case Internal:
		return "Internal"
	case Fs:
		return "Fs"
	case Os:
		return "Os"
	case Conn:
		return "Conn"
	case Sock:
		return "Sock"
	case Ssl:
		return "Ssl"
	case Response:
		return "Response"
	case Token:
		return "Token"
	case Password:
		return "Password"
	case Not4Me:
		return "Not4Me"
	case CertExp:
		return "CertExp"
	case SelfSign:
		return "SelfSign"
	case Hostname:
		return "Hostname"
	case Canceled:
		return "Canceled"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Error is the carrier value: a kind for branching plus an append-only
// trace for display. The zero value is not a valid error; use Ok() for the
// success sentinel and New/Wrap to construct failures.
type Error struct {
	Kind        Kind
	trace       []string
	Annotations map[string]string
}

// New creates a new Error of the given kind with a formatted trace line.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, trace: []string{fmt.Sprintf(format, args...)}}
}

// IsOk reports whether e represents success (nil or Kind==Ok).
func IsOk(e *Error) bool {
	return e == nil || e.Kind == Ok
}

// Error implements the error interface, rendering the trace newest-last.
func (e *Error) Error() string {
	if e == nil {
		return "Ok"
	}
	return fmt.Sprintf("[%s] %s", e.Kind, strings.Join(e.trace, ": "))
}

// Trace returns the accumulated human-readable trace lines, oldest first.
func (e *Error) Trace() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.trace...)
}

// Annotate attaches a key/value diagnostic to the error, returning e for
// chaining.
func (e *Error) Annotate(key, value string) *Error {
	if e == nil {
		return nil
	}
	if e.Annotations == nil {
		e.Annotations = make(map[string]string)
	}
	e.Annotations[key] = value
	return e
}

// Wrap appends context to an existing error without changing its kind.
// Wrapping a nil error returns nil: propagation of "no error" is a no-op.
func Wrap(e *Error, format string, args ...any) *Error {
	if e == nil {
		return nil
	}
	e.trace = append(e.trace, fmt.Sprintf(format, args...))
	return e
}

// Rethrow remaps the kind of an existing error while preserving its trace,
// appending additional context. Used when a lower layer's kind would be
// misleading to the caller (e.g. remapping an "impossible" FixedSize from a
// trusted library into Internal).
func Rethrow(e *Error, kind Kind, format string, args ...any) *Error {
	if e == nil {
		return nil
	}
	e.Kind = kind
	e.trace = append(e.trace, fmt.Sprintf(format, args...))
	return e
}

// Merge combines a newly observed error into an existing accumulated one
// per the session close-error rule (spec.md §7): Canceled is soft and is
// dropped if a more specific error is already present or arrives later;
// the first non-Canceled error wins and later errors are folded into its
// trace for display only.
func Merge(acc, next *Error) *Error {
	if next == nil {
		return acc
	}
	if acc == nil {
		return next
	}
	// A later Canceled never displaces an existing, more specific error.
	if next.Kind == Canceled && acc.Kind != Canceled {
		return acc
	}
	// An existing Canceled is replaced outright by a more specific error.
	if acc.Kind == Canceled && next.Kind != Canceled {
		next.trace = append(append([]string(nil), acc.trace...), next.trace...)
		return next
	}
	acc.trace = append(acc.trace, next.trace...)
	for k, v := range next.Annotations {
		acc.Annotate(k, v)
	}
	return acc
}

// FromError converts a stdlib error into an Error of the given kind,
// preserving its message as the initial trace line. Used at boundaries
// where a library returns a plain `error`.
func FromError(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return New(kind, "%s", err.Error())
}
