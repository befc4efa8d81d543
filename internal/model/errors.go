package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to transport clients.
type ErrorKind string

const (
	KindInvalidCommand    ErrorKind = "InvalidCommand"
	KindInvalidArgument   ErrorKind = "InvalidArgument"
	KindSessionSpawnError ErrorKind = "SessionSpawnError"
	KindCapacityExceeded  ErrorKind = "CapacityExceeded"
	KindOutputOverrun     ErrorKind = "OutputOverrun"
	KindTimedOut          ErrorKind = "TimedOut"
	KindNotFound          ErrorKind = "NotFound"
	KindTransportClosed   ErrorKind = "TransportClosed"
	KindInternal          ErrorKind = "Internal"
)

var (
	// ErrInvalidCommand is returned for empty, malformed or denied commands.
	ErrInvalidCommand = &Error{Kind: KindInvalidCommand, Message: "invalid command"}

	// ErrInvalidArgument is returned for out-of-range parameters such as zero terminal dimensions.
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}

	// ErrSessionSpawn is returned when the OS refuses to allocate a PTY or start the shell.
	ErrSessionSpawn = &Error{Kind: KindSessionSpawnError, Message: "failed to spawn session"}

	// ErrCapacityExceeded is returned when the session or job limit is reached.
	ErrCapacityExceeded = &Error{Kind: KindCapacityExceeded, Message: "capacity exceeded"}

	// ErrOutputOverrun is returned to a sink that fell too far behind.
	ErrOutputOverrun = &Error{Kind: KindOutputOverrun, Message: "output buffer overrun"}

	// ErrTimedOut is reported when a job exceeds its timeout.
	ErrTimedOut = &Error{Kind: KindTimedOut, Message: "timed out"}

	// ErrNotFound is returned for unknown session or job ids.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrTransportClosed is returned when the client channel went away.
	ErrTransportClosed = &Error{Kind: KindTransportClosed, Message: "transport closed"}
)

// Error is a classified error. Two errors match under errors.Is when their
// kinds are equal, so callers can test against the sentinels above.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
