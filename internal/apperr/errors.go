// Package apperr defines the error kinds surfaced to API callers.
package apperr

import "errors"

// Kinds. Services wrap one of these in an *Error so handlers can map them to
// a response status with errors.Is.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRejected     = errors.New("rejected")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("upstream failure")
)

// Error carries a caller-facing message together with its kind.
type Error struct {
	Kind    error
	Message string
	Err     error // underlying cause, never shown to callers
}

// E builds an *Error of the given kind.
func E(kind error, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an *Error of the given kind that keeps cause for logging.
func Wrap(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.Error() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Message returns the caller-facing message of err, or fallback when err is
// not an *Error.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
