// Package routeerr defines the error taxonomy shared by the routing
// pipeline, its stages, and the HTTP surface that reports on it.
package routeerr

import "fmt"

// Kind classifies a routing failure so callers (mainly the HTTP layer)
// can map it to a response code without string-matching messages.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindUnavailable  Kind = "unavailable"
	KindTimeout      Kind = "timeout"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Error wraps a Kind with a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, routeerr.KindNotFound) style checks by
// comparing Kind when the target is itself a *Error with only Kind set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Cause == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(format string, args ...interface{}) *Error {
	return newErr(KindInvalidInput, format, args...)
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return newErr(KindNotFound, format, args...)
}

// Unavailable builds a KindUnavailable error wrapping cause.
func Unavailable(cause error, format string, args ...interface{}) *Error {
	e := newErr(KindUnavailable, format, args...)
	e.Cause = cause
	return e
}

// Timeout builds a KindTimeout error wrapping cause.
func Timeout(cause error, format string, args ...interface{}) *Error {
	e := newErr(KindTimeout, format, args...)
	e.Cause = cause
	return e
}

// Internal builds a KindInternal error wrapping cause.
func Internal(cause error, format string, args ...interface{}) *Error {
	e := newErr(KindInternal, format, args...)
	e.Cause = cause
	return e
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// is not a *Error (e.g. an unexpected driver error bubbling up raw).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
