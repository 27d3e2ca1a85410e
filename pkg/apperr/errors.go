// Package apperr defines the error taxonomy shared by the approval engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindResolution Kind = "resolution"
	KindNotFound   Kind = "not_found"
	KindExternal   Kind = "external"
	KindForbidden  Kind = "forbidden"
)

var (
	// ErrValidation marks malformed input. Nothing was persisted.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks stale state: optimistic-lock failure, already reviewed, already reassigned.
	ErrConflict = errors.New("stale state, reload")

	// ErrResolution marks an assignee specification that resolved to nobody.
	ErrResolution = errors.New("assignee resolution is empty")

	// ErrNotFound marks an unknown template, instance or request id.
	ErrNotFound = errors.New("not found")

	// ErrExternal marks a failing message-send or publish capability.
	ErrExternal = errors.New("external dependency failed")

	// ErrForbidden marks an actor that may not perform the operation.
	ErrForbidden = errors.New("not authorized")
)

var kindSentinel = map[Kind]error{
	KindValidation: ErrValidation,
	KindConflict:   ErrConflict,
	KindResolution: ErrResolution,
	KindNotFound:   ErrNotFound,
	KindExternal:   ErrExternal,
	KindForbidden:  ErrForbidden,
}

// Error wraps a failure with the operation and kind that produced it.
type Error struct {
	Op      string // Operation name, e.g. "approvals.Review"
	Kind    Kind
	Message string // Human-readable detail
	Err     error  // Underlying error, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, kindSentinel[e.Kind])
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches both the kind sentinel and the wrapped error chain.
func (e *Error) Is(target error) bool {
	if sentinel, ok := kindSentinel[e.Kind]; ok && target == sentinel {
		return true
	}

	return false
}

func newError(kind Kind, op, format string, args []any) *Error {
	return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return newError(KindValidation, op, format, args)
}

func Conflict(op, format string, args ...any) *Error {
	return newError(KindConflict, op, format, args)
}

func Resolution(op, format string, args ...any) *Error {
	return newError(KindResolution, op, format, args)
}

func NotFound(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, format, args)
}

func Forbidden(op, format string, args ...any) *Error {
	return newError(KindForbidden, op, format, args)
}

// External wraps a failure of an outbound capability.
func External(op string, err error) *Error {
	return &Error{Op: op, Kind: KindExternal, Err: err}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsResolution(err error) bool { return errors.Is(err, ErrResolution) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsExternal(err error) bool { return errors.Is(err, ErrExternal) }

func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// KindOf returns the kind of the first *Error in the chain, or "" when there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	return ""
}
