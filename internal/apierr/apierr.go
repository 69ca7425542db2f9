// Package apierr defines the error-kind taxonomy shared by the repository
// engine and the protocol layer, per the propagation policy in spec.md §7.
package apierr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is the set of error categories the protocol layer knows how to map
// to an HTTP status.
type Kind int

const (
	Internal Kind = iota
	NotFound
	MethodNotAllowed
	BadRequest
	Conflict
	Locked
	PreconditionFailed
	Corrupt
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case MethodNotAllowed:
		return "MethodNotAllowed"
	case BadRequest:
		return "BadRequest"
	case Conflict:
		return "Conflict"
	case Locked:
		return "Locked"
	case PreconditionFailed:
		return "PreconditionFailed"
	case Corrupt:
		return "Corrupt"
	default:
		return "Internal"
	}
}

// HTTPStatus is the mapping from spec.md §7's table.
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case BadRequest:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case Locked:
		return http.StatusLocked
	case PreconditionFailed:
		return http.StatusPreconditionFailed
	case Corrupt, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind plus path/revision context around a wrapped cause,
// matching spec.md §7's "wrapped with path/revision context" propagation
// policy.
type Error struct {
	Kind    Kind
	Path    string
	Rev     int64 // -1 when not revision-scoped
	cause   error
	message string
}

func (e *Error) Error() string {
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	switch {
	case e.Path != "" && e.Rev >= 0:
		return fmt.Sprintf("%s: %s@%d: %s", e.Kind, e.Path, e.Rev, msg)
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a bare Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Rev: -1, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and path/revision context to an existing error. rev
// of -1 means "not revision-scoped".
func Wrap(err error, kind Kind, path string, rev int64) *Error {
	return &Error{Kind: kind, Path: path, Rev: rev, cause: errors.WithStack(err)}
}

// WithPath attaches path context to an existing *Error without changing
// its Kind, or wraps a plain error as Internal if it isn't one already.
func WithPath(err error, path string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Path == "" {
			ae.Path = path
		}
		return ae
	}
	return Wrap(err, Internal, path, -1)
}

// KindOf extracts the Kind of err, defaulting to Internal when err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
