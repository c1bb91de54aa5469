// Package apperror defines the closed set of error kinds used across the
// broker and their HTTP mapping. Components classify failures at the point
// where they know the cause (validation, SSH transport, SLURM job handling,
// tunnel setup, operation locks, lookups); everything else is Unexpected.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by the condition it signals.
type Kind int

const (
	Unexpected Kind = iota
	Validation
	Ssh
	Job
	Tunnel
	Lock
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Ssh:
		return "ssh"
	case Job:
		return "job"
	case Tunnel:
		return "tunnel"
	case Lock:
		return "lock"
	case NotFound:
		return "not_found"
	default:
		return "unexpected"
	}
}

// Error is the broker-wide error type. Details is optional structured
// context for the API response body; Cause is the wrapped underlying error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping cause. A nil cause yields a plain Error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured context and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from any error; non-Error values are Unexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// HTTPStatus maps a Kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Ssh, Tunnel:
		return http.StatusBadGateway
	case Lock:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP converts any error to a status code and a JSON-serialisable body.
func ToHTTP(err error) (int, map[string]any) {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, map[string]any{
			"error": "internal error",
			"kind":  Unexpected.String(),
		}
	}
	body := map[string]any{
		"error": e.Message,
		"kind":  e.Kind.String(),
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	return e.Kind.HTTPStatus(), body
}
