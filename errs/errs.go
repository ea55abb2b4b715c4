// Package errs defines the error taxonomy shared by every component of
// the relay-fleet runtime, so callers can branch on Kind instead of
// string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the categories the runtime's
// propagation policy treats differently.
type Kind string

const (
	Configuration Kind = "configuration"
	Network       Kind = "network"
	NotConnected  Kind = "not_connected"
	Protocol      Kind = "protocol"
	PublishReject Kind = "publish_rejection"
	Validation    Kind = "validation"
	NotFound      Kind = "not_found"
	Timeout       Kind = "timeout"
	RateLimited   Kind = "rate_limited"
	Cancelled     Kind = "cancelled"
	AuthRequired  Kind = "auth_required"
)

// Error is the concrete error type returned across package boundaries.
// It carries a Kind so callers can type-switch with errors.As, plus an
// optional cause for %w-style unwrapping.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause, or returns nil if cause is nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
