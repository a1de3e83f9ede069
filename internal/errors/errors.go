// Package errors defines the closed set of domain error kinds surfaced by
// the dispatch core (spec §7), wrapped with github.com/go-faster/errors so
// callers can Wrap/Is/As through package boundaries without losing the kind.
package errors

import (
	"fmt"

	fe "github.com/go-faster/errors"
)

// Kind is a stable, caller-facing error classification. The HTTP layer
// (out of scope here) maps these to status codes: NotFound->404,
// InvalidTransition/BadRequest->400, ConcurrentModification->409,
// Forbidden->403, RateLimited->429, Unavailable->503.
type Kind string

const (
	KindNotFound              Kind = "NotFound"
	KindInvalidTransition     Kind = "InvalidTransition"
	KindConcurrentModification Kind = "ConcurrentModification"
	KindBadRequest            Kind = "BadRequest"
	KindForbidden             Kind = "Forbidden"
	KindRateLimited           Kind = "RateLimited"
	KindUnavailable           Kind = "Unavailable"
)

// Error is the concrete error type carrying a Kind plus a message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from err, walking wrapped causes. Returns ""
// if err does not carry one of our kinds.
func KindOf(err error) Kind {
	var de *Error
	if fe.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Is reports whether err (or any error it wraps) has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(from, to string) error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf("invalid transition from %s to %s", from, to)}
}

func ConcurrentModification(format string, args ...any) error {
	return &Error{Kind: KindConcurrentModification, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(format string, args ...any) error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a downstream failure (cache/event/sms) the core must
// surface. Best-effort side effects (wallet credit, cache writes) are
// logged and swallowed instead of constructed as this kind.
func Unavailable(cause error, format string, args ...any) error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Wrap attaches additional context to err without losing its Kind.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fe.Wrap(err, message)
}
