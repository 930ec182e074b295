package request

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of failure classes a call can surface. Every
// failure crossing this package's boundary carries exactly one Kind;
// raw transport errors never escape.
type Kind int

const (
	// KindInvalidState: the CSRF/replay defense rejected a callback.
	KindInvalidState Kind = iota
	// KindAuth: no, expired, or revoked credential. Requires
	// re-authorization; never retried.
	KindAuth
	// KindPermission: valid credential, insufficient scope. Never
	// retried.
	KindPermission
	// KindRateLimit: provider quota exhausted. Retried internally up
	// to the budget, then surfaced with RetryAfter.
	KindRateLimit
	// KindTransient: network failure or provider 5xx. Retried
	// internally, then surfaced.
	KindTransient
	// KindRequest: malformed request or other unclassified 4xx. Never
	// retried.
	KindRequest
	// KindNotFound: a device- or resource-scoped action had no target.
	// Never retried.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid_state"
	case KindAuth:
		return "auth"
	case KindPermission:
		return "permission"
	case KindRateLimit:
		return "rate_limit"
	case KindTransient:
		return "transient"
	case KindRequest:
		return "request"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the classified failure type for the credential and request
// layers. The message is deliberately generic; provider payloads stay
// in the wrapped cause and are never shown to callers.
type Error struct {
	Kind    Kind
	Message string

	// StatusCode is the HTTP status that produced the error, if any.
	StatusCode int

	// RetryAfter is the provider-declared wait for rate-limit errors.
	RetryAfter time.Duration

	// MissingScopes names the scopes a permission error needs.
	MissingScopes []string

	// RequiresAuth marks credential errors the caller should answer
	// with a fresh authorization flow.
	RequiresAuth bool

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Kind == KindRateLimit && e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	if e.Kind == KindPermission && len(e.MissingScopes) > 0 {
		fmt.Fprintf(&b, " (missing scopes: %s)", strings.Join(e.MissingScopes, " "))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the executor may retry this failure.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf extracts the kind from a classified error; false when err is
// not classified.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// InvalidState builds the CSRF-defense error for a rejected callback.
func InvalidState(cause error) *Error {
	return newError(KindInvalidState, "authorization state not recognized", cause)
}

// AuthRequired builds a credential error prompting re-authorization.
func AuthRequired(message string, cause error) *Error {
	e := newError(KindAuth, message, cause)
	e.RequiresAuth = true
	return e
}

// Transient builds a retryable network/provider failure.
func Transient(message string, cause error) *Error {
	return newError(KindTransient, message, cause)
}
