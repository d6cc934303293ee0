// Package apierr implements the error taxonomy of §7: a small set of kinds
// (not type names — kinds), each with distinct propagation and response
// rules. Handlers switch on Kind rather than on the underlying Go error
// type, so the taxonomy stays stable as storage/transport details change.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the six error kinds named in §7.
type Kind int

const (
	// KindProtocol: malformed request, unsupported grant/response type,
	// missing/invalid PKCE, scope widening. Surfaced per RFC 6749.
	KindProtocol Kind = iota
	// KindAuthentication: client credential mismatch, invalid/expired
	// token. Response body is the generic invalid_client / invalid_token.
	KindAuthentication
	// KindConsistency: code replay, refresh-token reuse. A security event:
	// the call fails invalid_grant and additionally triggers a cascade
	// revoke (§7).
	KindConsistency
	// KindCapacity: rate limit exceeded. 429 with Retry-After.
	KindCapacity
	// KindDependency: transient storage failure. Retried locally; if still
	// failing, surfaced as temporarily_unavailable / server_error.
	KindDependency
	// KindFatal: invariant violation. Logged at high severity; the
	// operation fails closed.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindConsistency:
		return "consistency"
	case KindCapacity:
		return "capacity"
	case KindDependency:
		return "dependency"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the one internal error type every component constructs errors
// with. Code is the RFC 6749 error token (e.g. "invalid_grant"); Subtype
// distinguishes variants within a kind that callers need to branch on, such
// as the replay subtype of a consistency error (§4.5 step 2).
type Error struct {
	Kind        Kind
	Code        string
	Subtype     string
	Description string
	RetryAfter  int // seconds; only meaningful for KindCapacity
	cause       error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Protocol constructs a KindProtocol error.
func Protocol(code, description string) *Error {
	return &Error{Kind: KindProtocol, Code: code, Description: description}
}

// Authentication constructs a KindAuthentication error.
func Authentication(code, description string) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Description: description}
}

// Consistency constructs a KindConsistency error. subtype is "replay" for a
// post-success replay and "theft" for refresh-token reuse (§7); both values
// tell the caller a cascade revoke must fire.
func Consistency(code, subtype, description string) *Error {
	return &Error{Kind: KindConsistency, Code: code, Subtype: subtype, Description: description}
}

// Capacity constructs a KindCapacity error carrying the Retry-After value.
func Capacity(code string, retryAfterSec int, description string) *Error {
	return &Error{Kind: KindCapacity, Code: code, RetryAfter: retryAfterSec, Description: description}
}

// Dependency wraps cause as a KindDependency error, code is the RFC 6749
// token to surface once retries are exhausted (§7).
func Dependency(code string, cause error) *Error {
	return &Error{Kind: KindDependency, Code: code, Description: "temporarily unavailable", cause: cause}
}

// Fatal wraps cause as a KindFatal error: an invariant violation that must
// fail the operation closed rather than self-correct (§7).
func Fatal(description string, cause error) *Error {
	return &Error{Kind: KindFatal, Code: "server_error", Description: description, cause: cause}
}

// IsReplay reports whether err is a consistency error whose subtype marks a
// post-success code or refresh-token replay.
func IsReplay(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindConsistency && (e.Subtype == "replay" || e.Subtype == "theft")
	}
	return false
}

// As is a thin errors.As wrapper returning the *Error and whether it matched.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
