package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classifications shared by
// every component. Retry and breaker decisions key off the kind, never
// off error text.
type ErrorKind string

const (
	KindRateLimited       ErrorKind = "rate_limited"
	KindTimeout           ErrorKind = "timeout"
	KindTransientNetwork  ErrorKind = "transient_network"
	KindServerError       ErrorKind = "server_error"
	KindBadRequest        ErrorKind = "bad_request"
	KindAuthFailed        ErrorKind = "auth_failed"
	KindNotFound          ErrorKind = "not_found"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindPoolExhausted     ErrorKind = "pool_exhausted"
	KindGovernanceBlocked ErrorKind = "governance_blocked"
	KindApprovalRejected  ErrorKind = "approval_rejected"
	KindApprovalTimedOut  ErrorKind = "approval_timed_out"
	KindSyntaxInvalid     ErrorKind = "syntax_invalid"
	KindEvaluationFailed  ErrorKind = "evaluation_failed"
	KindChecksumMismatch  ErrorKind = "checksum_mismatch"
	KindInternal          ErrorKind = "internal_error"
)

// Retriable reports whether a failure of this kind may be retried by
// the resilience layer. Timeout is retriable; the retry policy itself
// caps how often.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindTransientNetwork, KindServerError:
		return true
	}
	return false
}

// Transient reports whether the caller should treat the failure as
// temporary. circuit_open and pool_exhausted fail fast locally but are
// transient from the caller's point of view.
func (k ErrorKind) Transient() bool {
	return k.Retriable() || k == KindCircuitOpen || k == KindPoolExhausted
}

// Error is the kinded error every component surfaces. TraceID is set
// for internal_error so operators can find the matching span tree.
type Error struct {
	Kind    ErrorKind
	Message string
	TraceID string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kinded error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to
// internal_error for unclassified failures.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retriable reports whether err carries a retriable kind.
func Retriable(err error) bool {
	return KindOf(err).Retriable()
}
