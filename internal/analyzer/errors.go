package analyzer

// ============================================================================
// Analyzer Error Definitions
// Purpose: typed errors returned by analyzers and their retry classification
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the category of an analyzer failure.
type Kind string

const (
	// Non-recoverable: retrying cannot change the outcome.
	KindAuthMissing    Kind = "auth_missing"
	KindAuthInvalid    Kind = "auth_invalid"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindParseError     Kind = "parse_error"
	KindInvalidRequest Kind = "invalid_request"

	// Recoverable: transient conditions worth another attempt.
	KindNetworkError Kind = "network_error"
	KindTimeout      Kind = "timeout"
	KindRateLimited  Kind = "rate_limited"
	KindUnknown      Kind = "unknown"

	// KindAcquireFailed marks an attempt that never reached the analyzer
	// because no call slot could be acquired.
	KindAcquireFailed Kind = "slot_unavailable"
)

// Recoverable reports whether errors of this kind should be retried.
func (k Kind) Recoverable() bool {
	switch k {
	case KindAuthMissing, KindAuthInvalid, KindQuotaExceeded, KindParseError, KindInvalidRequest:
		return false
	}
	return true
}

// Error is the typed failure an Analyzer returns.
type Error struct {
	Kind      Kind   // failure category
	Message   string // human readable detail
	Retryable bool   // as reported by the analyzer; classification uses Kind
	Cause     error  // underlying error, if any
}

// NewError builds an Error whose Retryable flag follows the kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind.Recoverable()}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Retryable: kind.Recoverable(), Cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("analyzer: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Classify maps any error onto an *Error. Untyped errors become KindUnknown,
// context deadline errors become KindTimeout.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err)
	}
	return Wrap(KindUnknown, err)
}

// IsRecoverable reports whether err should be retried. The decision is made
// on the error kind alone.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind.Recoverable()
}
