// Package merrors defines AgentMesh's canonical error-kind taxonomy: every
// rejection path in pkg/identity, pkg/policy, pkg/audit, and pkg/trust
// returns one of these kinds, wrapped with component-specific detail, so
// callers can dispatch on kind rather than string-matching messages.
package merrors

import (
	"errors"
	"fmt"
)

// Kind identifies a class of rejection. Kind values are stable across
// releases; adding new kinds is safe, renaming existing ones is not.
type Kind string

const (
	InvalidKey           Kind = "invalid_key"
	UnknownAgent         Kind = "unknown_agent"
	CapabilityEscalation Kind = "capability_escalation"
	DepthExceeded        Kind = "depth_exceeded"
	Expired              Kind = "expired"
	Revoked              Kind = "revoked"
	BadSignature         Kind = "bad_signature"
	BrokenChain          Kind = "broken_chain"
	UnknownSponsor       Kind = "unknown_sponsor"
	PolicyInvalid        Kind = "policy_invalid"
	RateLimited          Kind = "rate_limited"
	EvaluationTimeout    Kind = "evaluation_timeout"
	Tampered             Kind = "tampered"
	StorageFailure       Kind = "storage_failure"
	ApprovalTimeout      Kind = "approval_timeout"
)

// Error wraps a Kind with human-readable detail and an optional cause.
// Kind is always preserved through wrapping, since every caller
// dispatches on it.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error of the given kind with a formatted detail string.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// TamperedAt builds the Tampered kind carrying the offending sequence
// number.
func TamperedAt(seq uint64) *Error {
	return &Error{Kind: Tampered, Detail: fmt.Sprintf("chain integrity violated at sequence %d", seq)}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err is not a *Error.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}
