// Package audit implements the tamper-evident, hash-chained audit log:
// append-only typed events with logarithmic inclusion proofs, full-chain
// verification, filtered queries, and CloudEvents export, over a
// pluggable storage backend.
package audit

import (
	"strings"
	"time"
)

// EventType enumerates the audit event categories.
type EventType string

const (
	EventRegistration     EventType = "registration"
	EventPolicyEvaluation EventType = "policy_evaluation"
	EventTrustUpdate      EventType = "trust_update"
	EventRevocation       EventType = "revocation"
	EventDelegation       EventType = "delegation"
	EventCustom           EventType = "custom"
)

// ZeroHash is entry 0's prior hash: 64 '0' characters, the width of a
// SHA-256 hex digest.
var ZeroHash = strings.Repeat("0", 64)

// Entry is one immutable record in the chain.
type Entry struct {
	Seq uint64

	// WallTime is stored alongside the ordering clock for display and
	// querying; it is never used to determine entry order.
	WallTime time.Time
	// MonotonicNanos orders entries independent of wall-clock skew or
	// adjustment; it is nanoseconds elapsed since the store's creation.
	MonotonicNanos int64

	Type    EventType
	Actor   string
	Payload interface{}

	// PayloadCanonical is the exact canonical bytes hashed into Hash.
	// VerifyChain recomputes Hash from these bytes and also checks that
	// Payload still canonicalizes to them.
	PayloadCanonical []byte

	PriorHash string
	Hash      string
}

// Filter selects a subset of entries for Query.
type Filter struct {
	Actor string
	Type  EventType
	Since time.Time
	Until time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.WallTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.WallTime.After(f.Until) {
		return false
	}
	return true
}
