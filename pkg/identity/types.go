package identity

import (
	"crypto/ed25519"
	"time"
)

// Status is the lifecycle state of an Identity.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Identity is one registered agent. The registry never holds a private
// key; agents sign with keys only they possess.
type Identity struct {
	DID          string
	PublicKey    ed25519.PublicKey
	Sponsor      string // empty for identities with no human sponsor
	CreatedAt    time.Time
	Status       Status
	Capabilities CapabilitySet
}

// Credential is a short-lived token binding a DID to its effective
// capability set. Raw is the encoded JWT; the remaining fields mirror its
// claims for callers that don't want to re-parse it.
type Credential struct {
	DID       string
	Caps      CapabilitySet
	IssuedAt  time.Time
	ExpiresAt time.Time
	Raw       string
}

// Expired reports whether the credential's expiry has passed as of now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RemainingTTL returns how much validity is left as of now.
func (c Credential) RemainingTTL(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}
