package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentmesh/mesh/pkg/merrors"
)

// credentialClaims is the wire shape of a credential's signed payload,
// carried as JWT claims so issuance and verification reuse golang-jwt's
// EdDSA machinery.
type credentialClaims struct {
	jwt.RegisteredClaims
	Caps CapabilitySet `json:"caps"`
}

// DefaultCredentialTTL is how long a credential stays valid unless the
// issuer requests otherwise.
const DefaultCredentialTTL = 15 * time.Minute

// DefaultRotationLead is how much remaining validity triggers re-issue.
const DefaultRotationLead = 5 * time.Minute

func issueCredential(ks *IssuerKeySet, did string, caps CapabilitySet, ttl time.Duration, now time.Time) (Credential, error) {
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "agentmesh/identity",
		},
		Caps: caps,
	}

	raw, err := ks.sign(claims)
	if err != nil {
		return Credential{}, merrors.Wrap(merrors.StorageFailure, err, "sign credential for %s", did)
	}

	return Credential{
		DID:       did,
		Caps:      caps,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Raw:       raw,
	}, nil
}

// ParseCredential validates a credential's signature and expiry, returning
// its claims. Callers that need a fresh Expired()/RemainingTTL() view
// should also track the returned Credential against their own clock.
func (ks *IssuerKeySet) ParseCredential(raw string) (Credential, error) {
	token, err := jwt.ParseWithClaims(raw, &credentialClaims{}, ks.keyFunc())
	if err != nil {
		return Credential{}, merrors.Wrap(merrors.BadSignature, err, "parse credential")
	}
	claims, ok := token.Claims.(*credentialClaims)
	if !ok || !token.Valid {
		return Credential{}, merrors.New(merrors.BadSignature, "credential signature invalid")
	}

	return Credential{
		DID:       claims.Subject,
		Caps:      claims.Caps,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
		Raw:       raw,
	}, nil
}
