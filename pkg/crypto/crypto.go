// Package crypto provides the Ed25519 signing/verification and SHA-256
// hashing primitives shared by every other AgentMesh component.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DIDPrefix is prepended to the hex-encoded public key hash to form a DID.
const DIDPrefix = "did:mesh:"

// DIDLength is the number of lowercase hex characters retained from the
// SHA-256 digest of the public key when forming a DID.
const DIDLength = 32

// Signer signs arbitrary byte payloads with an Ed25519 private key.
type Signer interface {
	Sign(data []byte) []byte
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer is the default Signer implementation.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateSigner creates a new random Ed25519 keypair.
func GenerateSigner() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromSeed reconstructs a signer from a 32-byte seed.
func NewSignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: invalid seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the Ed25519 signature over data.
func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// PublicKey returns the signer's 32-byte public key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// PrivateKey exposes the raw private key, needed by callers that hand the
// key to golang-jwt's EdDSA signing method.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Verify checks an Ed25519 signature against a raw 32-byte public key.
// InvalidKey-class malformation is reported via the bool return, not an
// error, since a bad signature and a malformed key are both "not verified"
// to callers that only need a yes/no answer.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// DID deterministically derives an agent DID from its public key:
// did:mesh:<first 32 lowercase hex chars of sha256(pub)>.
func DID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return DIDPrefix + hex.EncodeToString(sum[:])[:DIDLength]
}

// HashHex returns the lowercase hex SHA-256 digest of data.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
