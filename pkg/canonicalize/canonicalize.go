// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// compliant byte representations of AgentMesh artifacts, used everywhere a
// hash must be reproducible across processes and languages: delegation
// link hashing and signing, and audit entry hashing.
//
// Changing this canonical form is a breaking change: every previously
// computed hash becomes unverifiable against freshly computed ones.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON returns the JCS canonical form of v. v is first passed through the
// standard marshaler so that Go struct tags are respected, then the
// resulting bytes are transformed into RFC 8785 canonical form (sorted
// keys, no insignificant whitespace, canonical number formatting).
func JSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// Hash returns the lowercase hex SHA-256 digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	canonical, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
