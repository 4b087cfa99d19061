package canonicalize_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/canonicalize"
)

type link struct {
	Sponsor string   `json:"sponsor"`
	Agent   string   `json:"agent"`
	Caps    []string `json:"caps"`
	Depth   int      `json:"depth"`
}

func TestJSONKeyOrderIndependence(t *testing.T) {
	a := link{Sponsor: "did:mesh:aaaa", Agent: "did:mesh:bbbb", Caps: []string{"read", "write"}, Depth: 2}
	b := link{Agent: "did:mesh:bbbb", Sponsor: "did:mesh:aaaa", Caps: []string{"read", "write"}, Depth: 2}

	ca, err := canonicalize.JSON(a)
	require.NoError(t, err)
	cb, err := canonicalize.JSON(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
}

func TestHashDeterministic(t *testing.T) {
	v := link{Sponsor: "did:mesh:aaaa", Agent: "did:mesh:bbbb", Caps: []string{"deploy:*"}, Depth: 1}

	h1, err := canonicalize.Hash(v)
	require.NoError(t, err)
	h2, err := canonicalize.Hash(v)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestHashChangesWithContent(t *testing.T) {
	v1 := link{Sponsor: "did:mesh:aaaa", Agent: "did:mesh:bbbb", Caps: []string{"read"}, Depth: 1}
	v2 := link{Sponsor: "did:mesh:aaaa", Agent: "did:mesh:bbbb", Caps: []string{"write"}, Depth: 1}

	h1, err := canonicalize.Hash(v1)
	require.NoError(t, err)
	h2, err := canonicalize.Hash(v2)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestHashBytesMatchesManualSHA256(t *testing.T) {
	canonical, err := canonicalize.JSON(link{Sponsor: "x", Agent: "y", Caps: nil, Depth: 0})
	require.NoError(t, err)
	sum := sha256.Sum256(canonical)
	require.Equal(t, hex.EncodeToString(sum[:]), canonicalize.HashBytes(canonical))
}
