package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProveAndVerifyEveryPosition(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13, 100} {
		leaves := testLeaves(n)
		root := Build(leaves).Root()
		for i := 0; i < n; i++ {
			proof, ok := Prove(leaves, i)
			require.True(t, ok, "n=%d i=%d", n, i)
			require.True(t, Verify(proof, root), "n=%d i=%d", n, i)
		}
	}
}

func TestProofSizeIsLogarithmic(t *testing.T) {
	leaves := testLeaves(1024)
	proof, ok := Prove(leaves, 317)
	require.True(t, ok)
	require.Equal(t, 10, len(proof.Path))
}

func TestProofFailsAgainstWrongRoot(t *testing.T) {
	leaves := testLeaves(8)
	proof, ok := Prove(leaves, 3)
	require.True(t, ok)

	otherRoot := Build(testLeaves(9)).Root()
	require.False(t, Verify(proof, otherRoot))
}

func TestProofFailsForTamperedLeaf(t *testing.T) {
	leaves := testLeaves(8)
	root := Build(leaves).Root()

	proof, ok := Prove(leaves, 3)
	require.True(t, ok)
	proof.LeafHash = LeafHash("tampered")
	require.False(t, Verify(proof, root))
}

func TestProofFailsForTamperedPath(t *testing.T) {
	leaves := testLeaves(8)
	root := Build(leaves).Root()

	proof, ok := Prove(leaves, 5)
	require.True(t, ok)
	proof.Path[1].Hash = LeafHash("not-a-sibling")
	require.False(t, Verify(proof, root))
}

func TestProofDoesNotVerifyAtDifferentPosition(t *testing.T) {
	leaves := testLeaves(8)
	root := Build(leaves).Root()

	proof, ok := Prove(leaves, 2)
	require.True(t, ok)

	// Re-rooting the same path with flipped sides simulates claiming a
	// different position; the recomputed root must differ.
	for i := range proof.Path {
		flipped := proof
		flipped.Path = append([]ProofStep(nil), proof.Path...)
		if flipped.Path[i].Side == SideLeft {
			flipped.Path[i].Side = SideRight
		} else {
			flipped.Path[i].Side = SideLeft
		}
		require.False(t, Verify(flipped, root), "step %d", i)
	}
}

func TestProveOutOfRange(t *testing.T) {
	leaves := testLeaves(4)
	_, ok := Prove(leaves, -1)
	require.False(t, ok)
	_, ok = Prove(leaves, 4)
	require.False(t, ok)
}
