package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLeaves(n int) []string {
	leaves := make([]string, n)
	for i := range leaves {
		leaves[i] = LeafHash(fmt.Sprintf("entry-%d", i))
	}
	return leaves
}

func TestEmptyTreeHasNoRoot(t *testing.T) {
	require.Equal(t, "", Build(nil).Root())
}

func TestSingleLeafRootIsTheLeaf(t *testing.T) {
	leaves := testLeaves(1)
	require.Equal(t, leaves[0], Build(leaves).Root())
}

func TestRootIsDeterministic(t *testing.T) {
	leaves := testLeaves(7)
	require.Equal(t, Build(leaves).Root(), Build(leaves).Root())
}

func TestRootChangesWithAnyLeaf(t *testing.T) {
	leaves := testLeaves(8)
	root := Build(leaves).Root()

	for i := range leaves {
		mutated := append([]string(nil), leaves...)
		mutated[i] = LeafHash("tampered")
		require.NotEqual(t, root, Build(mutated).Root(), "leaf %d", i)
	}
}

func TestRootChangesWithLeafOrder(t *testing.T) {
	leaves := testLeaves(4)
	root := Build(leaves).Root()

	swapped := append([]string(nil), leaves...)
	swapped[1], swapped[2] = swapped[2], swapped[1]
	require.NotEqual(t, root, Build(swapped).Root())
}

func TestLeafHashDomainSeparation(t *testing.T) {
	// A leaf over some content never equals an interior node over the
	// same bytes.
	h := LeafHash("content")
	require.NotEqual(t, h, nodeHash("content", "content"))
}

func TestBuildDoesNotAliasInput(t *testing.T) {
	leaves := testLeaves(3)
	tree := Build(leaves)
	leaves[0] = "mutated-after-build"
	require.NotEqual(t, leaves[0], tree.Levels[0][0])
}
