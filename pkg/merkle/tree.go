// Package merkle builds the binary Merkle tree over audit log entries
// that backs logarithmic inclusion proofs. Leaf and interior hashes are
// domain-separated; odd-length levels duplicate their last element.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

const (
	leafDomain = "agentmesh:audit:leaf:v1"
	nodeDomain = "agentmesh:audit:node:v1"
)

// LeafHash derives a tree leaf hash from an audit entry's own content
// hash, domain-separated from interior nodes so a leaf can never be
// mistaken for a node two levels up (a standard second-preimage
// defense for Merkle trees).
func LeafHash(entryHash string) string {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(entryHash)
	return sha256Hex(buf.Bytes())
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

// Tree is the full set of levels of a binary Merkle tree built over an
// ordered list of leaf hashes, levels[0] being the leaves themselves and
// the last level holding exactly the root.
type Tree struct {
	Levels [][]string
}

// Root returns the tree's root hash, or "" for an empty tree.
func (t *Tree) Root() string {
	if len(t.Levels) == 0 {
		return ""
	}
	top := t.Levels[len(t.Levels)-1]
	if len(top) == 0 {
		return ""
	}
	return top[0]
}

// Build constructs the tree from an ordered slice of pre-hashed leaves.
// Rebuilding from scratch on every append is O(n) but keeps the
// implementation's correctness easy to audit; callers needing O(log n)
// amortized append can cache and extend Levels themselves.
func Build(leaves []string) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}

	t := &Tree{Levels: [][]string{append([]string(nil), leaves...)}}
	level := t.Levels[0]
	for len(level) > 1 {
		level = nextLevel(level)
		t.Levels = append(t.Levels, level)
	}
	return t
}

func nextLevel(level []string) []string {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	next := make([]string, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = nodeHash(level[i], level[i+1])
	}
	return next
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
