package chain

import (
	"fmt"

	"shielder/internal/crypto"
)

// MerkleTree is an append-only MiMC tree of fixed depth. Empty leaves are zero.
type MerkleTree struct {
	depth int
	zeros []crypto.Scalar   // zeros[l] is the root of an empty subtree of height l
	nodes [][]crypto.Scalar // nodes[l] holds the filled nodes of level l, leaves at 0
}

// NewMerkleTree returns an empty tree.
func NewMerkleTree(depth int) *MerkleTree {
	zeros := make([]crypto.Scalar, depth+1)
	for l := 1; l <= depth; l++ {
		zeros[l] = crypto.HashPair(zeros[l-1], zeros[l-1])
	}
	return &MerkleTree{
		depth: depth,
		zeros: zeros,
		nodes: make([][]crypto.Scalar, depth+1),
	}
}

// Depth returns the number of levels above the leaves.
func (t *MerkleTree) Depth() int {
	return t.depth
}

// Size returns the number of appended leaves.
func (t *MerkleTree) Size() uint64 {
	return uint64(len(t.nodes[0]))
}

func (t *MerkleTree) node(level int, i uint64) crypto.Scalar {
	if i < uint64(len(t.nodes[level])) {
		return t.nodes[level][i]
	}
	return t.zeros[level]
}

// Append adds a leaf and returns its index.
func (t *MerkleTree) Append(leaf crypto.Scalar) (uint64, error) {
	index := t.Size()
	if t.depth < 64 && index>>uint(t.depth) != 0 {
		return 0, ErrTreeFull
	}
	t.nodes[0] = append(t.nodes[0], leaf)
	i := index
	for l := 1; l <= t.depth; l++ {
		i >>= 1
		parent := crypto.HashPair(t.node(l-1, 2*i), t.node(l-1, 2*i+1))
		if i < uint64(len(t.nodes[l])) {
			t.nodes[l][i] = parent
		} else {
			t.nodes[l] = append(t.nodes[l], parent)
		}
	}
	return index, nil
}

// Root returns the current root.
func (t *MerkleTree) Root() crypto.Scalar {
	return t.node(t.depth, 0)
}

// Leaf returns the leaf at index.
func (t *MerkleTree) Leaf(index uint64) (crypto.Scalar, error) {
	if index >= t.Size() {
		return crypto.Scalar{}, fmt.Errorf("leaf %d not in tree of size %d", index, t.Size())
	}
	return t.nodes[0][index], nil
}

// Path returns the siblings of leaf index from the bottom up.
func (t *MerkleTree) Path(index uint64) ([]crypto.Scalar, error) {
	if index >= t.Size() {
		return nil, fmt.Errorf("leaf %d not in tree of size %d", index, t.Size())
	}
	path := make([]crypto.Scalar, t.depth)
	i := index
	for l := 0; l < t.depth; l++ {
		path[l] = t.node(l, i^1)
		i >>= 1
	}
	return path, nil
}
