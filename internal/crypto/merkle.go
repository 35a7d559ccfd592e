package crypto

import "fmt"

// MerkleRoot folds leaf up a binary MiMC tree along path.
// Bit i of index selects whether the node at level i is the right child.
func MerkleRoot(leaf Scalar, index uint64, path []Scalar) (Scalar, error) {
	if len(path) < 64 && index>>uint(len(path)) != 0 {
		return Scalar{}, fmt.Errorf("leaf index %d out of range for depth %d", index, len(path))
	}
	cur := leaf
	for _, sib := range path {
		if index&1 == 0 {
			cur = HashPair(cur, sib)
		} else {
			cur = HashPair(sib, cur)
		}
		index >>= 1
	}
	return cur, nil
}
