package crypto

import (
	"github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// Hash is the MiMC sponge over the scalar field, matching the in-circuit hasher
// that absorbs the same elements in the same order.
func Hash(inputs ...Scalar) Scalar {
	h := mimc.NewMiMC()
	for _, in := range inputs {
		// canonical encodings are always one full block below the modulus
		h.Write(in.Bytes())
	}
	return ScalarFromBytes(h.Sum(nil))
}

// HashPair hashes two Merkle siblings, left first.
func HashPair(left, right Scalar) Scalar {
	return Hash(left, right)
}
