// note.go - Note and nullifier hashing for shielded accounts.
//
// A note binds the protocol version, the account id, the nullifier that will spend it,
// the balance and the token: note = H(version, id, nullifier, balance, token).
// Spending reveals H(nullifier).

package crypto

import "math/big"

// NoteVersion is the first input of every note hash.
const NoteVersion uint64 = 0

// NoteHash computes the note committing to (id, nullifier, balance, token).
func NoteHash(id, nullifier Scalar, balance *big.Int, token Scalar) Scalar {
	return Hash(ScalarFromUint64(NoteVersion), id, nullifier, ScalarFromBigInt(balance), token)
}

// NullifierHash is the public marker revealed when a note is spent.
func NullifierHash(nullifier Scalar) Scalar {
	return Hash(nullifier)
}

// Prenullifier is the marker bound by account creation; it can be spent only once per id.
func Prenullifier(id Scalar) Scalar {
	return Hash(id)
}
