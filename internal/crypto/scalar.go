// scalar.go - Field elements of the proving curve (BW6-761 scalar field).
//
// Every hashed value in the pool (ids, nullifiers, notes, Merkle nodes) is a Scalar.
// Scalars serialize as 48-byte big-endian canonical encodings.

package crypto

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
)

// ScalarSize is the length of a canonical Scalar encoding.
const ScalarSize = fr.Bytes

// Scalar is an element of the BW6-761 scalar field.
type Scalar struct {
	v fr.Element
}

// ScalarFromUint64 returns x as a Scalar.
func ScalarFromUint64(x uint64) Scalar {
	var s Scalar
	s.v.SetUint64(x)
	return s
}

// ScalarFromBigInt reduces x modulo the field order.
func ScalarFromBigInt(x *big.Int) Scalar {
	var s Scalar
	s.v.SetBigInt(x)
	return s
}

// ScalarFromBytes interprets b as a big-endian integer reduced modulo the field order.
func ScalarFromBytes(b []byte) Scalar {
	var s Scalar
	s.v.SetBytes(b)
	return s
}

// ScalarFromCanonical decodes a 48-byte canonical encoding, rejecting values outside the field.
func ScalarFromCanonical(b []byte) (Scalar, error) {
	var s Scalar
	if len(b) != ScalarSize {
		return s, fmt.Errorf("invalid scalar length %d, want %d", len(b), ScalarSize)
	}
	if err := s.v.SetBytesCanonical(b); err != nil {
		return s, fmt.Errorf("non-canonical scalar: %w", err)
	}
	return s, nil
}

// ScalarFromHex decodes a 0x-prefixed or bare hex canonical encoding.
func ScalarFromHex(h string) (Scalar, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return Scalar{}, fmt.Errorf("failed to decode scalar hex: %w", err)
	}
	return ScalarFromCanonical(b)
}

// RandomScalar returns a uniformly random Scalar.
func RandomScalar() (Scalar, error) {
	var s Scalar
	if _, err := s.v.SetRandom(); err != nil {
		return s, fmt.Errorf("failed to sample scalar: %w", err)
	}
	return s, nil
}

// Bytes returns the canonical 48-byte encoding.
func (s Scalar) Bytes() []byte {
	b := s.v.Bytes()
	return b[:]
}

// BigInt returns s as a non-negative integer.
func (s Scalar) BigInt() *big.Int {
	return s.v.BigInt(new(big.Int))
}

// Element returns the underlying field element.
func (s Scalar) Element() fr.Element {
	return s.v
}

// Equal reports whether s and o are the same element.
func (s Scalar) Equal(o Scalar) bool {
	return s.v.Equal(&o.v)
}

// IsZero reports whether s is the additive identity.
func (s Scalar) IsZero() bool {
	return s.v.IsZero()
}

// Hex returns the 0x-prefixed canonical encoding.
func (s Scalar) Hex() string {
	return "0x" + hex.EncodeToString(s.Bytes())
}

func (s Scalar) String() string {
	return s.Hex()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s Scalar) MarshalBinary() ([]byte, error) {
	return s.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *Scalar) UnmarshalBinary(b []byte) error {
	v, err := ScalarFromCanonical(b)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Scalar) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scalar) UnmarshalText(text []byte) error {
	v, err := ScalarFromHex(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
