package crypto

import (
	"golang.org/x/crypto/sha3"
)

// Domain separators for seed-derived values.
var (
	idDomain        = ScalarFromUint64(0x6964)   // "id"
	nullifierDomain = ScalarFromUint64(0x6e756c) // "nul"
)

// SecretManager derives the deterministic per-account secrets of one seed.
type SecretManager interface {
	// AccountID returns the id of the account holding token.
	AccountID(token Scalar) Scalar
	// Nullifier returns the nullifier of the note created at transition nonce of account id.
	Nullifier(id Scalar, nonce uint64) Scalar
}

// SeedSecrets derives secrets from a private seed.
type SeedSecrets struct {
	seed Scalar
}

// NewSeedSecrets hashes privateKey into a field seed.
func NewSeedSecrets(privateKey []byte) *SeedSecrets {
	h := sha3.NewLegacyKeccak256()
	h.Write(privateKey)
	return &SeedSecrets{seed: ScalarFromBytes(h.Sum(nil))}
}

// AccountID implements SecretManager.
func (s *SeedSecrets) AccountID(token Scalar) Scalar {
	return Hash(s.seed, token, idDomain)
}

// Nullifier implements SecretManager.
func (s *SeedSecrets) Nullifier(id Scalar, nonce uint64) Scalar {
	return Hash(s.seed, nullifierDomain, id, ScalarFromUint64(nonce))
}
