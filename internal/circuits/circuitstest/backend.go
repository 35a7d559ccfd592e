// Package circuitstest provides a fast Backend for tests. It derives the real
// public inputs from the advice but replaces the proof by a digest, so proofs
// verify only against the exact public inputs they were made for.
package circuitstest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"

	"shielder/internal/circuits"
)

// ErrInvalidProof is returned by Verify for a mismatching proof.
var ErrInvalidProof = errors.New("invalid proof")

// Backend is a circuits.Backend with hooks for failure injection.
type Backend struct {
	mu sync.Mutex

	// ProveErr, when set, is returned by every Prove call.
	ProveErr error
	// Tamper, when set, flips a byte of every produced proof.
	Tamper bool

	proveCalls map[circuits.CircuitType]int
}

// New returns a Backend that proves and verifies successfully.
func New() *Backend {
	return &Backend{proveCalls: make(map[circuits.CircuitType]int)}
}

func digest(t circuits.CircuitType, pub []byte) []byte {
	h := sha256.New()
	h.Write([]byte{byte(t)})
	h.Write(pub)
	return h.Sum(nil)
}

// Prove implements circuits.Prover.
func (b *Backend) Prove(ctx context.Context, t circuits.CircuitType, advice []byte) (*circuits.Proof, error) {
	b.mu.Lock()
	b.proveCalls[t]++
	proveErr, tamper := b.ProveErr, b.Tamper
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if proveErr != nil {
		return nil, proveErr
	}
	pub, err := circuits.PublicInputs(t, advice)
	if err != nil {
		return nil, err
	}
	proof := digest(t, pub)
	if tamper {
		proof[0] ^= 0xff
	}
	return &circuits.Proof{Proof: proof, PubInputs: pub}, nil
}

// Verify implements circuits.Verifier.
func (b *Backend) Verify(t circuits.CircuitType, p *circuits.Proof) error {
	if p == nil || !bytes.Equal(p.Proof, digest(t, p.PubInputs)) {
		return ErrInvalidProof
	}
	return nil
}

// ProveCalls returns how many times Prove was called for t.
func (b *Backend) ProveCalls(t circuits.CircuitType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proveCalls[t]
}

// SetProveErr changes the injected prover failure.
func (b *Backend) SetProveErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ProveErr = err
}

// SetTamper toggles proof corruption.
func (b *Backend) SetTamper(tamper bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Tamper = tamper
}
