package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"shielder/internal/chain"
	"shielder/internal/circuits"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

// Builder holds the capabilities shared by every action. Builders are not
// locked: callers must not build two transitions from the same state.
type Builder struct {
	secrets  crypto.SecretManager
	reader   chain.Reader
	writer   chain.Writer
	prover   circuits.Prover
	verifier circuits.Verifier
	log      zerolog.Logger
}

// Config wires a Builder.
type Config struct {
	Secrets  crypto.SecretManager
	Reader   chain.Reader
	Writer   chain.Writer
	Prover   circuits.Prover
	Verifier circuits.Verifier
	Logger   zerolog.Logger
}

// NewBuilder returns a builder over cfg.
func NewBuilder(cfg Config) *Builder {
	return &Builder{
		secrets:  cfg.Secrets,
		reader:   cfg.Reader,
		writer:   cfg.Writer,
		prover:   cfg.Prover,
		verifier: cfg.Verifier,
		log:      cfg.Logger.With().Str("component", "actions").Logger(),
	}
}

// NewAccount returns the account creation action.
func (b *Builder) NewAccount() *NewAccountAction { return &NewAccountAction{b: b} }

// Deposit returns the deposit action.
func (b *Builder) Deposit() *DepositAction { return &DepositAction{b: b} }

// Withdraw returns the withdrawal action.
func (b *Builder) Withdraw() *WithdrawAction { return &WithdrawAction{b: b} }

func versionOrDefault(v uint32) uint32 {
	if v == 0 {
		return shielder.ContractVersion
	}
	return v
}

func zeroIfNil(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// prove runs the prover on advice and checks the proof against the public
// inputs derived locally, so a faulty prover cannot substitute other inputs.
func (b *Builder) prove(ctx context.Context, t circuits.CircuitType, advice any, expected any) (*circuits.Proof, error) {
	adviceBytes, err := circuits.EncodeAdvice(advice)
	if err != nil {
		return nil, err
	}
	expectedPub, err := circuits.EncodePubInputs(expected)
	if err != nil {
		return nil, err
	}
	proof, err := b.prover.Prove(ctx, t, adviceBytes)
	if err != nil {
		return nil, &shielder.ProofGenerationError{Cause: err}
	}
	if !bytes.Equal(proof.PubInputs, expectedPub) {
		return nil, fmt.Errorf("%w: %s public inputs differ from the requested transition", shielder.ErrProofVerification, t)
	}
	if err := b.verifier.Verify(t, proof); err != nil {
		return nil, fmt.Errorf("%w: %v", shielder.ErrProofVerification, err)
	}
	b.log.Debug().Stringer("circuit", t).Int("proof_size", len(proof.Proof)).Msg("proof generated and verified")
	return proof, nil
}

// spendWitness fetches the membership path of s and assembles the advice of a
// spend of amount.
func (b *Builder) spendWitness(ctx context.Context, s shielder.AccountStateMerkleIndexed, amount *big.Int, commitment crypto.Scalar) (*circuits.SpendAdvice, error) {
	path, root, err := b.reader.MerklePath(ctx, s.CurrentNoteIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch merkle path of leaf %d: %w", s.CurrentNoteIndex, err)
	}
	computed, err := crypto.MerkleRoot(s.CurrentNote, s.CurrentNoteIndex, path)
	if err != nil {
		return nil, err
	}
	if !computed.Equal(root) {
		return nil, fmt.Errorf("%w: note %s is not at leaf %d", shielder.ErrAccountNotOnChain, s.CurrentNote, s.CurrentNoteIndex)
	}
	salt, err := crypto.RandomScalar()
	if err != nil {
		return nil, err
	}
	return &circuits.SpendAdvice{
		ID:           s.ID,
		NullifierOld: b.secrets.Nullifier(s.ID, s.Nonce-1),
		BalanceOld:   crypto.ScalarFromBigInt(s.Balance),
		NullifierNew: b.secrets.Nullifier(s.ID, s.Nonce),
		Amount:       crypto.ScalarFromBigInt(amount),
		Token:        s.Token.Scalar(),
		Commitment:   commitment,
		MacSalt:      salt,
		NoteIndex:    s.CurrentNoteIndex,
		Path:         path,
	}, nil
}

// submitted maps a ledger submission failure. A version mismatch is returned
// as is so callers can ask the user to upgrade.
func submitted(err error, versionMismatch error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, versionMismatch) {
		return shielder.ErrOutdatedContractVersion
	}
	return &shielder.SubmissionError{Cause: err}
}
