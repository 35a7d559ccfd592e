package state

import (
	"context"
	"fmt"

	"shielder/internal/chain"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

// ValidateOnChain checks that a persisted state belongs to this seed and that
// its note is in the ledger tree at its recorded index.
func ValidateOnChain(ctx context.Context, reader chain.Reader, secrets crypto.SecretManager, s shielder.AccountStateMerkleIndexed) error {
	if !s.ID.Equal(secrets.AccountID(s.Token.Scalar())) {
		return fmt.Errorf("%w: account id of %s does not derive from this seed", shielder.ErrAccountNotOnChain, s.Token)
	}
	if s.Nonce == 0 {
		return fmt.Errorf("%w: %s is stored without any applied transition", shielder.ErrAccountNotOnChain, s.Token)
	}
	if s.Balance == nil || s.Balance.Sign() < 0 {
		return fmt.Errorf("%w: %s has an invalid balance", shielder.ErrAccountNotOnChain, s.Token)
	}
	note := crypto.NoteHash(s.ID, secrets.Nullifier(s.ID, s.Nonce-1), s.Balance, s.Token.Scalar())
	if !note.Equal(s.CurrentNote) {
		return fmt.Errorf("%w: note of %s does not match its nonce and balance", shielder.ErrAccountNotOnChain, s.Token)
	}
	path, root, err := reader.MerklePath(ctx, s.CurrentNoteIndex)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: leaf %d: %v", shielder.ErrAccountNotOnChain, s.CurrentNoteIndex, err)
	}
	computed, err := crypto.MerkleRoot(s.CurrentNote, s.CurrentNoteIndex, path)
	if err != nil {
		return fmt.Errorf("%w: %v", shielder.ErrAccountNotOnChain, err)
	}
	if !computed.Equal(root) {
		return fmt.Errorf("%w: note of %s is not at leaf %d", shielder.ErrAccountNotOnChain, s.Token, s.CurrentNoteIndex)
	}
	return nil
}
