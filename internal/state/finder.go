// finder.go - Locates the on-chain transition that consumes an account state.
//
// A state at nonce 0 is consumed by the NewAccount event that reveals the
// prenullifier H(id). A state at nonce n > 0 holds a note spendable by
// nullifier(id, n-1) and is consumed by the event that reveals its hash.

package state

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"shielder/internal/actions"
	"shielder/internal/chain"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

// StateTransition is one applied on-chain transition and the state it produces.
type StateTransition struct {
	Transaction shielder.ShielderTransaction
	NewState    shielder.AccountStateMerkleIndexed
}

// Finder reads transitions from the ledger. It never mutates anything.
type Finder struct {
	reader  chain.Reader
	secrets crypto.SecretManager
	log     zerolog.Logger
}

// NewFinder returns a finder over reader.
func NewFinder(reader chain.Reader, secrets crypto.SecretManager, logger zerolog.Logger) *Finder {
	return &Finder{reader: reader, secrets: secrets, log: logger.With().Str("component", "finder").Logger()}
}

// Marker returns the value revealed on chain by the transition consuming s.
func Marker(secrets crypto.SecretManager, s shielder.AccountState) crypto.Scalar {
	if s.Nonce == 0 {
		return crypto.Prenullifier(s.ID)
	}
	return crypto.NullifierHash(secrets.Nullifier(s.ID, s.Nonce-1))
}

// FindStateTransition returns the transition consuming s, or nil if the ledger
// has none yet.
func (f *Finder) FindStateTransition(ctx context.Context, s shielder.AccountState) (*StateTransition, error) {
	marker := Marker(f.secrets, s)
	block, found, err := f.reader.NullifierBlock(ctx, marker)
	if err != nil {
		return nil, fmt.Errorf("failed to look up marker of nonce %d: %w", s.Nonce, err)
	}
	if !found {
		return nil, nil
	}
	events, err := f.reader.EventsInBlock(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", block, err)
	}

	var match *chain.Event
	for i := range events {
		if !events[i].Marker.Equal(marker) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: marker %s spent twice in block %d", shielder.ErrProtocolInvariantViolation, marker, block)
		}
		match = &events[i]
	}
	if match == nil {
		return nil, fmt.Errorf("%w: marker %s reported spent in block %d but no event spends it", shielder.ErrProtocolInvariantViolation, marker, block)
	}
	if err := checkEvent(s, match); err != nil {
		return nil, err
	}

	next, err := actions.RawTransition(f.secrets, s, match.Kind, match.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", shielder.ErrProtocolInvariantViolation, block, err)
	}
	if !next.CurrentNote.Equal(match.NewNote) {
		return nil, fmt.Errorf("%w: block %d: note %s does not match the expected %s",
			shielder.ErrProtocolInvariantViolation, block, match.NewNote, next.CurrentNote)
	}
	f.log.Debug().
		Str("token", s.Token.String()).
		Uint64("nonce", s.Nonce).
		Stringer("kind", match.Kind).
		Uint64("block", block).
		Msg("transition found")
	return &StateTransition{
		Transaction: match.Transaction(),
		NewState: shielder.AccountStateMerkleIndexed{
			AccountState:     *next,
			CurrentNoteIndex: match.NewNoteIndex,
		},
	}, nil
}

func checkEvent(s shielder.AccountState, ev *chain.Event) error {
	if ev.Token != s.Token.Address {
		return fmt.Errorf("%w: block %d spends an account of %s with a %s event",
			shielder.ErrProtocolInvariantViolation, ev.Block, s.Token, shielder.ERC20Token(ev.Token))
	}
	if (s.Nonce == 0) != (ev.Kind == shielder.TxNewAccount) {
		return fmt.Errorf("%w: block %d applies %s to an account at nonce %d",
			shielder.ErrProtocolInvariantViolation, ev.Block, ev.Kind, s.Nonce)
	}
	if ev.Amount == nil {
		return fmt.Errorf("%w: block %d: event has no amount", shielder.ErrProtocolInvariantViolation, ev.Block)
	}
	return nil
}
