// synchronizer.go - Converges persisted account states with the ledger.
//
// Each account is advanced one transition at a time: find, persist, report.
// A state is persisted before the next one is searched for, so an interrupted
// sync resumes from the last stored step. Work on one token is serialized
// through the registry; different tokens do not block each other.

package state

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"shielder/internal/chain"
	"shielder/internal/crypto"
	"shielder/internal/metrics"
	"shielder/internal/shielder"
)

// Synchronizer applies on-chain transitions to the registry.
type Synchronizer struct {
	registry *Registry
	reader   chain.Reader
	secrets  crypto.SecretManager
	finder   *Finder
	tokens   *TokenFinder
	observer func(shielder.ShielderTransaction)
	log      zerolog.Logger
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTransactionObserver calls fn with every applied transaction, in order,
// after it has been persisted.
func WithTransactionObserver(fn func(shielder.ShielderTransaction)) Option {
	return func(s *Synchronizer) {
		s.observer = fn
	}
}

// NewSynchronizer returns a synchronizer storing into registry.
func NewSynchronizer(reader chain.Reader, registry *Registry, secrets crypto.SecretManager, logger zerolog.Logger, opts ...Option) *Synchronizer {
	log := logger.With().Str("component", "sync").Logger()
	s := &Synchronizer{
		registry: registry,
		reader:   reader,
		secrets:  secrets,
		finder:   NewFinder(reader, secrets, logger),
		tokens:   NewTokenFinder(reader, secrets),
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncSingleAccount applies every pending transition of token and returns them
// in application order. A caller that waited for a concurrent sync of the same
// token gets only what remained after it.
func (s *Synchronizer) SyncSingleAccount(ctx context.Context, token shielder.Token) ([]shielder.ShielderTransaction, error) {
	if err := s.registry.lockToken(ctx, token); err != nil {
		return nil, err
	}
	defer s.registry.unlockToken(token)
	return s.syncLocked(ctx, token)
}

func (s *Synchronizer) syncLocked(ctx context.Context, token shielder.Token) ([]shielder.ShielderTransaction, error) {
	stored, err := s.registry.GetIndexedAccountState(token)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", token, err)
	}
	var current shielder.AccountState
	if stored != nil {
		if err := ValidateOnChain(ctx, s.reader, s.secrets, *stored); err != nil {
			return nil, err
		}
		current = stored.AccountState
	} else {
		current = s.registry.CreateEmptyAccountState(token)
	}

	var applied []shielder.ShielderTransaction
	for {
		tr, err := s.finder.FindStateTransition(ctx, current)
		if err != nil {
			return applied, err
		}
		if tr == nil {
			break
		}
		if err := s.registry.UpdateAccountState(token, tr.NewState); err != nil {
			return applied, err
		}
		applied = append(applied, tr.Transaction)
		metrics.RecordSyncedTransaction(tr.Transaction.Kind().String())
		s.log.Info().
			Str("token", token.String()).
			Uint64("nonce", tr.NewState.Nonce).
			Str("balance", tr.NewState.Balance.String()).
			Stringer("kind", tr.Transaction.Kind()).
			Msg("transaction applied")
		if s.observer != nil {
			s.observer(tr.Transaction)
		}
		current = tr.NewState.AccountState
	}
	return applied, nil
}

// SyncAllAccounts syncs every account of this seed, slot by slot, until the
// first slot with no token.
func (s *Synchronizer) SyncAllAccounts(ctx context.Context) ([]shielder.ShielderTransaction, error) {
	var applied []shielder.ShielderTransaction
	for slot := shielder.FirstAccountIndex; ; slot++ {
		token, err := s.registry.TokenByAccountIndex(slot)
		if err != nil {
			return applied, err
		}
		if token == nil {
			token, err = s.tokens.NextUnregistered(ctx, s.registry.IsRegistered)
			if err != nil {
				return applied, err
			}
		}
		if token == nil {
			s.log.Debug().Uint32("slot", slot).Msg("no more accounts")
			return applied, nil
		}
		txs, err := s.SyncSingleAccount(ctx, *token)
		applied = append(applied, txs...)
		if err != nil {
			return applied, err
		}
		registered, err := s.registry.IsRegistered(*token)
		if err != nil {
			return applied, err
		}
		if !registered {
			return applied, fmt.Errorf("%w: account creation of %s found on chain but not applied", shielder.ErrProtocolInvariantViolation, token)
		}
	}
}
