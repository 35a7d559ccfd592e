package state

import (
	"context"
	"fmt"

	"shielder/internal/chain"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

// TokenFinder discovers tokens for which this seed created an account on
// chain. Account creations are scanned in block order.
type TokenFinder struct {
	reader  chain.Reader
	secrets crypto.SecretManager
}

// NewTokenFinder returns a token finder over reader.
func NewTokenFinder(reader chain.Reader, secrets crypto.SecretManager) *TokenFinder {
	return &TokenFinder{reader: reader, secrets: secrets}
}

// NextUnregistered returns the first token created on chain by this seed for
// which skip reports false, or nil when there is none.
func (f *TokenFinder) NextUnregistered(ctx context.Context, skip func(shielder.Token) (bool, error)) (*shielder.Token, error) {
	latest, err := f.reader.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	for block := uint64(1); block <= latest; block++ {
		events, err := f.reader.EventsInBlock(ctx, block)
		if err != nil {
			return nil, fmt.Errorf("failed to read block %d: %w", block, err)
		}
		for _, ev := range events {
			if ev.Kind != shielder.TxNewAccount {
				continue
			}
			token := shielder.ERC20Token(ev.Token)
			if !crypto.Prenullifier(f.secrets.AccountID(token.Scalar())).Equal(ev.Marker) {
				continue
			}
			registered, err := skip(token)
			if err != nil {
				return nil, err
			}
			if !registered {
				return &token, nil
			}
		}
	}
	return nil, nil
}
