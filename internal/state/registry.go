// registry.go - Persisted account states of one seed, one record per token.
//
// Keys:
//   account/<token address>  -> accountRecord
//   index/<slot>             -> indexRecord (token registered at that slot)
//
// Slots are assigned in registration order starting at FirstAccountIndex.

package state

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"shielder/internal/crypto"
	"shielder/internal/shielder"
	"shielder/internal/storage"
)

var (
	accountPrefix = []byte("account/")
	indexPrefix   = []byte("index/")
)

func accountKey(t shielder.Token) []byte {
	return append(append([]byte(nil), accountPrefix...), t.Address.Bytes()...)
}

func indexKey(slot uint32) []byte {
	return append(append([]byte(nil), indexPrefix...), fmt.Sprintf("%010d", slot)...)
}

type accountRecord struct {
	ID          crypto.Scalar `cbor:"id"`
	Token       []byte        `cbor:"token"`
	Nonce       uint64        `cbor:"nonce"`
	Balance     *big.Int      `cbor:"balance"`
	CurrentNote crypto.Scalar `cbor:"current_note"`
	NoteIndex   uint64        `cbor:"note_index"`
	Slot        uint32        `cbor:"slot"`
}

type indexRecord struct {
	Token []byte `cbor:"token"`
}

// Registry stores account states. It also owns the per-token sync locks, so
// every synchronizer sharing one registry is serialized per token.
type Registry struct {
	store   *storage.Store
	secrets crypto.SecretManager
	mu      sync.Mutex // serializes slot assignment
	locks   *lockmap[shielder.Token]
}

// NewRegistry returns a registry over store for the accounts of secrets.
func NewRegistry(store *storage.Store, secrets crypto.SecretManager) *Registry {
	return &Registry{store: store, secrets: secrets, locks: newLockmap[shielder.Token]()}
}

func (r *Registry) lockToken(ctx context.Context, t shielder.Token) error {
	return r.locks.Lock(ctx, t)
}

func (r *Registry) unlockToken(t shielder.Token) {
	r.locks.Unlock(t)
}

func (r *Registry) record(t shielder.Token) (*accountRecord, error) {
	var rec accountRecord
	found, err := r.store.Get(accountKey(t), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (rec *accountRecord) state() *shielder.AccountStateMerkleIndexed {
	balance := new(big.Int)
	if rec.Balance != nil {
		balance.Set(rec.Balance)
	}
	return &shielder.AccountStateMerkleIndexed{
		AccountState: shielder.AccountState{
			ID:          rec.ID,
			Token:       shielder.ERC20Token(common.BytesToAddress(rec.Token)),
			Nonce:       rec.Nonce,
			Balance:     balance,
			CurrentNote: rec.CurrentNote,
		},
		CurrentNoteIndex: rec.NoteIndex,
	}
}

// GetAccountState returns the stored state of token, or nil.
func (r *Registry) GetAccountState(t shielder.Token) (*shielder.AccountState, error) {
	s, err := r.GetIndexedAccountState(t)
	if err != nil || s == nil {
		return nil, err
	}
	return &s.AccountState, nil
}

// GetIndexedAccountState returns the stored state of token with its note index, or nil.
func (r *Registry) GetIndexedAccountState(t shielder.Token) (*shielder.AccountStateMerkleIndexed, error) {
	rec, err := r.record(t)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.state(), nil
}

// CreateEmptyAccountState returns the nonce-0 state of token. Nothing is stored.
func (r *Registry) CreateEmptyAccountState(t shielder.Token) shielder.AccountState {
	return shielder.EmptyAccountState(r.secrets.AccountID(t.Scalar()), t)
}

// UpdateAccountState stores s as the state of token, registering token at the
// next free slot on first write.
func (r *Registry) UpdateAccountState(t shielder.Token, s shielder.AccountStateMerkleIndexed) error {
	if s.Token != t {
		return fmt.Errorf("state of %s stored under %s", s.Token, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.record(t)
	if err != nil {
		return err
	}
	batch := r.store.NewBatch()
	var slot uint32
	if prev != nil {
		slot = prev.Slot
	} else {
		n, err := r.store.Count(indexPrefix)
		if err != nil {
			return fmt.Errorf("failed to count accounts: %w", err)
		}
		slot = shielder.FirstAccountIndex + uint32(n)
		batch.Put(indexKey(slot), indexRecord{Token: t.Address.Bytes()})
	}
	batch.Put(accountKey(t), accountRecord{
		ID:          s.ID,
		Token:       t.Address.Bytes(),
		Nonce:       s.Nonce,
		Balance:     s.Balance,
		CurrentNote: s.CurrentNote,
		NoteIndex:   s.CurrentNoteIndex,
		Slot:        slot,
	})
	if err := r.store.Write(batch); err != nil {
		return fmt.Errorf("failed to store account %s: %w", t, err)
	}
	return nil
}

// TokenByAccountIndex returns the token registered at slot, or nil.
func (r *Registry) TokenByAccountIndex(slot uint32) (*shielder.Token, error) {
	var rec indexRecord
	found, err := r.store.Get(indexKey(slot), &rec)
	if err != nil || !found {
		return nil, err
	}
	t := shielder.ERC20Token(common.BytesToAddress(rec.Token))
	return &t, nil
}

// IsRegistered reports whether token has a stored state.
func (r *Registry) IsRegistered(t shielder.Token) (bool, error) {
	return r.store.Has(accountKey(t))
}

// Accounts returns every stored state in slot order.
func (r *Registry) Accounts() ([]shielder.AccountStateMerkleIndexed, error) {
	var out []shielder.AccountStateMerkleIndexed
	for slot := shielder.FirstAccountIndex; ; slot++ {
		t, err := r.TokenByAccountIndex(slot)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return out, nil
		}
		s, err := r.GetIndexedAccountState(*t)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("slot %d points to %s which has no state", slot, t)
		}
		out = append(out, *s)
	}
}
