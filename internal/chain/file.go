package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"shielder/internal/circuits"
	"shielder/internal/crypto"
)

const fileLockRetry = 10 * time.Millisecond

// FileLedger is a Ledger persisted in a JSON file shared by several processes.
// Reads use the snapshot loaded by the last Refresh. Each write takes an
// exclusive lock on <path>.lock, reloads the file, applies the call and saves
// the result before releasing it.
type FileLedger struct {
	path     string
	depth    int
	verifier circuits.Verifier
	log      zerolog.Logger
	lock     *flock.Flock

	mu     sync.RWMutex
	wmu    sync.Mutex // one writer per handle; flock is per file description
	ledger *Ledger
}

var (
	_ Reader = (*FileLedger)(nil)
	_ Writer = (*FileLedger)(nil)
)

// OpenFileLedger loads the ledger at path, creating an empty one if needed.
func OpenFileLedger(path string, depth int, verifier circuits.Verifier, logger zerolog.Logger) (*FileLedger, error) {
	f := &FileLedger{
		path:     path,
		depth:    depth,
		verifier: verifier,
		log:      logger,
		lock:     flock.New(path + ".lock"),
	}
	if err := f.Refresh(); err != nil {
		return nil, err
	}
	return f, nil
}

// Refresh reloads the snapshot from disk.
func (f *FileLedger) Refresh() error {
	l, err := OpenLedger(f.path, f.depth, f.verifier, f.log)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.ledger = l
	f.mu.Unlock()
	return nil
}

// Snapshot returns the ledger loaded by the last Refresh or write.
func (f *FileLedger) Snapshot() *Ledger {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ledger
}

func (f *FileLedger) write(ctx context.Context, apply func(*Ledger) (common.Hash, error)) (common.Hash, error) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	locked, err := f.lock.TryLockContext(ctx, fileLockRetry)
	if err != nil {
		return common.Hash{}, fmt.Errorf("flock %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return common.Hash{}, fmt.Errorf("flock %s: not acquired", f.lock.Path())
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			f.log.Error().Err(err).Str("path", f.lock.Path()).Msg("failed to release ledger lock")
		}
	}()

	l, err := OpenLedger(f.path, f.depth, f.verifier, f.log)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := apply(l)
	if err != nil {
		return common.Hash{}, err
	}
	if err := l.SaveToFile(f.path); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	f.ledger = l
	f.mu.Unlock()
	return hash, nil
}

// NewAccount implements Writer.
func (f *FileLedger) NewAccount(ctx context.Context, from common.Address, call NewAccountCall) (common.Hash, error) {
	return f.write(ctx, func(l *Ledger) (common.Hash, error) { return l.NewAccount(ctx, from, call) })
}

// Deposit implements Writer.
func (f *FileLedger) Deposit(ctx context.Context, from common.Address, call DepositCall) (common.Hash, error) {
	return f.write(ctx, func(l *Ledger) (common.Hash, error) { return l.Deposit(ctx, from, call) })
}

// Withdraw implements Writer.
func (f *FileLedger) Withdraw(ctx context.Context, call WithdrawCall) (common.Hash, error) {
	return f.write(ctx, func(l *Ledger) (common.Hash, error) { return l.Withdraw(ctx, call) })
}

// NullifierBlock implements Reader.
func (f *FileLedger) NullifierBlock(ctx context.Context, marker crypto.Scalar) (uint64, bool, error) {
	return f.Snapshot().NullifierBlock(ctx, marker)
}

// EventsInBlock implements Reader.
func (f *FileLedger) EventsInBlock(ctx context.Context, block uint64) ([]Event, error) {
	return f.Snapshot().EventsInBlock(ctx, block)
}

// MerklePath implements Reader.
func (f *FileLedger) MerklePath(ctx context.Context, index uint64) ([]crypto.Scalar, crypto.Scalar, error) {
	return f.Snapshot().MerklePath(ctx, index)
}

// LatestBlock implements Reader.
func (f *FileLedger) LatestBlock(ctx context.Context) (uint64, error) {
	return f.Snapshot().LatestBlock(ctx)
}
