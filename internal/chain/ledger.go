// ledger.go - In-process pool contract with an append-only event log.
//
// The Ledger keeps the note tree, the set of spent markers and every historical
// root. Each accepted call is verified against public inputs rebuilt from the
// call itself, then sealed into its own block. The event log is persisted as a
// single JSON file and replayed on load.

package chain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"

	"shielder/internal/circuits"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

// Ledger is the canonical, append-only pool state. It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	version  uint32
	verifier circuits.Verifier
	log      zerolog.Logger

	tree   *MerkleTree
	blocks [][]Event
	spent  map[crypto.Scalar]uint64
	roots  map[crypto.Scalar]struct{}
}

// NewLedger creates an empty ledger whose note tree has the given depth.
func NewLedger(depth int, verifier circuits.Verifier, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		version:  shielder.ContractVersion,
		verifier: verifier,
		log:      logger.With().Str("component", "ledger").Logger(),
		tree:     NewMerkleTree(depth),
		spent:    make(map[crypto.Scalar]uint64),
		roots:    make(map[crypto.Scalar]struct{}),
	}
	l.roots[l.tree.Root()] = struct{}{}
	return l
}

// SetContractVersion changes the version calls must expect.
func (l *Ledger) SetContractVersion(v uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version = v
}

// Depth returns the note tree depth.
func (l *Ledger) Depth() int {
	return l.tree.Depth()
}

func (l *Ledger) checkVersion(expected uint32) error {
	if expected != l.version {
		return fmt.Errorf("%w: call expects %06x, contract is %06x", ErrVersionMismatch, expected, l.version)
	}
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if amount.BitLen() > circuits.AmountBits {
		return fmt.Errorf("amount exceeds %d bits", circuits.AmountBits)
	}
	return nil
}

func (l *Ledger) verify(t circuits.CircuitType, pub any, proof []byte) error {
	pubBytes, err := circuits.EncodePubInputs(pub)
	if err != nil {
		return err
	}
	if err := l.verifier.Verify(t, &circuits.Proof{Proof: proof, PubInputs: pubBytes}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

// NewAccount implements Writer.
func (l *Ledger) NewAccount(ctx context.Context, from common.Address, call NewAccountCall) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkVersion(call.ExpectedVersion); err != nil {
		return common.Hash{}, err
	}
	if err := checkAmount(call.Amount); err != nil {
		return common.Hash{}, err
	}
	if _, ok := l.spent[call.Prenullifier]; ok {
		return common.Hash{}, ErrDoubleSpend
	}
	token := shielder.ERC20Token(call.Token).Scalar()
	commitment := circuits.DepositCommitment(from, call.ProtocolFee, call.Memo)
	pub := circuits.NewAccountPubInputs{
		HNote:         call.NewNote,
		Prenullifier:  call.Prenullifier,
		Amount:        crypto.ScalarFromBigInt(call.Amount),
		Token:         token,
		Commitment:    commitment,
		MacSalt:       call.MacSalt,
		MacCommitment: call.MacCommitment,
	}
	if err := l.verify(circuits.NewAccount, pub, call.Proof); err != nil {
		return common.Hash{}, err
	}
	return l.append(Event{
		Kind:        shielder.TxNewAccount,
		Token:       call.Token,
		Amount:      call.Amount,
		Marker:      call.Prenullifier,
		NewNote:     call.NewNote,
		ProtocolFee: bigOrZero(call.ProtocolFee),
		Memo:        call.Memo,
	})
}

// Deposit implements Writer.
func (l *Ledger) Deposit(ctx context.Context, from common.Address, call DepositCall) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkVersion(call.ExpectedVersion); err != nil {
		return common.Hash{}, err
	}
	if err := checkAmount(call.Amount); err != nil {
		return common.Hash{}, err
	}
	if err := l.checkSpend(call.OldNullifierHash, call.MerkleRoot); err != nil {
		return common.Hash{}, err
	}
	pub := circuits.SpendPubInputs{
		MerkleRoot:    call.MerkleRoot,
		HNullifierOld: call.OldNullifierHash,
		HNoteNew:      call.NewNote,
		Amount:        crypto.ScalarFromBigInt(call.Amount),
		Token:         shielder.ERC20Token(call.Token).Scalar(),
		Commitment:    circuits.DepositCommitment(from, call.ProtocolFee, call.Memo),
		MacSalt:       call.MacSalt,
		MacCommitment: call.MacCommitment,
	}
	if err := l.verify(circuits.Deposit, pub, call.Proof); err != nil {
		return common.Hash{}, err
	}
	return l.append(Event{
		Kind:        shielder.TxDeposit,
		Token:       call.Token,
		Amount:      call.Amount,
		Marker:      call.OldNullifierHash,
		NewNote:     call.NewNote,
		ProtocolFee: bigOrZero(call.ProtocolFee),
		Memo:        call.Memo,
	})
}

// Withdraw implements Writer.
func (l *Ledger) Withdraw(ctx context.Context, call WithdrawCall) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkVersion(call.ExpectedVersion); err != nil {
		return common.Hash{}, err
	}
	if err := checkAmount(call.Amount); err != nil {
		return common.Hash{}, err
	}
	fees := new(big.Int).Add(bigOrZero(call.RelayerFee), bigOrZero(call.ProtocolFee))
	if call.Amount.Cmp(fees) <= 0 {
		return common.Hash{}, fmt.Errorf("amount %s does not exceed fees %s", call.Amount, fees)
	}
	if call.Token == (common.Address{}) && bigOrZero(call.PocketMoney).Sign() != 0 {
		return common.Hash{}, fmt.Errorf("pocket money is not allowed for native withdrawals")
	}
	if err := l.checkSpend(call.OldNullifierHash, call.MerkleRoot); err != nil {
		return common.Hash{}, err
	}
	pub := circuits.SpendPubInputs{
		MerkleRoot:    call.MerkleRoot,
		HNullifierOld: call.OldNullifierHash,
		HNoteNew:      call.NewNote,
		Amount:        crypto.ScalarFromBigInt(call.Amount),
		Token:         shielder.ERC20Token(call.Token).Scalar(),
		Commitment:    circuits.WithdrawCommitment(call.To, call.RelayerAddress, call.RelayerFee, call.PocketMoney, call.ProtocolFee, call.Memo),
		MacSalt:       call.MacSalt,
		MacCommitment: call.MacCommitment,
	}
	if err := l.verify(circuits.Withdraw, pub, call.Proof); err != nil {
		return common.Hash{}, err
	}
	return l.append(Event{
		Kind:           shielder.TxWithdraw,
		Token:          call.Token,
		Amount:         call.Amount,
		Marker:         call.OldNullifierHash,
		NewNote:        call.NewNote,
		ProtocolFee:    bigOrZero(call.ProtocolFee),
		Memo:           call.Memo,
		To:             call.To,
		RelayerAddress: call.RelayerAddress,
		RelayerFee:     bigOrZero(call.RelayerFee),
		PocketMoney:    bigOrZero(call.PocketMoney),
	})
}

func (l *Ledger) checkSpend(marker, root crypto.Scalar) error {
	if _, ok := l.spent[marker]; ok {
		return ErrDoubleSpend
	}
	if _, ok := l.roots[root]; !ok {
		return ErrUnknownMerkleRoot
	}
	return nil
}

// append seals ev into a new block. Callers hold the write lock.
func (l *Ledger) append(ev Event) (common.Hash, error) {
	index, err := l.tree.Append(ev.NewNote)
	if err != nil {
		return common.Hash{}, err
	}
	ev.Block = uint64(len(l.blocks)) + 1
	ev.ContractVersion = l.version
	ev.NewNoteIndex = index
	ev.TxHash = txHash(&ev)
	l.blocks = append(l.blocks, []Event{ev})
	l.spent[ev.Marker] = ev.Block
	l.roots[l.tree.Root()] = struct{}{}
	l.log.Info().
		Stringer("kind", ev.Kind).
		Uint64("block", ev.Block).
		Uint64("leaf", index).
		Str("tx", ev.TxHash.Hex()).
		Msg("transaction accepted")
	return ev.TxHash, nil
}

func txHash(ev *Event) common.Hash {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ev.Block)
	h.Write(buf[:])
	h.Write([]byte{byte(ev.Kind)})
	h.Write(ev.Marker.Bytes())
	h.Write(ev.NewNote.Bytes())
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// NullifierBlock implements Reader.
func (l *Ledger) NullifierBlock(ctx context.Context, marker crypto.Scalar) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	block, ok := l.spent[marker]
	return block, ok, nil
}

// EventsInBlock implements Reader.
func (l *Ledger) EventsInBlock(ctx context.Context, block uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if block == 0 || block > uint64(len(l.blocks)) {
		return nil, fmt.Errorf("block %d not found, latest is %d", block, len(l.blocks))
	}
	return append([]Event(nil), l.blocks[block-1]...), nil
}

// MerklePath implements Reader.
func (l *Ledger) MerklePath(ctx context.Context, index uint64) ([]crypto.Scalar, crypto.Scalar, error) {
	if err := ctx.Err(); err != nil {
		return nil, crypto.Scalar{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	path, err := l.tree.Path(index)
	if err != nil {
		return nil, crypto.Scalar{}, err
	}
	return path, l.tree.Root(), nil
}

// LatestBlock implements Reader.
func (l *Ledger) LatestBlock(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.blocks)), nil
}

// ledgerFile is the on-disk form of a Ledger.
type ledgerFile struct {
	Version uint32    `json:"version"`
	Depth   int       `json:"depth"`
	Blocks  [][]Event `json:"blocks"`
}

// SaveToFile saves the event log to a JSON file, overwriting it.
func (l *Ledger) SaveToFile(path string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ledgerFile{Version: l.version, Depth: l.tree.Depth(), Blocks: l.blocks}); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadLedgerFromFile loads a ledger saved by SaveToFile and replays its events.
func LoadLedgerFromFile(path string, verifier circuits.Verifier, logger zerolog.Logger) (*Ledger, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lf ledgerFile
	if err := json.NewDecoder(f).Decode(&lf); err != nil {
		return nil, fmt.Errorf("failed to decode ledger: %w", err)
	}
	l := NewLedger(lf.Depth, verifier, logger)
	l.version = lf.Version
	for i, events := range lf.Blocks {
		for _, ev := range events {
			if ev.Block != uint64(i)+1 {
				return nil, fmt.Errorf("event of block %d stored under block %d", ev.Block, i+1)
			}
			index, err := l.tree.Append(ev.NewNote)
			if err != nil {
				return nil, err
			}
			if index != ev.NewNoteIndex {
				return nil, fmt.Errorf("block %d: note index %d, replay gives %d", ev.Block, ev.NewNoteIndex, index)
			}
			if _, ok := l.spent[ev.Marker]; ok {
				return nil, fmt.Errorf("block %d: %w", ev.Block, ErrDoubleSpend)
			}
			l.spent[ev.Marker] = ev.Block
			l.roots[l.tree.Root()] = struct{}{}
		}
		l.blocks = append(l.blocks, events)
	}
	return l, nil
}

// OpenLedger loads the ledger at path, or creates an empty one if the file does not exist.
func OpenLedger(path string, depth int, verifier circuits.Verifier, logger zerolog.Logger) (*Ledger, error) {
	l, err := LoadLedgerFromFile(path, verifier, logger)
	if err == nil {
		if l.Depth() != depth {
			return nil, fmt.Errorf("ledger depth %d does not match configured depth %d", l.Depth(), depth)
		}
		return l, nil
	}
	if os.IsNotExist(err) {
		return NewLedger(depth, verifier, logger), nil
	}
	return nil, err
}
