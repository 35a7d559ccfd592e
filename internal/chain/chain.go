// Package chain describes the pool contract as seen by the client: the events it
// emits, the calls it accepts and the read/write capabilities over it. Ledger is
// an in-process implementation used by the CLI and by tests.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

var (
	// ErrVersionMismatch is returned when a call targets another contract version.
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrDoubleSpend is returned when a nullifier hash or prenullifier is already spent.
	ErrDoubleSpend = errors.New("double-spend detected: nullifier already in ledger")
	// ErrUnknownMerkleRoot is returned when a proof refers to a root the ledger never had.
	ErrUnknownMerkleRoot = errors.New("unknown merkle root")
	// ErrInvalidProof is returned when the proof does not verify against the call.
	ErrInvalidProof = errors.New("invalid proof")
	// ErrTreeFull is returned when no leaf is left in the note tree.
	ErrTreeFull = errors.New("merkle tree is full")
)

// Event is one pool transition as emitted by the contract.
type Event struct {
	Kind            shielder.TxKind `json:"kind"`
	TxHash          common.Hash     `json:"tx_hash"`
	Block           uint64          `json:"block"`
	ContractVersion uint32          `json:"contract_version"`
	Token           common.Address  `json:"token"`
	Amount          *big.Int        `json:"amount"`
	// Marker is the prenullifier for NewAccount and the old nullifier hash otherwise.
	Marker       crypto.Scalar `json:"marker"`
	NewNote      crypto.Scalar `json:"new_note"`
	NewNoteIndex uint64        `json:"new_note_index"`
	ProtocolFee  *big.Int      `json:"protocol_fee"`
	Memo         []byte        `json:"memo,omitempty"`

	// Withdraw only.
	To             common.Address `json:"to,omitempty"`
	RelayerAddress common.Address `json:"relayer_address,omitempty"`
	RelayerFee     *big.Int       `json:"relayer_fee,omitempty"`
	PocketMoney    *big.Int       `json:"pocket_money,omitempty"`
}

// Transaction converts the event into the client's transaction record.
func (e *Event) Transaction() shielder.ShielderTransaction {
	tx := shielder.ShielderTransaction{
		Amount:      new(big.Int).Set(e.Amount),
		TxHash:      e.TxHash,
		Block:       e.Block,
		Token:       shielder.ERC20Token(e.Token),
		NewNote:     e.NewNote,
		ProtocolFee: bigOrZero(e.ProtocolFee),
		Memo:        append([]byte(nil), e.Memo...),
	}
	switch e.Kind {
	case shielder.TxNewAccount:
		tx.Variant = shielder.NewAccountTx{}
	case shielder.TxDeposit:
		tx.Variant = shielder.DepositTx{}
	case shielder.TxWithdraw:
		tx.Variant = shielder.WithdrawTx{
			To:          e.To,
			RelayerFee:  bigOrZero(e.RelayerFee),
			PocketMoney: bigOrZero(e.PocketMoney),
		}
	}
	return tx
}

func bigOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// NewAccountCall registers an account with an initial deposit.
type NewAccountCall struct {
	ExpectedVersion uint32
	Token           common.Address
	Amount          *big.Int
	NewNote         crypto.Scalar
	Prenullifier    crypto.Scalar
	MacSalt         crypto.Scalar
	MacCommitment   crypto.Scalar
	ProtocolFee     *big.Int
	Memo            []byte
	Proof           []byte
}

// DepositCall adds funds to an existing account.
type DepositCall struct {
	ExpectedVersion  uint32
	Token            common.Address
	Amount           *big.Int
	OldNullifierHash crypto.Scalar
	NewNote          crypto.Scalar
	MerkleRoot       crypto.Scalar
	MacSalt          crypto.Scalar
	MacCommitment    crypto.Scalar
	ProtocolFee      *big.Int
	Memo             []byte
	Proof            []byte
}

// WithdrawCall withdraws funds to an address through a relayer.
type WithdrawCall struct {
	ExpectedVersion  uint32
	Token            common.Address
	Amount           *big.Int
	OldNullifierHash crypto.Scalar
	NewNote          crypto.Scalar
	MerkleRoot       crypto.Scalar
	Proof            []byte
	To               common.Address
	RelayerAddress   common.Address
	RelayerFee       *big.Int
	MacSalt          crypto.Scalar
	MacCommitment    crypto.Scalar
	PocketMoney      *big.Int
	ProtocolFee      *big.Int
	Memo             []byte
}

// Reader is the read side of the pool contract.
type Reader interface {
	// NullifierBlock returns the block in which marker was spent, if any.
	NullifierBlock(ctx context.Context, marker crypto.Scalar) (block uint64, found bool, err error)
	// EventsInBlock returns the pool events of one block in emission order.
	EventsInBlock(ctx context.Context, block uint64) ([]Event, error)
	// MerklePath returns the sibling path of leaf index and the current root.
	MerklePath(ctx context.Context, index uint64) (path []crypto.Scalar, root crypto.Scalar, err error)
	// LatestBlock returns the number of the last block, 0 if none.
	LatestBlock(ctx context.Context) (uint64, error)
}

// Writer is the write side of the pool contract.
type Writer interface {
	NewAccount(ctx context.Context, from common.Address, call NewAccountCall) (common.Hash, error)
	Deposit(ctx context.Context, from common.Address, call DepositCall) (common.Hash, error)
	Withdraw(ctx context.Context, call WithdrawCall) (common.Hash, error)
}
