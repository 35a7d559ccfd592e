package shielder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"shielder/internal/crypto"
)

// Token identifies a pool asset. The zero address is the native asset.
type Token struct {
	Address common.Address
}

// NativeToken returns the native asset.
func NativeToken() Token {
	return Token{}
}

// ERC20Token returns the token deployed at addr.
func ERC20Token(addr common.Address) Token {
	return Token{Address: addr}
}

// IsNative reports whether t is the native asset.
func (t Token) IsNative() bool {
	return t.Address == (common.Address{})
}

// Scalar maps the token address into the proving field.
func (t Token) Scalar() crypto.Scalar {
	return crypto.ScalarFromBytes(t.Address.Bytes())
}

func (t Token) String() string {
	if t.IsNative() {
		return "native"
	}
	return t.Address.Hex()
}

// AccountState is the private state of one (seed, token) account.
type AccountState struct {
	ID          crypto.Scalar // per-(seed, token) account id
	Token       Token
	Nonce       uint64   // number of applied transitions
	Balance     *big.Int // in the token's smallest unit
	CurrentNote crypto.Scalar
}

// AccountStateMerkleIndexed is an AccountState whose note was observed on chain.
type AccountStateMerkleIndexed struct {
	AccountState
	CurrentNoteIndex uint64 // leaf index of CurrentNote in the ledger tree
}

// EmptyAccountState returns the state of a freshly registered account.
func EmptyAccountState(id crypto.Scalar, token Token) AccountState {
	return AccountState{
		ID:      id,
		Token:   token,
		Nonce:   0,
		Balance: new(big.Int),
	}
}

// Clone returns a deep copy of s.
func (s AccountState) Clone() AccountState {
	c := s
	if s.Balance != nil {
		c.Balance = new(big.Int).Set(s.Balance)
	}
	return c
}

// TxKind enumerates the transition variants.
type TxKind uint8

const (
	TxNewAccount TxKind = iota + 1
	TxDeposit
	TxWithdraw
)

func (k TxKind) String() string {
	switch k {
	case TxNewAccount:
		return "NewAccount"
	case TxDeposit:
		return "Deposit"
	case TxWithdraw:
		return "Withdraw"
	default:
		return fmt.Sprintf("TxKind(%d)", uint8(k))
	}
}

// TxVariant is the variant-specific part of a ShielderTransaction.
// Implemented only by NewAccountTx, DepositTx and WithdrawTx.
type TxVariant interface {
	Kind() TxKind
	sealed()
}

// NewAccountTx marks an account creation; it carries no extra fields.
type NewAccountTx struct{}

// DepositTx marks a deposit into an existing account.
type DepositTx struct{}

// WithdrawTx carries the relayed withdrawal fields.
type WithdrawTx struct {
	To          common.Address
	RelayerFee  *big.Int
	PocketMoney *big.Int
}

func (NewAccountTx) Kind() TxKind { return TxNewAccount }
func (DepositTx) Kind() TxKind    { return TxDeposit }
func (WithdrawTx) Kind() TxKind   { return TxWithdraw }

func (NewAccountTx) sealed() {}
func (DepositTx) sealed()    {}
func (WithdrawTx) sealed()   {}

// ShielderTransaction is an applied, on-chain transition of one account.
type ShielderTransaction struct {
	Amount      *big.Int
	TxHash      common.Hash
	Block       uint64
	Token       Token
	NewNote     crypto.Scalar
	ProtocolFee *big.Int
	Memo        []byte
	Variant     TxVariant
}

// Kind returns the transaction variant tag.
func (tx ShielderTransaction) Kind() TxKind {
	return tx.Variant.Kind()
}

func (tx ShielderTransaction) String() string {
	switch v := tx.Variant.(type) {
	case WithdrawTx:
		return fmt.Sprintf("%s token=%s amount=%s to=%s relayerFee=%s block=%d tx=%s",
			v.Kind(), tx.Token, tx.Amount, v.To.Hex(), v.RelayerFee, tx.Block, tx.TxHash.Hex())
	default:
		return fmt.Sprintf("%s token=%s amount=%s block=%d tx=%s",
			tx.Kind(), tx.Token, tx.Amount, tx.Block, tx.TxHash.Hex())
	}
}
