// Package actions builds account transitions: the pure next-state computation,
// the proven calldata for the pool contract and its submission.
package actions

import (
	"fmt"
	"math/big"

	"shielder/internal/circuits"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

func checkPositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return shielder.ErrAmountNotPositive
	}
	if amount.BitLen() > circuits.AmountBits {
		return fmt.Errorf("amount %s exceeds %d bits", amount, circuits.AmountBits)
	}
	return nil
}

// next moves s to nonce+1 with the given balance. The new note is spent by the
// nullifier derived for the current nonce.
func next(secrets crypto.SecretManager, s shielder.AccountState, balance *big.Int) *shielder.AccountState {
	nullifier := secrets.Nullifier(s.ID, s.Nonce)
	return &shielder.AccountState{
		ID:          s.ID,
		Token:       s.Token,
		Nonce:       s.Nonce + 1,
		Balance:     balance,
		CurrentNote: crypto.NoteHash(s.ID, nullifier, balance, s.Token.Scalar()),
	}
}

// RawNewAccount returns the state created by opening s with amount.
func RawNewAccount(secrets crypto.SecretManager, s shielder.AccountState, amount *big.Int) (*shielder.AccountState, error) {
	if err := checkPositive(amount); err != nil {
		return nil, err
	}
	if s.Nonce != 0 {
		return nil, fmt.Errorf("account %s already exists at nonce %d", s.Token, s.Nonce)
	}
	return next(secrets, s, new(big.Int).Add(s.Balance, amount)), nil
}

// RawDeposit returns the state after depositing amount into s.
func RawDeposit(secrets crypto.SecretManager, s shielder.AccountState, amount *big.Int) (*shielder.AccountState, error) {
	if err := checkPositive(amount); err != nil {
		return nil, err
	}
	if s.Nonce == 0 {
		return nil, fmt.Errorf("account %s does not exist yet", s.Token)
	}
	balance := new(big.Int).Add(s.Balance, amount)
	if balance.BitLen() > circuits.AmountBits {
		return nil, fmt.Errorf("balance %s exceeds %d bits", balance, circuits.AmountBits)
	}
	return next(secrets, s, balance), nil
}

// RawWithdraw returns the state after withdrawing amount from s.
func RawWithdraw(secrets crypto.SecretManager, s shielder.AccountState, amount *big.Int) (*shielder.AccountState, error) {
	if err := checkPositive(amount); err != nil {
		return nil, err
	}
	if s.Nonce == 0 {
		return nil, fmt.Errorf("account %s does not exist yet", s.Token)
	}
	balance := new(big.Int).Sub(s.Balance, amount)
	if balance.Sign() < 0 {
		return nil, fmt.Errorf("%w: balance %s, withdrawing %s", shielder.ErrInsufficientFunds, s.Balance, amount)
	}
	return next(secrets, s, balance), nil
}

// RawTransition applies a transaction of the given kind to s.
func RawTransition(secrets crypto.SecretManager, s shielder.AccountState, kind shielder.TxKind, amount *big.Int) (*shielder.AccountState, error) {
	switch kind {
	case shielder.TxNewAccount:
		return RawNewAccount(secrets, s, amount)
	case shielder.TxDeposit:
		return RawDeposit(secrets, s, amount)
	case shielder.TxWithdraw:
		return RawWithdraw(secrets, s, amount)
	default:
		return nil, fmt.Errorf("unknown transaction kind %s", kind)
	}
}
