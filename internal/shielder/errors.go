// errors.go - Error taxonomy shared by synchronization, transition building and remote proving.
//
// Sentinels are compared with errors.Is; typed errors carry data and are matched with errors.As.

package shielder

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrProtocolInvariantViolation signals inconsistent chain data, e.g. a nullifier spent twice.
	ErrProtocolInvariantViolation = errors.New("protocol invariant violation")
	// ErrInsufficientFunds is returned when a transition would make the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrPocketMoneyNotSupported is returned for pocket money on a native-token withdrawal.
	ErrPocketMoneyNotSupported = errors.New("pocket money is not supported for native token withdrawals")
	// ErrProofVerification is returned when a freshly generated proof fails to verify.
	ErrProofVerification = errors.New("proof verification failed")
	// ErrOutdatedContractVersion is returned when the contract rejects the client's version.
	ErrOutdatedContractVersion = errors.New("version rejected by relayer: outdated client, please upgrade")
	// ErrConfidentialServiceProtocol is returned for malformed confidential prover responses.
	ErrConfidentialServiceProtocol = errors.New("confidential prover protocol error")
	// ErrAttestation is returned when the prover's attestation cannot be validated.
	ErrAttestation = errors.New("attestation verification failed")
	// ErrAccountNotOnChain is returned when persisted state does not match the ledger.
	ErrAccountNotOnChain = errors.New("persisted account state is not present on chain")
	// ErrAmountNotPositive is returned for zero or negative amounts.
	ErrAmountNotPositive = errors.New("amount must be positive")
)

// AmountBelowFeesError reports an amount that does not cover the relayer and protocol fees.
type AmountBelowFeesError struct {
	Amount      *big.Int
	RelayerFee  *big.Int
	ProtocolFee *big.Int
}

func (e *AmountBelowFeesError) Error() string {
	return fmt.Sprintf("amount %s must be greater than the relayer fee (%s) plus the protocol fee (%s)",
		e.Amount, e.RelayerFee, e.ProtocolFee)
}

// ProofGenerationError wraps a prover failure.
type ProofGenerationError struct {
	Cause error
}

func (e *ProofGenerationError) Error() string {
	return fmt.Sprintf("proof generation failed: %v", e.Cause)
}

func (e *ProofGenerationError) Unwrap() error { return e.Cause }

// SubmissionError wraps a relayer or ledger submission failure.
type SubmissionError struct {
	Cause error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit transaction: %v", e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }
