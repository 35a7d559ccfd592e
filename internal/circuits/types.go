// types.go - Circuit identifiers and the prove/verify capability.
//
// A Prover turns an encoded witness ("advice") into a proof and its public inputs;
// a Verifier checks such a pair. Both the local groth16 backend and the confidential
// remote prover satisfy Prover, so callers never depend on where proofs are computed.

package circuits

import (
	"context"
	"fmt"
)

// CircuitType selects one of the pool circuits.
type CircuitType uint8

const (
	NewAccount CircuitType = iota + 1
	Deposit
	Withdraw
)

// AllCircuitTypes lists every circuit in a stable order.
var AllCircuitTypes = []CircuitType{NewAccount, Deposit, Withdraw}

func (t CircuitType) String() string {
	switch t {
	case NewAccount:
		return "NewAccount"
	case Deposit:
		return "Deposit"
	case Withdraw:
		return "Withdraw"
	default:
		return fmt.Sprintf("CircuitType(%d)", uint8(t))
	}
}

// Valid reports whether t names a known circuit.
func (t CircuitType) Valid() bool {
	return t >= NewAccount && t <= Withdraw
}

// ParseCircuitType is the inverse of CircuitType.String.
func ParseCircuitType(s string) (CircuitType, error) {
	for _, t := range AllCircuitTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown circuit type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t CircuitType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown circuit type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *CircuitType) UnmarshalText(text []byte) error {
	v, err := ParseCircuitType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Proof is a serialized proof together with its CBOR-encoded public inputs.
type Proof struct {
	Proof     []byte `json:"proof"`
	PubInputs []byte `json:"pub_inputs"`
}

// Prover produces proofs from encoded advice.
type Prover interface {
	Prove(ctx context.Context, circuit CircuitType, advice []byte) (*Proof, error)
}

// Verifier checks proofs against their public inputs.
type Verifier interface {
	Verify(circuit CircuitType, proof *Proof) error
}

// Backend proves and verifies.
type Backend interface {
	Prover
	Verifier
}
