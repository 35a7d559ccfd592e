// advice.go - Witness ("advice") and public-input records exchanged with provers.
//
// Both are CBOR-encoded so that the same bytes can be proved locally or shipped
// to the confidential prover.

package circuits

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"shielder/internal/crypto"
)

// NewAccountAdvice is the witness of the NewAccount circuit.
type NewAccountAdvice struct {
	ID         crypto.Scalar `cbor:"id"`
	Nullifier  crypto.Scalar `cbor:"nullifier"`
	Amount     crypto.Scalar `cbor:"amount"`
	Token      crypto.Scalar `cbor:"token"`
	Commitment crypto.Scalar `cbor:"commitment"`
	MacSalt    crypto.Scalar `cbor:"mac_salt"`
}

// SpendAdvice is the witness of the Deposit and Withdraw circuits.
type SpendAdvice struct {
	ID           crypto.Scalar   `cbor:"id"`
	NullifierOld crypto.Scalar   `cbor:"nullifier_old"`
	BalanceOld   crypto.Scalar   `cbor:"balance_old"`
	NullifierNew crypto.Scalar   `cbor:"nullifier_new"`
	Amount       crypto.Scalar   `cbor:"amount"`
	Token        crypto.Scalar   `cbor:"token"`
	Commitment   crypto.Scalar   `cbor:"commitment"`
	MacSalt      crypto.Scalar   `cbor:"mac_salt"`
	NoteIndex    uint64          `cbor:"note_index"`
	Path         []crypto.Scalar `cbor:"path"`
}

// NewAccountPubInputs are the public inputs of the NewAccount circuit.
type NewAccountPubInputs struct {
	HNote         crypto.Scalar `cbor:"h_note"`
	Prenullifier  crypto.Scalar `cbor:"prenullifier"`
	Amount        crypto.Scalar `cbor:"amount"`
	Token         crypto.Scalar `cbor:"token"`
	Commitment    crypto.Scalar `cbor:"commitment"`
	MacSalt       crypto.Scalar `cbor:"mac_salt"`
	MacCommitment crypto.Scalar `cbor:"mac_commitment"`
}

// SpendPubInputs are the public inputs of the Deposit and Withdraw circuits.
type SpendPubInputs struct {
	MerkleRoot    crypto.Scalar `cbor:"merkle_root"`
	HNullifierOld crypto.Scalar `cbor:"h_nullifier_old"`
	HNoteNew      crypto.Scalar `cbor:"h_note_new"`
	Amount        crypto.Scalar `cbor:"amount"`
	Token         crypto.Scalar `cbor:"token"`
	Commitment    crypto.Scalar `cbor:"commitment"`
	MacSalt       crypto.Scalar `cbor:"mac_salt"`
	MacCommitment crypto.Scalar `cbor:"mac_commitment"`
}

// MacCommitment binds the submission commitment to the account without revealing it.
func MacCommitment(salt, id, commitment, token crypto.Scalar) crypto.Scalar {
	return crypto.Hash(salt, id, commitment, token)
}

// Derive computes the public inputs implied by the advice.
func (a *NewAccountAdvice) Derive() NewAccountPubInputs {
	return NewAccountPubInputs{
		HNote:         crypto.NoteHash(a.ID, a.Nullifier, a.Amount.BigInt(), a.Token),
		Prenullifier:  crypto.Prenullifier(a.ID),
		Amount:        a.Amount,
		Token:         a.Token,
		Commitment:    a.Commitment,
		MacSalt:       a.MacSalt,
		MacCommitment: MacCommitment(a.MacSalt, a.ID, a.Commitment, a.Token),
	}
}

// Derive computes the public inputs implied by the advice for a deposit or withdrawal.
func (a *SpendAdvice) Derive(withdrawal bool) (SpendPubInputs, error) {
	noteOld := crypto.NoteHash(a.ID, a.NullifierOld, a.BalanceOld.BigInt(), a.Token)
	root, err := crypto.MerkleRoot(noteOld, a.NoteIndex, a.Path)
	if err != nil {
		return SpendPubInputs{}, err
	}
	balanceNew := new(big.Int)
	if withdrawal {
		balanceNew.Sub(a.BalanceOld.BigInt(), a.Amount.BigInt())
		if balanceNew.Sign() < 0 {
			return SpendPubInputs{}, fmt.Errorf("withdrawal of %s exceeds balance %s", a.Amount.BigInt(), a.BalanceOld.BigInt())
		}
	} else {
		balanceNew.Add(a.BalanceOld.BigInt(), a.Amount.BigInt())
	}
	return SpendPubInputs{
		MerkleRoot:    root,
		HNullifierOld: crypto.NullifierHash(a.NullifierOld),
		HNoteNew:      crypto.NoteHash(a.ID, a.NullifierNew, balanceNew, a.Token),
		Amount:        a.Amount,
		Token:         a.Token,
		Commitment:    a.Commitment,
		MacSalt:       a.MacSalt,
		MacCommitment: MacCommitment(a.MacSalt, a.ID, a.Commitment, a.Token),
	}, nil
}

// EncodeAdvice serializes a witness record.
func EncodeAdvice(v any) ([]byte, error) {
	switch v.(type) {
	case *NewAccountAdvice, *SpendAdvice:
	default:
		return nil, fmt.Errorf("unsupported advice type %T", v)
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode advice: %w", err)
	}
	return b, nil
}

// EncodePubInputs serializes a public-input record.
func EncodePubInputs(v any) ([]byte, error) {
	switch v.(type) {
	case NewAccountPubInputs, *NewAccountPubInputs, SpendPubInputs, *SpendPubInputs:
	default:
		return nil, fmt.Errorf("unsupported public inputs type %T", v)
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public inputs: %w", err)
	}
	return b, nil
}

// PublicInputs decodes advice of the given circuit and returns its encoded public inputs.
func PublicInputs(t CircuitType, advice []byte) ([]byte, error) {
	switch t {
	case NewAccount:
		var a NewAccountAdvice
		if err := cbor.Unmarshal(advice, &a); err != nil {
			return nil, fmt.Errorf("failed to decode %s advice: %w", t, err)
		}
		if err := checkAmount(a.Amount); err != nil {
			return nil, err
		}
		return EncodePubInputs(a.Derive())
	case Deposit, Withdraw:
		var a SpendAdvice
		if err := cbor.Unmarshal(advice, &a); err != nil {
			return nil, fmt.Errorf("failed to decode %s advice: %w", t, err)
		}
		if err := checkAmount(a.Amount); err != nil {
			return nil, err
		}
		if err := checkAmount(a.BalanceOld); err != nil {
			return nil, err
		}
		pub, err := a.Derive(t == Withdraw)
		if err != nil {
			return nil, err
		}
		return EncodePubInputs(pub)
	default:
		return nil, fmt.Errorf("unknown circuit type %d", uint8(t))
	}
}

func checkAmount(s crypto.Scalar) error {
	if s.BigInt().BitLen() > AmountBits {
		return fmt.Errorf("value %s exceeds %d bits", s.BigInt(), AmountBits)
	}
	return nil
}

// DecodeNewAccountPubInputs decodes NewAccount public inputs.
func DecodeNewAccountPubInputs(b []byte) (NewAccountPubInputs, error) {
	var p NewAccountPubInputs
	if err := cbor.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("failed to decode public inputs: %w", err)
	}
	return p, nil
}

// DecodeSpendPubInputs decodes Deposit or Withdraw public inputs.
func DecodeSpendPubInputs(b []byte) (SpendPubInputs, error) {
	var p SpendPubInputs
	if err := cbor.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("failed to decode public inputs: %w", err)
	}
	return p, nil
}
