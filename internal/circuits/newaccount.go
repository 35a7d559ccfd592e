package circuits

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"shielder/internal/crypto"
)

// AmountBits bounds every amount and balance proved by the circuits.
const AmountBits = 128

// NewAccountCircuit proves creation of an account holding an initial deposit.
type NewAccountCircuit struct {
	// Public
	HNote         frontend.Variable `gnark:",public"`
	Prenullifier  frontend.Variable `gnark:",public"`
	Amount        frontend.Variable `gnark:",public"`
	Token         frontend.Variable `gnark:",public"`
	Commitment    frontend.Variable `gnark:",public"`
	MacSalt       frontend.Variable `gnark:",public"`
	MacCommitment frontend.Variable `gnark:",public"`

	// Private
	ID        frontend.Variable
	Nullifier frontend.Variable
}

func (c *NewAccountCircuit) Define(api frontend.API) error {
	// (1) amount fits
	api.ToBinary(c.Amount, AmountBits)

	// (2) prenullifier = H(id)
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.ID)
	api.AssertIsEqual(c.Prenullifier, h.Sum())

	// (3) note = H(version, id, nullifier, amount, token)
	h.Reset()
	h.Write(crypto.NoteVersion, c.ID, c.Nullifier, c.Amount, c.Token)
	api.AssertIsEqual(c.HNote, h.Sum())

	// (4) mac
	return assertMac(api, c.MacSalt, c.ID, c.Commitment, c.Token, c.MacCommitment)
}

func assertMac(api frontend.API, salt, id, commitment, token, mac frontend.Variable) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(salt, id, commitment, token)
	api.AssertIsEqual(mac, h.Sum())
	return nil
}

// Assignment returns the full circuit assignment for the advice.
func (a *NewAccountAdvice) Assignment() *NewAccountCircuit {
	pub := a.Derive()
	c := pub.Assignment()
	c.ID = a.ID.BigInt()
	c.Nullifier = a.Nullifier.BigInt()
	return c
}

// Assignment returns a public-only assignment.
func (p NewAccountPubInputs) Assignment() *NewAccountCircuit {
	return &NewAccountCircuit{
		HNote:         p.HNote.BigInt(),
		Prenullifier:  p.Prenullifier.BigInt(),
		Amount:        p.Amount.BigInt(),
		Token:         p.Token.BigInt(),
		Commitment:    p.Commitment.BigInt(),
		MacSalt:       p.MacSalt.BigInt(),
		MacCommitment: p.MacCommitment.BigInt(),
		ID:            0,
		Nullifier:     0,
	}
}
