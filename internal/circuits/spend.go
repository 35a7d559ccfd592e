package circuits

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"shielder/internal/crypto"
)

// SpendCircuit proves a deposit into, or a withdrawal from, an existing account:
// the old note is in the tree, its nullifier is revealed and the new note carries
// the updated balance.
type SpendCircuit struct {
	// Public
	MerkleRoot    frontend.Variable `gnark:",public"`
	HNullifierOld frontend.Variable `gnark:",public"`
	HNoteNew      frontend.Variable `gnark:",public"`
	Amount        frontend.Variable `gnark:",public"`
	Token         frontend.Variable `gnark:",public"`
	Commitment    frontend.Variable `gnark:",public"`
	MacSalt       frontend.Variable `gnark:",public"`
	MacCommitment frontend.Variable `gnark:",public"`

	// Private
	ID           frontend.Variable
	NullifierOld frontend.Variable
	BalanceOld   frontend.Variable
	NullifierNew frontend.Variable
	NoteIndex    frontend.Variable
	Path         []frontend.Variable

	Withdrawal bool `gnark:"-"`
}

// NewSpendCircuit allocates a circuit for a tree of the given depth.
func NewSpendCircuit(depth int, withdrawal bool) *SpendCircuit {
	return &SpendCircuit{Path: make([]frontend.Variable, depth), Withdrawal: withdrawal}
}

func (c *SpendCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	// (1) old note is a leaf under the public root
	h.Write(crypto.NoteVersion, c.ID, c.NullifierOld, c.BalanceOld, c.Token)
	cur := h.Sum()
	bits := api.ToBinary(c.NoteIndex, len(c.Path))
	for i, sib := range c.Path {
		left := api.Select(bits[i], sib, cur)
		right := api.Select(bits[i], cur, sib)
		h.Reset()
		h.Write(left, right)
		cur = h.Sum()
	}
	api.AssertIsEqual(c.MerkleRoot, cur)

	// (2) revealed nullifier hash
	h.Reset()
	h.Write(c.NullifierOld)
	api.AssertIsEqual(c.HNullifierOld, h.Sum())

	// (3) balance update without wraparound
	api.ToBinary(c.Amount, AmountBits)
	var balanceNew frontend.Variable
	if c.Withdrawal {
		balanceNew = api.Sub(c.BalanceOld, c.Amount)
	} else {
		balanceNew = api.Add(c.BalanceOld, c.Amount)
	}
	api.ToBinary(balanceNew, AmountBits)

	// (4) new note of the same token
	h.Reset()
	h.Write(crypto.NoteVersion, c.ID, c.NullifierNew, balanceNew, c.Token)
	api.AssertIsEqual(c.HNoteNew, h.Sum())

	// (5) mac
	return assertMac(api, c.MacSalt, c.ID, c.Commitment, c.Token, c.MacCommitment)
}

// Assignment returns the full circuit assignment for the advice.
func (a *SpendAdvice) Assignment(withdrawal bool) (*SpendCircuit, error) {
	pub, err := a.Derive(withdrawal)
	if err != nil {
		return nil, err
	}
	c := pub.Assignment(len(a.Path), withdrawal)
	c.ID = a.ID.BigInt()
	c.NullifierOld = a.NullifierOld.BigInt()
	c.BalanceOld = a.BalanceOld.BigInt()
	c.NullifierNew = a.NullifierNew.BigInt()
	c.NoteIndex = a.NoteIndex
	for i, p := range a.Path {
		c.Path[i] = p.BigInt()
	}
	return c, nil
}

// Assignment returns a public-only assignment for a tree of the given depth.
func (p SpendPubInputs) Assignment(depth int, withdrawal bool) *SpendCircuit {
	c := NewSpendCircuit(depth, withdrawal)
	c.MerkleRoot = p.MerkleRoot.BigInt()
	c.HNullifierOld = p.HNullifierOld.BigInt()
	c.HNoteNew = p.HNoteNew.BigInt()
	c.Amount = p.Amount.BigInt()
	c.Token = p.Token.BigInt()
	c.Commitment = p.Commitment.BigInt()
	c.MacSalt = p.MacSalt.BigInt()
	c.MacCommitment = p.MacCommitment.BigInt()
	c.ID, c.NullifierOld, c.BalanceOld, c.NullifierNew, c.NoteIndex = 0, 0, 0, 0, 0
	for i := range c.Path {
		c.Path[i] = 0
	}
	return c
}
