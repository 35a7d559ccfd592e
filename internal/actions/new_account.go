package actions

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"shielder/internal/chain"
	"shielder/internal/circuits"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

// NewAccountParams are the inputs of an account creation.
type NewAccountParams struct {
	Amount *big.Int
	// Caller is the address that will submit the call; the proof is bound to it.
	Caller          common.Address
	ExpectedVersion uint32
	ProtocolFee     *big.Int
	Memo            []byte
}

// NewAccountCalldata is a proven, unsent account creation.
type NewAccountCalldata struct {
	chain.NewAccountCall
	PubInputs []byte
	NewState  shielder.AccountState
}

// NewAccountAction opens an account with an initial deposit.
type NewAccountAction struct {
	b *Builder
}

// Raw returns the state created by the account creation.
func (a *NewAccountAction) Raw(s shielder.AccountState, amount *big.Int) (*shielder.AccountState, error) {
	return RawNewAccount(a.b.secrets, s, amount)
}

// GenerateCalldata proves the creation of s with p.Amount.
func (a *NewAccountAction) GenerateCalldata(ctx context.Context, s shielder.AccountState, p NewAccountParams) (*NewAccountCalldata, error) {
	next, err := a.Raw(s, p.Amount)
	if err != nil {
		return nil, err
	}
	salt, err := crypto.RandomScalar()
	if err != nil {
		return nil, err
	}
	protocolFee := zeroIfNil(p.ProtocolFee)
	advice := &circuits.NewAccountAdvice{
		ID:         s.ID,
		Nullifier:  a.b.secrets.Nullifier(s.ID, s.Nonce),
		Amount:     crypto.ScalarFromBigInt(p.Amount),
		Token:      s.Token.Scalar(),
		Commitment: circuits.DepositCommitment(p.Caller, protocolFee, p.Memo),
		MacSalt:    salt,
	}
	pub := advice.Derive()
	proof, err := a.b.prove(ctx, circuits.NewAccount, advice, pub)
	if err != nil {
		return nil, err
	}
	return &NewAccountCalldata{
		NewAccountCall: chain.NewAccountCall{
			ExpectedVersion: versionOrDefault(p.ExpectedVersion),
			Token:           s.Token.Address,
			Amount:          new(big.Int).Set(p.Amount),
			NewNote:         pub.HNote,
			Prenullifier:    pub.Prenullifier,
			MacSalt:         pub.MacSalt,
			MacCommitment:   pub.MacCommitment,
			ProtocolFee:     protocolFee,
			Memo:            p.Memo,
			Proof:           proof.Proof,
		},
		PubInputs: proof.PubInputs,
		NewState:  *next,
	}, nil
}

// SendCalldata submits cd from the given address.
func (a *NewAccountAction) SendCalldata(ctx context.Context, cd *NewAccountCalldata, from common.Address) (common.Hash, error) {
	hash, err := a.b.writer.NewAccount(ctx, from, cd.NewAccountCall)
	if err := submitted(err, chain.ErrVersionMismatch); err != nil {
		return common.Hash{}, err
	}
	a.b.log.Info().Str("token", cd.NewState.Token.String()).Str("tx", hash.Hex()).Msg("account created")
	return hash, nil
}
