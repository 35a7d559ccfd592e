package actions

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"shielder/internal/chain"
	"shielder/internal/circuits"
	"shielder/internal/shielder"
)

// DepositParams are the inputs of a deposit.
type DepositParams struct {
	Amount          *big.Int
	Caller          common.Address
	ExpectedVersion uint32
	ProtocolFee     *big.Int
	Memo            []byte
}

// DepositCalldata is a proven, unsent deposit.
type DepositCalldata struct {
	chain.DepositCall
	PubInputs []byte
	NewState  shielder.AccountState
}

// DepositAction adds funds to an existing account.
type DepositAction struct {
	b *Builder
}

// Raw returns the state after the deposit.
func (a *DepositAction) Raw(s shielder.AccountState, amount *big.Int) (*shielder.AccountState, error) {
	return RawDeposit(a.b.secrets, s, amount)
}

// GenerateCalldata proves a deposit of p.Amount into s.
func (a *DepositAction) GenerateCalldata(ctx context.Context, s shielder.AccountStateMerkleIndexed, p DepositParams) (*DepositCalldata, error) {
	next, err := a.Raw(s.AccountState, p.Amount)
	if err != nil {
		return nil, err
	}
	protocolFee := zeroIfNil(p.ProtocolFee)
	advice, err := a.b.spendWitness(ctx, s, p.Amount, circuits.DepositCommitment(p.Caller, protocolFee, p.Memo))
	if err != nil {
		return nil, err
	}
	pub, err := advice.Derive(false)
	if err != nil {
		return nil, err
	}
	proof, err := a.b.prove(ctx, circuits.Deposit, advice, pub)
	if err != nil {
		return nil, err
	}
	return &DepositCalldata{
		DepositCall: chain.DepositCall{
			ExpectedVersion:  versionOrDefault(p.ExpectedVersion),
			Token:            s.Token.Address,
			Amount:           new(big.Int).Set(p.Amount),
			OldNullifierHash: pub.HNullifierOld,
			NewNote:          pub.HNoteNew,
			MerkleRoot:       pub.MerkleRoot,
			MacSalt:          pub.MacSalt,
			MacCommitment:    pub.MacCommitment,
			ProtocolFee:      protocolFee,
			Memo:             p.Memo,
			Proof:            proof.Proof,
		},
		PubInputs: proof.PubInputs,
		NewState:  *next,
	}, nil
}

// SendCalldata submits cd from the given address.
func (a *DepositAction) SendCalldata(ctx context.Context, cd *DepositCalldata, from common.Address) (common.Hash, error) {
	hash, err := a.b.writer.Deposit(ctx, from, cd.DepositCall)
	if err := submitted(err, chain.ErrVersionMismatch); err != nil {
		return common.Hash{}, err
	}
	a.b.log.Info().Str("token", cd.NewState.Token.String()).Str("tx", hash.Hex()).Msg("deposit submitted")
	return hash, nil
}
