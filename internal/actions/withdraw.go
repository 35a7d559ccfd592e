package actions

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"shielder/internal/chain"
	"shielder/internal/circuits"
	"shielder/internal/relayer"
	"shielder/internal/shielder"
)

// WithdrawParams are the inputs of a relayed withdrawal. Fees are deducted from Amount.
type WithdrawParams struct {
	Amount          *big.Int
	RelayerAddress  common.Address
	RelayerFee      *big.Int // quoted total fee, in the withdrawn token
	To              common.Address
	ExpectedVersion uint32
	PocketMoney     *big.Int
	ProtocolFee     *big.Int
	Memo            []byte
}

// ParamsFromQuote fills the relayer fields of p from a fee quote.
func (p WithdrawParams) ParamsFromQuote(address common.Address, q *relayer.QuotedFees) WithdrawParams {
	p.RelayerAddress = address
	p.RelayerFee = new(big.Int).Set(q.TotalFee)
	if q.PocketMoney != nil {
		p.PocketMoney = new(big.Int).Set(q.PocketMoney)
	}
	return p
}

// WithdrawCalldata is a proven, unsent withdrawal.
type WithdrawCalldata struct {
	chain.WithdrawCall
	PubInputs []byte
	NewState  shielder.AccountState
}

// WithdrawAction moves funds out of an account through a relayer.
type WithdrawAction struct {
	b *Builder
}

// Raw returns the state after withdrawing amount.
func (a *WithdrawAction) Raw(s shielder.AccountState, amount *big.Int) (*shielder.AccountState, error) {
	return RawWithdraw(a.b.secrets, s, amount)
}

func (a *WithdrawAction) validate(s shielder.AccountState, p WithdrawParams) error {
	if err := checkPositive(p.Amount); err != nil {
		return err
	}
	pocketMoney, relayerFee, protocolFee := zeroIfNil(p.PocketMoney), zeroIfNil(p.RelayerFee), zeroIfNil(p.ProtocolFee)
	if s.Token.IsNative() && pocketMoney.Sign() != 0 {
		return shielder.ErrPocketMoneyNotSupported
	}
	if p.Amount.Cmp(new(big.Int).Add(relayerFee, protocolFee)) <= 0 {
		return &shielder.AmountBelowFeesError{
			Amount:      new(big.Int).Set(p.Amount),
			RelayerFee:  new(big.Int).Set(relayerFee),
			ProtocolFee: new(big.Int).Set(protocolFee),
		}
	}
	return nil
}

// GenerateCalldata proves a withdrawal of p.Amount from s. Every check that
// does not need the ledger runs before any I/O.
func (a *WithdrawAction) GenerateCalldata(ctx context.Context, s shielder.AccountStateMerkleIndexed, p WithdrawParams) (*WithdrawCalldata, error) {
	if err := a.validate(s.AccountState, p); err != nil {
		return nil, err
	}
	next, err := a.Raw(s.AccountState, p.Amount)
	if err != nil {
		return nil, err
	}
	pocketMoney, relayerFee, protocolFee := zeroIfNil(p.PocketMoney), zeroIfNil(p.RelayerFee), zeroIfNil(p.ProtocolFee)
	commitment := circuits.WithdrawCommitment(p.To, p.RelayerAddress, relayerFee, pocketMoney, protocolFee, p.Memo)
	advice, err := a.b.spendWitness(ctx, s, p.Amount, commitment)
	if err != nil {
		return nil, err
	}
	pub, err := advice.Derive(true)
	if err != nil {
		return nil, err
	}
	proof, err := a.b.prove(ctx, circuits.Withdraw, advice, pub)
	if err != nil {
		return nil, err
	}
	return &WithdrawCalldata{
		WithdrawCall: chain.WithdrawCall{
			ExpectedVersion:  versionOrDefault(p.ExpectedVersion),
			Token:            s.Token.Address,
			Amount:           new(big.Int).Set(p.Amount),
			OldNullifierHash: pub.HNullifierOld,
			NewNote:          pub.HNoteNew,
			MerkleRoot:       pub.MerkleRoot,
			Proof:            proof.Proof,
			To:               p.To,
			RelayerAddress:   p.RelayerAddress,
			RelayerFee:       relayerFee,
			MacSalt:          pub.MacSalt,
			MacCommitment:    pub.MacCommitment,
			PocketMoney:      pocketMoney,
			ProtocolFee:      protocolFee,
			Memo:             p.Memo,
		},
		PubInputs: proof.PubInputs,
		NewState:  *next,
	}, nil
}

// SendCalldataWithRelayer submits cd through r. A version mismatch comes back
// as shielder.ErrOutdatedContractVersion, anything else as *shielder.SubmissionError.
func (a *WithdrawAction) SendCalldataWithRelayer(ctx context.Context, r relayer.Relayer, cd *WithdrawCalldata) (common.Hash, error) {
	if r == nil {
		return common.Hash{}, &shielder.SubmissionError{Cause: fmt.Errorf("no relayer configured")}
	}
	hash, err := r.Withdraw(ctx, cd.WithdrawCall)
	if err := submitted(err, relayer.ErrVersionMismatch); err != nil {
		a.b.log.Warn().Err(err).Str("token", cd.NewState.Token.String()).Msg("withdrawal rejected")
		return common.Hash{}, err
	}
	a.b.log.Info().Str("token", cd.NewState.Token.String()).Str("tx", hash.Hex()).Msg("withdrawal relayed")
	return hash, nil
}
