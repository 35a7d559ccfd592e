package relayer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"shielder/internal/chain"
	"shielder/internal/crypto"
)

// versionMismatchMarker is what a relayer puts in a 400 body when the contract
// rejects the expected version.
const versionMismatchMarker = "Version mismatch"

type feeAddressResponse struct {
	Address common.Address `json:"address"`
}

type quoteRequest struct {
	FeeToken    common.Address `json:"fee_token"`
	PocketMoney *hexutil.Big   `json:"pocket_money"`
}

type quoteResponse struct {
	FeeDetails struct {
		TotalCostFeeToken *hexutil.Big `json:"total_cost_fee_token"`
		GasCostNative     *hexutil.Big `json:"gas_cost_native"`
		RelayCostNative   *hexutil.Big `json:"relay_cost_native"`
		PocketMoneyNative *hexutil.Big `json:"pocket_money_native"`
	} `json:"fee_details"`
	FeeToken common.Address `json:"fee_token"`
}

type relayRequest struct {
	ExpectedContractVersion hexutil.Uint64 `json:"expected_contract_version"`
	FeeToken                common.Address `json:"fee_token"`
	Amount                  *hexutil.Big   `json:"amount"`
	WithdrawAddress         common.Address `json:"withdraw_address"`
	RelayerAddress          common.Address `json:"relayer_address"`
	RelayerFee              *hexutil.Big   `json:"relayer_fee"`
	MerkleRoot              crypto.Scalar  `json:"merkle_root"`
	NullifierHash           crypto.Scalar  `json:"nullifier_hash"`
	NewNote                 crypto.Scalar  `json:"new_note"`
	Proof                   hexutil.Bytes  `json:"proof"`
	MacSalt                 crypto.Scalar  `json:"mac_salt"`
	MacCommitment           crypto.Scalar  `json:"mac_commitment"`
	PocketMoney             *hexutil.Big   `json:"pocket_money"`
	ProtocolFee             *hexutil.Big   `json:"protocol_fee"`
	Memo                    hexutil.Bytes  `json:"memo"`
}

type relayResponse struct {
	TxHash common.Hash `json:"tx_hash"`
}

func hexBig(x *big.Int) *hexutil.Big {
	if x == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(new(big.Int).Set(x))
}

func fromHexBig(x *hexutil.Big) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x.ToInt())
}

func toRelayRequest(c chain.WithdrawCall) relayRequest {
	return relayRequest{
		ExpectedContractVersion: hexutil.Uint64(c.ExpectedVersion),
		FeeToken:                c.Token,
		Amount:                  hexBig(c.Amount),
		WithdrawAddress:         c.To,
		RelayerAddress:          c.RelayerAddress,
		RelayerFee:              hexBig(c.RelayerFee),
		MerkleRoot:              c.MerkleRoot,
		NullifierHash:           c.OldNullifierHash,
		NewNote:                 c.NewNote,
		Proof:                   c.Proof,
		MacSalt:                 c.MacSalt,
		MacCommitment:           c.MacCommitment,
		PocketMoney:             hexBig(c.PocketMoney),
		ProtocolFee:             hexBig(c.ProtocolFee),
		Memo:                    c.Memo,
	}
}

func (r relayRequest) call() chain.WithdrawCall {
	return chain.WithdrawCall{
		ExpectedVersion:  uint32(r.ExpectedContractVersion),
		Token:            r.FeeToken,
		Amount:           fromHexBig(r.Amount),
		OldNullifierHash: r.NullifierHash,
		NewNote:          r.NewNote,
		MerkleRoot:       r.MerkleRoot,
		Proof:            r.Proof,
		To:               r.WithdrawAddress,
		RelayerAddress:   r.RelayerAddress,
		RelayerFee:       fromHexBig(r.RelayerFee),
		MacSalt:          r.MacSalt,
		MacCommitment:    r.MacCommitment,
		PocketMoney:      fromHexBig(r.PocketMoney),
		ProtocolFee:      fromHexBig(r.ProtocolFee),
		Memo:             r.Memo,
	}
}
