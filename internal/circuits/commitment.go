package circuits

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

// DepositCommitment binds the submitter, protocol fee and memo of a deposit or
// account creation to its proof. The ledger recomputes it from calldata.
func DepositCommitment(caller common.Address, protocolFee *big.Int, memo []byte) crypto.Scalar {
	return commit(caller.Bytes(), word(protocolFee), memoHash(memo))
}

// WithdrawCommitment binds every relayer-facing parameter of a withdrawal to its proof.
func WithdrawCommitment(to, relayer common.Address, relayerFee, pocketMoney, protocolFee *big.Int, memo []byte) crypto.Scalar {
	return commit(to.Bytes(), relayer.Bytes(), word(relayerFee), word(pocketMoney), word(protocolFee), memoHash(memo))
}

func commit(parts ...[]byte) crypto.Scalar {
	h := sha3.NewLegacyKeccak256()
	v := shielder.ContractVersionBytes()
	h.Write(v[:])
	for _, p := range parts {
		h.Write(p)
	}
	return crypto.ScalarFromBytes(h.Sum(nil))
}

func word(x *big.Int) []byte {
	if x == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(x.Bytes(), 32)
}

func memoHash(memo []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(memo)
	return h.Sum(nil)
}
