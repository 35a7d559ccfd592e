// Package relayer submits withdrawals on behalf of users. Client talks to a
// remote relayer over HTTP; Local relays straight into a chain.Writer.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"shielder/internal/chain"
)

// ErrVersionMismatch is returned when the relayer reports that the call targets
// another contract version.
var ErrVersionMismatch = errors.New("relayer: version mismatch")

// QuotedFees is a relayer fee quote for one withdrawal.
type QuotedFees struct {
	FeeToken    common.Address
	TotalFee    *big.Int // charged in FeeToken, deducted from the withdrawn amount
	GasCost     *big.Int // native
	RelayCost   *big.Int // native
	PocketMoney *big.Int // native, fronted to the recipient
}

// Relayer is the withdrawal submission capability.
type Relayer interface {
	// Address returns the address fees are paid to.
	Address(ctx context.Context) (common.Address, error)
	// QuoteFees prices a withdrawal of token with the given pocket money.
	QuoteFees(ctx context.Context, token common.Address, pocketMoney *big.Int) (*QuotedFees, error)
	// Withdraw relays call and returns its transaction hash.
	Withdraw(ctx context.Context, call chain.WithdrawCall) (common.Hash, error)
}

// Local relays into a ledger writer with a fixed fee.
type Local struct {
	writer  chain.Writer
	address common.Address
	fee     *big.Int
}

// NewLocal returns a relayer paying itself fee at address.
func NewLocal(writer chain.Writer, address common.Address, fee *big.Int) *Local {
	return &Local{writer: writer, address: address, fee: new(big.Int).Set(fee)}
}

// Address implements Relayer.
func (l *Local) Address(context.Context) (common.Address, error) {
	return l.address, nil
}

// QuoteFees implements Relayer.
func (l *Local) QuoteFees(_ context.Context, token common.Address, pocketMoney *big.Int) (*QuotedFees, error) {
	pm := new(big.Int)
	if pocketMoney != nil {
		pm.Set(pocketMoney)
	}
	return &QuotedFees{
		FeeToken:    token,
		TotalFee:    new(big.Int).Set(l.fee),
		GasCost:     new(big.Int).Set(l.fee),
		RelayCost:   new(big.Int),
		PocketMoney: pm,
	}, nil
}

// Withdraw implements Relayer.
func (l *Local) Withdraw(ctx context.Context, call chain.WithdrawCall) (common.Hash, error) {
	if call.RelayerAddress != l.address {
		return common.Hash{}, fmt.Errorf("fee address %s is not this relayer's %s", call.RelayerAddress.Hex(), l.address.Hex())
	}
	if call.RelayerFee == nil || call.RelayerFee.Cmp(l.fee) < 0 {
		return common.Hash{}, fmt.Errorf("relayer fee %v below quote %s", call.RelayerFee, l.fee)
	}
	hash, err := l.writer.Withdraw(ctx, call)
	if errors.Is(err, chain.ErrVersionMismatch) {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrVersionMismatch, err)
	}
	return hash, err
}
