package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shielder/internal/chain"
	"shielder/internal/crypto"
	"shielder/internal/transport"
)

type fakeWriter struct {
	chain.Writer
	err   error
	calls []chain.WithdrawCall
}

func (f *fakeWriter) Withdraw(_ context.Context, call chain.WithdrawCall) (common.Hash, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return common.HexToHash("0xabc"), nil
}

var feeAddr = common.HexToAddress("0xfee")

func testCall() chain.WithdrawCall {
	return chain.WithdrawCall{
		ExpectedVersion:  0x000101,
		Token:            common.HexToAddress("0x70"),
		Amount:           big.NewInt(100),
		OldNullifierHash: crypto.ScalarFromUint64(1),
		NewNote:          crypto.ScalarFromUint64(2),
		MerkleRoot:       crypto.ScalarFromUint64(3),
		Proof:            []byte{1, 2, 3},
		To:               common.HexToAddress("0xb0b"),
		RelayerAddress:   feeAddr,
		RelayerFee:       big.NewInt(5),
		MacSalt:          crypto.ScalarFromUint64(4),
		MacCommitment:    crypto.ScalarFromUint64(5),
		PocketMoney:      big.NewInt(7),
		ProtocolFee:      big.NewInt(1),
		Memo:             []byte("hi"),
	}
}

func fastRetry() transport.RetryConfig {
	return transport.RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: 5 * time.Second}
}

func newTestClient(t *testing.T, w chain.Writer) *Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(NewLocal(w, feeAddr, big.NewInt(5)), zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, fastRetry(), zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestClientAgainstLocalRelayer(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	c := newTestClient(t, w)

	addr, err := c.Address(ctx)
	require.NoError(t, err)
	require.Equal(t, feeAddr, addr)

	q, err := c.QuoteFees(ctx, common.HexToAddress("0x70"), big.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5), q.TotalFee)
	require.Equal(t, big.NewInt(7), q.PocketMoney)

	hash, err := c.Withdraw(ctx, testCall())
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xabc"), hash)

	require.Len(t, w.calls, 1)
	got, want := w.calls[0], testCall()
	assert.Equal(t, want.Amount, got.Amount)
	assert.Equal(t, want.To, got.To)
	assert.Equal(t, want.Memo, got.Memo)
	assert.Equal(t, want.Proof, got.Proof)
	assert.True(t, want.NewNote.Equal(got.NewNote))
	assert.Equal(t, want.ExpectedVersion, got.ExpectedVersion)
}

func TestClientVersionMismatch(t *testing.T) {
	w := &fakeWriter{err: fmt.Errorf("%w: call expects 000100", chain.ErrVersionMismatch)}
	c := newTestClient(t, w)

	_, err := c.Withdraw(context.Background(), testCall())
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestClientOtherFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("nonce too low")}
	c := newTestClient(t, w)

	_, err := c.Withdraw(context.Background(), testCall())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrVersionMismatch)
	require.Contains(t, err.Error(), "nonce too low")
}

func TestRelayIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c, err := NewClient(srv.URL, fastRetry(), zerolog.Nop())
	require.NoError(t, err)

	_, err = c.Withdraw(context.Background(), testCall())
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestLocalRejectsWrongFeeAddress(t *testing.T) {
	l := NewLocal(&fakeWriter{}, feeAddr, big.NewInt(5))
	call := testCall()
	call.RelayerAddress = common.HexToAddress("0x1")
	_, err := l.Withdraw(context.Background(), call)
	require.Error(t, err)

	call = testCall()
	call.RelayerFee = big.NewInt(4)
	_, err = l.Withdraw(context.Background(), call)
	require.Error(t, err)
}
