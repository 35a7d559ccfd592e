package chain

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"shielder/internal/circuits"
	"shielder/internal/circuits/circuitstest"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
)

const testDepth = 4

var (
	alice   = common.HexToAddress("0xa11ce")
	relayer = common.HexToAddress("0x4e1a7e4")
)

func TestMerkleTreeMatchesPathFolding(t *testing.T) {
	tree := NewMerkleTree(testDepth)
	empty := tree.Root()
	for i := uint64(0); i < 5; i++ {
		idx, err := tree.Append(crypto.ScalarFromUint64(i + 1))
		require.NoError(t, err)
		require.Equal(t, i, idx)
	}
	require.False(t, empty.Equal(tree.Root()))

	for i := uint64(0); i < tree.Size(); i++ {
		path, err := tree.Path(i)
		require.NoError(t, err)
		leaf, err := tree.Leaf(i)
		require.NoError(t, err)
		root, err := crypto.MerkleRoot(leaf, i, path)
		require.NoError(t, err)
		require.True(t, tree.Root().Equal(root), "leaf %d", i)
	}

	_, err := tree.Path(5)
	require.Error(t, err)
}

func TestMerkleTreeFull(t *testing.T) {
	tree := NewMerkleTree(1)
	_, err := tree.Append(crypto.ScalarFromUint64(1))
	require.NoError(t, err)
	_, err = tree.Append(crypto.ScalarFromUint64(2))
	require.NoError(t, err)
	_, err = tree.Append(crypto.ScalarFromUint64(3))
	require.ErrorIs(t, err, ErrTreeFull)
}

type account struct {
	id    crypto.Scalar
	nonce uint64
	bal   *big.Int
	note  crypto.Scalar
	index uint64
}

func nullifier(id crypto.Scalar, nonce uint64) crypto.Scalar {
	return crypto.Hash(id, crypto.ScalarFromUint64(nonce))
}

func newAccountCall(t *testing.T, b *circuitstest.Backend, acc *account, amount int64) NewAccountCall {
	t.Helper()
	advice := &circuits.NewAccountAdvice{
		ID:         acc.id,
		Nullifier:  nullifier(acc.id, 0),
		Amount:     crypto.ScalarFromUint64(uint64(amount)),
		Token:      shielder.NativeToken().Scalar(),
		Commitment: circuits.DepositCommitment(alice, big.NewInt(0), nil),
		MacSalt:    crypto.ScalarFromUint64(3),
	}
	raw, err := circuits.EncodeAdvice(advice)
	require.NoError(t, err)
	proof, err := b.Prove(context.Background(), circuits.NewAccount, raw)
	require.NoError(t, err)
	pub := advice.Derive()
	return NewAccountCall{
		ExpectedVersion: shielder.ContractVersion,
		Amount:          big.NewInt(amount),
		NewNote:         pub.HNote,
		Prenullifier:    pub.Prenullifier,
		MacSalt:         pub.MacSalt,
		MacCommitment:   pub.MacCommitment,
		ProtocolFee:     big.NewInt(0),
		Proof:           proof.Proof,
	}
}

func withdrawCall(t *testing.T, l *Ledger, b *circuitstest.Backend, acc *account, amount int64) WithdrawCall {
	t.Helper()
	return withdrawTokenCall(t, l, b, acc, amount, shielder.NativeToken())
}

func withdrawTokenCall(t *testing.T, l *Ledger, b *circuitstest.Backend, acc *account, amount int64, token shielder.Token) WithdrawCall {
	t.Helper()
	ctx := context.Background()
	path, _, err := l.MerklePath(ctx, acc.index)
	require.NoError(t, err)
	to := common.HexToAddress("0xb0b")
	fee := big.NewInt(1)
	advice := &circuits.SpendAdvice{
		ID:           acc.id,
		NullifierOld: nullifier(acc.id, acc.nonce-1),
		BalanceOld:   crypto.ScalarFromBigInt(acc.bal),
		NullifierNew: nullifier(acc.id, acc.nonce),
		Amount:       crypto.ScalarFromUint64(uint64(amount)),
		Token:        token.Scalar(),
		Commitment:   circuits.WithdrawCommitment(to, relayer, fee, big.NewInt(0), big.NewInt(0), nil),
		MacSalt:      crypto.ScalarFromUint64(4),
		NoteIndex:    acc.index,
		Path:         path,
	}
	raw, err := circuits.EncodeAdvice(advice)
	require.NoError(t, err)
	proof, err := b.Prove(ctx, circuits.Withdraw, raw)
	require.NoError(t, err)
	pub, err := advice.Derive(true)
	require.NoError(t, err)
	return WithdrawCall{
		ExpectedVersion:  shielder.ContractVersion,
		Token:            token.Address,
		Amount:           big.NewInt(amount),
		OldNullifierHash: pub.HNullifierOld,
		NewNote:          pub.HNoteNew,
		MerkleRoot:       pub.MerkleRoot,
		Proof:            proof.Proof,
		To:               to,
		RelayerAddress:   relayer,
		RelayerFee:       fee,
		MacSalt:          pub.MacSalt,
		MacCommitment:    pub.MacCommitment,
		PocketMoney:      big.NewInt(0),
		ProtocolFee:      big.NewInt(0),
	}
}

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := circuitstest.New()
	l := NewLedger(testDepth, backend, zerolog.Nop())
	acc := &account{id: crypto.ScalarFromUint64(42), bal: big.NewInt(10)}

	call := newAccountCall(t, backend, acc, 10)
	hash, err := l.NewAccount(ctx, alice, call)
	require.NoError(t, err)
	acc.nonce, acc.note, acc.index = 1, call.NewNote, 0

	block, found, err := l.NullifierBlock(ctx, call.Prenullifier)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), block)

	events, err := l.EventsInBlock(ctx, block)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, hash, events[0].TxHash)
	require.Equal(t, shielder.TxNewAccount, events[0].Kind)
	require.Equal(t, shielder.NewAccountTx{}, events[0].Transaction().Variant)

	t.Run("prenullifier reuse", func(t *testing.T) {
		_, err := l.NewAccount(ctx, alice, call)
		require.ErrorIs(t, err, ErrDoubleSpend)
	})

	t.Run("version mismatch", func(t *testing.T) {
		other := newAccountCall(t, backend, &account{id: crypto.ScalarFromUint64(43)}, 1)
		other.ExpectedVersion = 0x000100
		_, err := l.NewAccount(ctx, alice, other)
		require.ErrorIs(t, err, ErrVersionMismatch)
	})

	t.Run("commitment bound to caller", func(t *testing.T) {
		other := newAccountCall(t, backend, &account{id: crypto.ScalarFromUint64(44)}, 1)
		_, err := l.NewAccount(ctx, common.HexToAddress("0xe5e"), other)
		require.ErrorIs(t, err, ErrInvalidProof)
	})

	t.Run("note spent as another token", func(t *testing.T) {
		other := withdrawTokenCall(t, l, backend, acc, 4, shielder.ERC20Token(common.HexToAddress("0xaa")))
		_, err := l.Withdraw(ctx, other)
		require.ErrorIs(t, err, ErrUnknownMerkleRoot)
	})

	t.Run("amount equal to fees", func(t *testing.T) {
		bad := withdrawCall(t, l, backend, acc, 1)
		_, err := l.Withdraw(ctx, bad)
		require.ErrorContains(t, err, "does not exceed fees")
	})

	w := withdrawCall(t, l, backend, acc, 4)
	_, err = l.Withdraw(ctx, w)
	require.NoError(t, err)
	latest, err := l.LatestBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest)

	events, err = l.EventsInBlock(ctx, 2)
	require.NoError(t, err)
	tx := events[0].Transaction()
	require.Equal(t, shielder.TxWithdraw, tx.Kind())
	require.Equal(t, big.NewInt(1), tx.Variant.(shielder.WithdrawTx).RelayerFee)
	require.Equal(t, uint64(1), events[0].NewNoteIndex)

	t.Run("nullifier reuse", func(t *testing.T) {
		_, err := l.Withdraw(ctx, w)
		require.ErrorIs(t, err, ErrDoubleSpend)
	})

	t.Run("unknown root", func(t *testing.T) {
		bad := w
		bad.OldNullifierHash = crypto.ScalarFromUint64(1)
		bad.MerkleRoot = crypto.ScalarFromUint64(2)
		_, err := l.Withdraw(ctx, bad)
		require.ErrorIs(t, err, ErrUnknownMerkleRoot)
	})

	t.Run("save and load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ledger.json")
		require.NoError(t, l.SaveToFile(path))
		loaded, err := LoadLedgerFromFile(path, backend, zerolog.Nop())
		require.NoError(t, err)

		_, root1, err := l.MerklePath(ctx, 1)
		require.NoError(t, err)
		_, root2, err := loaded.MerklePath(ctx, 1)
		require.NoError(t, err)
		require.True(t, root1.Equal(root2))

		block, found, err := loaded.NullifierBlock(ctx, w.OldNullifierHash)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, uint64(2), block)

		events, err := loaded.EventsInBlock(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, w.To, events[0].To)
	})
}

type countingReader struct {
	Reader
	calls int
}

func (c *countingReader) EventsInBlock(ctx context.Context, block uint64) ([]Event, error) {
	c.calls++
	return c.Reader.EventsInBlock(ctx, block)
}

func TestCachedReader(t *testing.T) {
	ctx := context.Background()
	backend := circuitstest.New()
	l := NewLedger(testDepth, backend, zerolog.Nop())
	_, err := l.NewAccount(ctx, alice, newAccountCall(t, backend, &account{id: crypto.ScalarFromUint64(1)}, 5))
	require.NoError(t, err)

	inner := &countingReader{Reader: l}
	cached, err := NewCachedReader(inner, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		events, err := cached.EventsInBlock(ctx, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
	}
	require.Equal(t, 1, inner.calls)

	_, err = cached.EventsInBlock(ctx, 9)
	require.Error(t, err)
}
