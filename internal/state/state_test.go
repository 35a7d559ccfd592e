package state

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shielder/internal/actions"
	"shielder/internal/chain"
	"shielder/internal/circuits/circuitstest"
	"shielder/internal/crypto"
	"shielder/internal/shielder"
	"shielder/internal/storage"
)

var (
	caller      = common.HexToAddress("0xc0ffee")
	relayerAddr = common.HexToAddress("0xfee")
	recipient   = common.HexToAddress("0xb0b")
	tokenA      = shielder.ERC20Token(common.HexToAddress("0xaa"))
	tokenB      = shielder.ERC20Token(common.HexToAddress("0xbb"))
)

type env struct {
	ledger   *chain.Ledger
	secrets  *crypto.SeedSecrets
	builder  *actions.Builder
	registry *Registry
}

func newRegistry(t *testing.T, secrets crypto.SecretManager) *Registry {
	t.Helper()
	store, err := storage.OpenMemory(shielder.StorageSchemaVersion, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, secrets)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	backend := circuitstest.New()
	ledger := chain.NewLedger(8, backend, zerolog.Nop())
	return newEnvOn(t, ledger, backend, []byte("alice"))
}

func newEnvOn(t *testing.T, ledger *chain.Ledger, backend *circuitstest.Backend, seed []byte) *env {
	t.Helper()
	secrets := crypto.NewSeedSecrets(seed)
	return &env{
		ledger:  ledger,
		secrets: secrets,
		builder: actions.NewBuilder(actions.Config{
			Secrets:  secrets,
			Reader:   ledger,
			Writer:   ledger,
			Prover:   backend,
			Verifier: backend,
			Logger:   zerolog.Nop(),
		}),
		registry: newRegistry(t, secrets),
	}
}

func (e *env) synchronizer(opts ...Option) *Synchronizer {
	return NewSynchronizer(e.ledger, e.registry, e.secrets, zerolog.Nop(), opts...)
}

// latest replays the chain for token without touching the registry.
func (e *env) latest(t *testing.T, token shielder.Token) shielder.AccountStateMerkleIndexed {
	t.Helper()
	f := NewFinder(e.ledger, e.secrets, zerolog.Nop())
	s := shielder.EmptyAccountState(e.secrets.AccountID(token.Scalar()), token)
	var out shielder.AccountStateMerkleIndexed
	for {
		tr, err := f.FindStateTransition(context.Background(), s)
		require.NoError(t, err)
		if tr == nil {
			return out
		}
		out = tr.NewState
		s = tr.NewState.AccountState
	}
}

func (e *env) newAccount(t *testing.T, token shielder.Token, amount int64) {
	t.Helper()
	ctx := context.Background()
	a := e.builder.NewAccount()
	s := shielder.EmptyAccountState(e.secrets.AccountID(token.Scalar()), token)
	cd, err := a.GenerateCalldata(ctx, s, actions.NewAccountParams{Amount: big.NewInt(amount), Caller: caller})
	require.NoError(t, err)
	_, err = a.SendCalldata(ctx, cd, caller)
	require.NoError(t, err)
}

func (e *env) deposit(t *testing.T, token shielder.Token, amount int64) {
	t.Helper()
	ctx := context.Background()
	a := e.builder.Deposit()
	cd, err := a.GenerateCalldata(ctx, e.latest(t, token), actions.DepositParams{Amount: big.NewInt(amount), Caller: caller})
	require.NoError(t, err)
	_, err = a.SendCalldata(ctx, cd, caller)
	require.NoError(t, err)
}

func (e *env) withdraw(t *testing.T, token shielder.Token, amount int64) {
	t.Helper()
	ctx := context.Background()
	cd, err := e.builder.Withdraw().GenerateCalldata(ctx, e.latest(t, token), actions.WithdrawParams{
		Amount:         big.NewInt(amount),
		RelayerAddress: relayerAddr,
		RelayerFee:     big.NewInt(1),
		To:             recipient,
	})
	require.NoError(t, err)
	_, err = e.ledger.Withdraw(ctx, cd.WithdrawCall)
	require.NoError(t, err)
}

func kinds(txs []shielder.ShielderTransaction) []shielder.TxKind {
	out := make([]shielder.TxKind, len(txs))
	for i, tx := range txs {
		out[i] = tx.Kind()
	}
	return out
}

func TestSyncSingleAccount(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.newAccount(t, tokenA, 10)
	e.deposit(t, tokenA, 5)
	e.withdraw(t, tokenA, 4)

	var observed []shielder.ShielderTransaction
	s := e.synchronizer(WithTransactionObserver(func(tx shielder.ShielderTransaction) {
		observed = append(observed, tx)
	}))

	txs, err := s.SyncSingleAccount(ctx, tokenA)
	require.NoError(t, err)
	require.Equal(t, []shielder.TxKind{shielder.TxNewAccount, shielder.TxDeposit, shielder.TxWithdraw}, kinds(txs))
	require.Equal(t, txs, observed)

	w, ok := txs[2].Variant.(shielder.WithdrawTx)
	require.True(t, ok)
	require.Equal(t, recipient, w.To)
	require.Equal(t, big.NewInt(1), w.RelayerFee)
	require.Equal(t, uint64(3), txs[2].Block)

	stored, err := e.registry.GetIndexedAccountState(tokenA)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, uint64(3), stored.Nonce)
	require.Equal(t, big.NewInt(11), stored.Balance)
	require.Equal(t, uint64(2), stored.CurrentNoteIndex)
	require.True(t, stored.CurrentNote.Equal(e.latest(t, tokenA).CurrentNote))

	txs, err = s.SyncSingleAccount(ctx, tokenA)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestSyncUnknownTokenIsEmpty(t *testing.T) {
	e := newEnv(t)
	txs, err := e.synchronizer().SyncSingleAccount(context.Background(), tokenB)
	require.NoError(t, err)
	require.Empty(t, txs)

	stored, err := e.registry.GetAccountState(tokenB)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestSyncResumesAfterInterruption(t *testing.T) {
	e := newEnv(t)
	e.newAccount(t, tokenA, 10)
	e.deposit(t, tokenA, 3)
	e.withdraw(t, tokenA, 2)
	e.deposit(t, tokenA, 7)

	ctx, cancel := context.WithCancel(context.Background())
	interrupted := e.synchronizer(WithTransactionObserver(func(shielder.ShielderTransaction) { cancel() }))
	txs, err := interrupted.SyncSingleAccount(ctx, tokenA)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, txs, 1)

	stored, err := e.registry.GetAccountState(tokenA)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stored.Nonce)

	txs, err = e.synchronizer().SyncSingleAccount(context.Background(), tokenA)
	require.NoError(t, err)
	require.Equal(t, []shielder.TxKind{shielder.TxDeposit, shielder.TxWithdraw, shielder.TxDeposit}, kinds(txs))

	fresh := newRegistry(t, e.secrets)
	_, err = NewSynchronizer(e.ledger, fresh, e.secrets, zerolog.Nop()).SyncSingleAccount(context.Background(), tokenA)
	require.NoError(t, err)

	resumed, err := e.registry.GetIndexedAccountState(tokenA)
	require.NoError(t, err)
	uninterrupted, err := fresh.GetIndexedAccountState(tokenA)
	require.NoError(t, err)
	require.Equal(t, uninterrupted.Nonce, resumed.Nonce)
	require.Equal(t, 0, uninterrupted.Balance.Cmp(resumed.Balance))
	require.True(t, uninterrupted.CurrentNote.Equal(resumed.CurrentNote))
	require.Equal(t, uninterrupted.CurrentNoteIndex, resumed.CurrentNoteIndex)
}

func TestConcurrentSyncOfOneToken(t *testing.T) {
	e := newEnv(t)
	e.newAccount(t, tokenA, 10)
	e.deposit(t, tokenA, 5)
	e.deposit(t, tokenA, 5)
	// two synchronizers over one registry still take turns on a token
	syncers := [2]*Synchronizer{e.synchronizer(), e.synchronizer()}

	var (
		wg      sync.WaitGroup
		results [2][]shielder.ShielderTransaction
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = syncers[i].SyncSingleAccount(context.Background(), tokenA)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 3, len(results[0])+len(results[1]))
	require.True(t, len(results[0]) == 0 || len(results[1]) == 0)

	stored, err := e.registry.GetAccountState(tokenA)
	require.NoError(t, err)
	require.Equal(t, uint64(3), stored.Nonce)
	require.Equal(t, big.NewInt(20), stored.Balance)
	require.Zero(t, e.registry.locks.Locks())
}

func TestSyncAllAccounts(t *testing.T) {
	backend := circuitstest.New()
	ledger := chain.NewLedger(8, backend, zerolog.Nop())
	e := newEnvOn(t, ledger, backend, []byte("alice"))
	bob := newEnvOn(t, ledger, backend, []byte("bob"))

	e.newAccount(t, tokenB, 4)
	bob.newAccount(t, tokenA, 9)
	e.newAccount(t, tokenA, 6)
	e.deposit(t, tokenB, 1)

	txs, err := e.synchronizer().SyncAllAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 3)

	first, err := e.registry.TokenByAccountIndex(shielder.FirstAccountIndex)
	require.NoError(t, err)
	require.Equal(t, tokenB, *first)
	second, err := e.registry.TokenByAccountIndex(shielder.FirstAccountIndex + 1)
	require.NoError(t, err)
	require.Equal(t, tokenA, *second)
	third, err := e.registry.TokenByAccountIndex(shielder.FirstAccountIndex + 2)
	require.NoError(t, err)
	require.Nil(t, third)

	accounts, err := e.registry.Accounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, big.NewInt(5), accounts[0].Balance)
	assert.Equal(t, big.NewInt(6), accounts[1].Balance)

	txs, err = e.synchronizer().SyncAllAccounts(context.Background())
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestCorruptedStateIsRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.newAccount(t, tokenA, 10)
	s := e.synchronizer()
	_, err := s.SyncSingleAccount(ctx, tokenA)
	require.NoError(t, err)

	stored, err := e.registry.GetIndexedAccountState(tokenA)
	require.NoError(t, err)

	t.Run("balance", func(t *testing.T) {
		bad := *stored
		bad.Balance = big.NewInt(1000)
		require.NoError(t, e.registry.UpdateAccountState(tokenA, bad))
		_, err := s.SyncSingleAccount(ctx, tokenA)
		require.ErrorIs(t, err, shielder.ErrAccountNotOnChain)
	})

	t.Run("index", func(t *testing.T) {
		bad := *stored
		bad.CurrentNoteIndex = 5
		require.NoError(t, e.registry.UpdateAccountState(tokenA, bad))
		_, err := s.SyncSingleAccount(ctx, tokenA)
		require.ErrorIs(t, err, shielder.ErrAccountNotOnChain)
	})

	t.Run("restored", func(t *testing.T) {
		require.NoError(t, e.registry.UpdateAccountState(tokenA, *stored))
		_, err := s.SyncSingleAccount(ctx, tokenA)
		require.NoError(t, err)
	})
}

type scriptedReader struct {
	chain.Reader
	block  uint64
	events []chain.Event
}

func (r *scriptedReader) NullifierBlock(context.Context, crypto.Scalar) (uint64, bool, error) {
	return r.block, true, nil
}

func (r *scriptedReader) EventsInBlock(context.Context, uint64) ([]chain.Event, error) {
	return r.events, nil
}

func TestFinderInvariantViolations(t *testing.T) {
	secrets := crypto.NewSeedSecrets([]byte("alice"))
	s := shielder.EmptyAccountState(secrets.AccountID(tokenA.Scalar()), tokenA)
	next, err := actions.RawNewAccount(secrets, s, big.NewInt(3))
	require.NoError(t, err)
	good := chain.Event{
		Kind:    shielder.TxNewAccount,
		Block:   7,
		Token:   tokenA.Address,
		Amount:  big.NewInt(3),
		Marker:  crypto.Prenullifier(s.ID),
		NewNote: next.CurrentNote,
	}
	other := chain.Event{Kind: shielder.TxDeposit, Block: 7, Token: tokenB.Address, Amount: big.NewInt(1), Marker: crypto.ScalarFromUint64(99)}

	cases := []struct {
		name   string
		events []chain.Event
	}{
		{"spent twice", []chain.Event{good, other, good}},
		{"missing event", []chain.Event{other}},
		{"wrong note", []chain.Event{func() chain.Event { ev := good; ev.NewNote = crypto.ScalarFromUint64(1); return ev }()}},
		{"wrong token", []chain.Event{func() chain.Event { ev := good; ev.Token = tokenB.Address; return ev }()}},
		{"wrong kind", []chain.Event{func() chain.Event { ev := good; ev.Kind = shielder.TxDeposit; return ev }()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFinder(&scriptedReader{block: 7, events: tc.events}, secrets, zerolog.Nop())
			_, err := f.FindStateTransition(context.Background(), s)
			require.ErrorIs(t, err, shielder.ErrProtocolInvariantViolation)
		})
	}

	f := NewFinder(&scriptedReader{block: 7, events: []chain.Event{other, good}}, secrets, zerolog.Nop())
	tr, err := f.FindStateTransition(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, shielder.TxNewAccount, tr.Transaction.Kind())
	require.Equal(t, uint64(1), tr.NewState.Nonce)
	require.Equal(t, big.NewInt(3), tr.NewState.Balance)

	again, err := f.FindStateTransition(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, tr, again)
}

func TestLockmap(t *testing.T) {
	l := newLockmap[string]()
	require.NoError(t, l.Lock(context.Background(), "a"))
	require.NoError(t, l.Lock(context.Background(), "b"))
	require.Equal(t, 2, l.Locks())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Lock(ctx, "a"), context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		assert.NoError(t, l.Lock(context.Background(), "a"))
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock("a")
	<-acquired
	l.Unlock("a")
	l.Unlock("b")
	require.Zero(t, l.Locks())
}

func TestRegistryRejectsMismatchedToken(t *testing.T) {
	secrets := crypto.NewSeedSecrets([]byte("alice"))
	r := newRegistry(t, secrets)
	s := shielder.AccountStateMerkleIndexed{AccountState: r.CreateEmptyAccountState(tokenA)}
	require.Error(t, r.UpdateAccountState(tokenB, s))

	require.NoError(t, r.UpdateAccountState(tokenA, s))
	require.NoError(t, r.UpdateAccountState(tokenA, s))
	first, err := r.TokenByAccountIndex(shielder.FirstAccountIndex)
	require.NoError(t, err)
	require.Equal(t, tokenA, *first)
	second, err := r.TokenByAccountIndex(shielder.FirstAccountIndex + 1)
	require.NoError(t, err)
	require.Nil(t, second)
}
