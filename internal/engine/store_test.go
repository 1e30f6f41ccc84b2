package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/coinwar/settlement-engine/internal/custody"
	"github.com/coinwar/settlement-engine/internal/engine"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/store"
)

// staleCache serves pools and users from snapshots taken earlier, the state
// a read-through cache is left in when a reader repopulates it after a
// commit invalidated the key. Writes and every other read hit the wrapped
// store.
type staleCache struct {
	*store.MemoryStore
	pools map[model.PoolID]model.Pool
	users map[string]model.User
}

func (c *staleCache) Primary() store.Store { return c.MemoryStore }

func (c *staleCache) GetPool(ctx context.Context, id model.PoolID) (*model.Pool, error) {
	if p, ok := c.pools[id]; ok {
		return &p, nil
	}
	return c.MemoryStore.GetPool(ctx, id)
}

func (c *staleCache) GetUser(ctx context.Context, id string) (*model.User, error) {
	if u, ok := c.users[id]; ok {
		return &u, nil
	}
	return c.MemoryStore.GetUser(ctx, id)
}

// snapshot pins the current primary state of a pool and a user in the cache.
func (c *staleCache) snapshot(t *testing.T, pool model.PoolID, user string) {
	t.Helper()
	ctx := context.Background()
	p, err := c.MemoryStore.GetPool(ctx, pool)
	if err != nil {
		t.Fatalf("snapshot pool: %v", err)
	}
	u, err := c.MemoryStore.GetUser(ctx, user)
	if err != nil {
		t.Fatalf("snapshot user: %v", err)
	}
	c.pools[pool] = *p
	c.users[user] = *u
}

func TestDeposit_IgnoresStaleCache(t *testing.T) {
	var cache *staleCache
	env := newTestEnvOver(t, func(ms *store.MemoryStore) store.Store {
		cache = &staleCache{
			MemoryStore: ms,
			pools:       make(map[model.PoolID]model.Pool),
			users:       make(map[string]model.User),
		}
		return cache
	})
	ctx := context.Background()
	env.fundedUser(t, "alice", 100)
	env.fundedUser(t, "bob", 100)
	env.deposit(t, "alice", model.PoolEthereum, 10, ptr(d(10)))

	// A query read total 10 before alice's second deposit committed, then
	// wrote it back into the cache.
	cache.snapshot(t, model.PoolEthereum, "alice")
	env.deposit(t, "alice", model.PoolEthereum, 5, nil)
	env.deposit(t, "bob", model.PoolEthereum, 5, ptr(d(20)))
	env.deposit(t, "alice", model.PoolEthereum, 5, nil)

	p, err := env.store.GetPool(ctx, model.PoolEthereum)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if !p.TotalDeposit.Equal(d(25)) || p.UserCount != 2 {
		t.Errorf("expected total 25 over 2 users, got total=%s users=%d", p.TotalDeposit, p.UserCount)
	}
	u, err := env.store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.Balance.Equal(d(20)) {
		t.Errorf("expected alice balance 20, got %s", u.Balance)
	}
	env.checkInvariants(t)

	// Queries may still serve the cached copy.
	if cached := env.pool(t, model.PoolEthereum); !cached.TotalDeposit.Equal(d(10)) {
		t.Errorf("expected the cached query to return 10, got %s", cached.TotalDeposit)
	}
}

var errDBDown = errors.New("db down")

// failingCommit rejects every Commit while fail is set.
type failingCommit struct {
	*store.MemoryStore
	fail bool
}

func (f *failingCommit) Commit(ctx context.Context, b *store.Batch) error {
	if f.fail {
		return errDBDown
	}
	return f.MemoryStore.Commit(ctx, b)
}

func newFailingCommitEnv(t *testing.T) (*testEnv, *failingCommit) {
	t.Helper()
	var fc *failingCommit
	env := newTestEnvOver(t, func(ms *store.MemoryStore) store.Store {
		fc = &failingCommit{MemoryStore: ms}
		return fc
	})
	return env, fc
}

func TestDeposit_CommitFailureReversesTransfer(t *testing.T) {
	env, fc := newFailingCommitEnv(t)
	env.fundedUser(t, "alice", 100)

	fc.fail = true
	_, err := env.eng.Deposit(context.Background(), engine.DepositRequest{
		UserID: "alice", Pool: model.PoolEthereum, Amount: d(40), Prediction: ptr(d(10)),
	})
	if !errors.Is(err, errDBDown) {
		t.Fatalf("expected commit error, got %v", err)
	}
	fc.fail = false

	if got := env.custody.Balance(custody.UserAccount("alice")); !got.Equal(d(100)) {
		t.Errorf("expected wallet restored to 100, got %s", got)
	}
	if got := env.custody.Balance(custody.PoolAccount(model.PoolEthereum)); !got.Equal(d(100)) {
		t.Errorf("expected ethereum wallet 100, got %s", got)
	}
	if u := env.user(t, "alice"); u.Pool != nil || !u.Balance.IsZero() {
		t.Errorf("expected alice unattributed with 0, got pool=%v balance=%s", u.Pool, u.Balance)
	}
	if p := env.pool(t, model.PoolEthereum); !p.TotalDeposit.IsZero() || p.UserCount != 0 {
		t.Errorf("expected empty pool, got total=%s users=%d", p.TotalDeposit, p.UserCount)
	}
	txs, _ := env.eng.ListTransactions(context.Background(), "alice")
	if len(txs) != 0 {
		t.Errorf("expected no transaction records, got %d", len(txs))
	}
	env.checkInvariants(t)
}

func TestWithdraw_CommitFailureReversesTransfer(t *testing.T) {
	env, fc := newFailingCommitEnv(t)
	env.fundedUser(t, "alice", 100)
	env.deposit(t, "alice", model.PoolEthereum, 40, ptr(d(10)))

	fc.fail = true
	_, err := env.eng.Withdraw(context.Background(), engine.WithdrawRequest{UserID: "alice", Amount: d(15)})
	if !errors.Is(err, errDBDown) {
		t.Fatalf("expected commit error, got %v", err)
	}
	fc.fail = false

	if got := env.custody.Balance(custody.UserAccount("alice")); !got.Equal(d(60)) {
		t.Errorf("expected wallet 60, got %s", got)
	}
	if got := env.custody.Balance(custody.PoolAccount(model.PoolEthereum)); !got.Equal(d(140)) {
		t.Errorf("expected ethereum wallet restored to 140, got %s", got)
	}
	u := env.user(t, "alice")
	if !u.Balance.Equal(d(40)) || !u.LastPrediction.Equal(d(10)) {
		t.Errorf("expected balance 40 and prediction 10, got balance=%s prediction=%s", u.Balance, u.LastPrediction)
	}
	if p := env.pool(t, model.PoolEthereum); !p.TotalDeposit.Equal(d(40)) {
		t.Errorf("expected pool total 40, got %s", p.TotalDeposit)
	}
	env.checkInvariants(t)
}

func TestPayWinningPoolUser_CommitFailureReversesTransfer(t *testing.T) {
	env, fc := newFailingCommitEnv(t)
	seedRound(t, env)
	ctx := context.Background()

	predictions, _ := env.eng.CurrentPredictions(ctx)
	if _, err := env.eng.SelectWinningPool(ctx, predictions, prices(12, 12, 150, 50)); err != nil {
		t.Fatalf("select: %v", err)
	}

	fc.fail = true
	if _, err := env.eng.PayWinningPoolUser(ctx, "alice", d(200)); !errors.Is(err, errDBDown) {
		t.Fatalf("expected commit error, got %v", err)
	}
	fc.fail = false

	if got := env.custody.Balance(custody.UserAccount("alice")); !got.Equal(d(90)) {
		t.Errorf("expected wallet 90, got %s", got)
	}
	if got := env.custody.Balance(custody.PoolAccount(model.PoolEthereum)); !got.Equal(d(380)) {
		t.Errorf("expected ethereum wallet restored to 380, got %s", got)
	}
	if u := env.user(t, "alice"); !u.LastPrediction.Equal(d(10)) || u.RoundHistoryCount != 0 {
		t.Errorf("alice mutated by failed payout: %+v", u)
	}
	r, _ := env.eng.CurrentRound(ctx)
	if !r.WinningAmount.IsZero() {
		t.Errorf("winning amount changed by failed payout: %s", r.WinningAmount)
	}
	if payouts, _ := env.eng.ListPayouts(ctx, r.ID); len(payouts) != 0 {
		t.Errorf("expected no payouts, got %+v", payouts)
	}

	// The same payout goes through once the store recovers.
	if _, err := env.eng.PayWinningPoolUser(ctx, "alice", d(200)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}
