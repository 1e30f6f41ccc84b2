package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/api"
	"github.com/coinwar/settlement-engine/internal/custody"
	"github.com/coinwar/settlement-engine/internal/engine"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/oracle"
	"github.com/coinwar/settlement-engine/internal/settlement"
	"github.com/coinwar/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var start = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	eng     *engine.Engine
	custody *custody.Memory
	router  chi.Router
	now     time.Time
}

// newTestEnv creates a router over an engine whose pools are initialized and
// funded, with round 1 open at start.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{custody: custody.NewMemory(), now: start}

	eng, err := engine.New(store.NewMemoryStore(), env.custody, engine.DefaultConfig(),
		engine.WithClock(func() time.Time { return env.now }),
		engine.WithPicker(settlement.FixedPicker("alice")),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.eng = eng

	ctx := context.Background()
	for _, id := range model.CanonicalPools() {
		if _, err := eng.CreatePool(ctx, id); err != nil {
			t.Fatalf("create pool: %v", err)
		}
		env.custody.Fund(custody.PoolAccount(id), d(100))
	}
	if _, err := eng.OpenRound(ctx, start); err != nil {
		t.Fatalf("open round: %v", err)
	}

	src := oracle.NewStatic(map[model.PoolID]decimal.Decimal{
		model.PoolEthereum: d(2500),
		model.PoolBNB:      d(600),
		model.PoolSolana:   d(150),
		model.PoolPolygon:  d(40),
	})
	h := api.NewHandler(eng, src)

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) user(t *testing.T, id string, wallet float64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/users", map[string]string{"id": id})
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	e.custody.Fund(custody.UserAccount(id), d(wallet))
}

func TestDeposit(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "alice", 100)

	w := env.do(t, "POST", "/api/v1/deposit", map[string]any{
		"user_id":    "alice",
		"pool":       "ethereum",
		"amount":     "25",
		"prediction": "2400",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res engine.DepositResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.User.Balance.Equal(d(25)) {
		t.Errorf("expected balance 25, got %s", res.User.Balance)
	}
	if res.Pool.ID != model.PoolEthereum || !res.Pool.AveragePrediction.Equal(d(2400)) {
		t.Errorf("unexpected pool in response: %+v", res.Pool)
	}
	if res.Transaction.Kind != model.TxDeposit {
		t.Errorf("expected deposit record, got %v", res.Transaction.Kind)
	}

	w = env.do(t, "GET", "/api/v1/pools/Ethereum", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get pool: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pool model.Pool
	json.Unmarshal(w.Body.Bytes(), &pool)
	if !pool.TotalDeposit.Equal(d(25)) || pool.UserCount != 1 {
		t.Errorf("unexpected pool: %+v", pool)
	}

	w = env.do(t, "GET", "/api/v1/users/alice/transactions", nil)
	var txs []model.TransactionRecord
	json.Unmarshal(w.Body.Bytes(), &txs)
	if len(txs) != 1 || txs[0].Sequence != 0 {
		t.Errorf("expected one transaction with sequence 0, got %+v", txs)
	}
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "alice", 100)
	if w := env.do(t, "POST", "/api/v1/deposit", map[string]any{"user_id": "alice", "pool": "bnb", "amount": "50"}); w.Code != http.StatusOK {
		t.Fatalf("seed deposit: %d %s", w.Code, w.Body.String())
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"pool twice", "POST", "/api/v1/pools", map[string]string{"pool": "solana"}, http.StatusConflict},
		{"unknown pool code", "GET", "/api/v1/pools/dogecoin", nil, http.StatusNotFound},
		{"unknown user", "POST", "/api/v1/deposit", map[string]any{"user_id": "bob", "pool": "bnb", "amount": "5"}, http.StatusNotFound},
		{"below minimum", "POST", "/api/v1/deposit", map[string]any{"user_id": "alice", "pool": "bnb", "amount": "0.1"}, http.StatusBadRequest},
		{"missing user", "POST", "/api/v1/withdraw", map[string]any{"amount": "5"}, http.StatusBadRequest},
		{"insufficient balance", "POST", "/api/v1/withdraw", map[string]any{"user_id": "alice", "amount": "100"}, http.StatusConflict},
		{"payout while open", "POST", "/api/v1/rounds/current/payouts", map[string]any{"user_id": "alice", "prize_amount": "10"}, http.StatusConflict},
		{"round exists", "POST", "/api/v1/rounds", nil, http.StatusConflict},
		{"settle before end", "POST", "/api/v1/rounds/current/settle", nil, http.StatusConflict},
		{"short prices", "POST", "/api/v1/rounds/current/select", api.SelectRequest{
			Prices: []model.Quote{{Pool: model.PoolEthereum, Value: d(1)}},
		}, http.StatusBadRequest},
		{"bad round id", "GET", "/api/v1/rounds/abc/payouts", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	// Balance unchanged by the rejected withdrawal.
	w := env.do(t, "GET", "/api/v1/users/alice", nil)
	var u model.User
	json.Unmarshal(w.Body.Bytes(), &u)
	if !u.Balance.Equal(d(50)) {
		t.Errorf("expected balance 50, got %s", u.Balance)
	}
}

func TestTransferFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "alice", 100)
	env.custody.FailNext(errors.New("custodian offline"))

	w := env.do(t, "POST", "/api/v1/deposit", map[string]any{"user_id": "alice", "pool": "solana", "amount": "10"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "GET", "/api/v1/invariants", nil)
	if w.Code != http.StatusOK {
		t.Errorf("invariants: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSettleRound(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "alice", 100)
	env.user(t, "bob", 100)
	env.do(t, "POST", "/api/v1/deposit", map[string]any{"user_id": "alice", "pool": "ethereum", "amount": "30", "prediction": "2450"})
	env.do(t, "POST", "/api/v1/deposit", map[string]any{"user_id": "bob", "pool": "ethereum", "amount": "10", "prediction": "2550"})

	env.now = start.Add(5 * 24 * time.Hour)
	w := env.do(t, "POST", "/api/v1/rounds/current/settle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var next model.Round
	json.Unmarshal(w.Body.Bytes(), &next)
	if next.ID != 2 || next.Status != model.RoundOpen {
		t.Errorf("expected round 2 open, got %+v", next)
	}

	w = env.do(t, "GET", "/api/v1/rounds/1/payouts", nil)
	var payouts []model.Payout
	json.Unmarshal(w.Body.Bytes(), &payouts)
	if len(payouts) != 3 {
		t.Fatalf("expected two shares and a bonus, got %+v", payouts)
	}
	total := decimal.Zero
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	// 80% of 300 in losing-pool yield.
	if !total.Equal(d(240)) {
		t.Errorf("expected 240 paid, got %s", total)
	}

	w = env.do(t, "GET", "/api/v1/users/alice/payouts", nil)
	var mine []model.Payout
	json.Unmarshal(w.Body.Bytes(), &mine)
	if len(mine) != 2 {
		t.Errorf("expected alice to have a share and the bonus, got %+v", mine)
	}
}

func TestFaucetFundsDeposits(t *testing.T) {
	env := newTestEnv(t)
	env.router.Route("/dev", api.NewFaucet(env.custody).Routes)
	if w := env.do(t, "POST", "/api/v1/users", map[string]string{"id": "dora"}); w.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, "POST", "/dev/wallets/dora/fund", map[string]string{"amount": "0"}); w.Code != http.StatusBadRequest {
		t.Errorf("zero funding: expected 400, got %d", w.Code)
	}
	w := env.do(t, "POST", "/dev/wallets/dora/fund", map[string]string{"amount": "15"})
	if w.Code != http.StatusOK {
		t.Fatalf("fund: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/deposit", map[string]any{"user_id": "dora", "pool": "polygon", "amount": "15"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if bal := env.custody.Balance(custody.UserAccount("dora")); !bal.IsZero() {
		t.Errorf("expected empty wallet after deposit, got %s", bal)
	}
}

func TestSettleRound_OracleDownIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	down := httptest.NewServer(http.NotFoundHandler())
	endpoint := down.URL
	down.Close()

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(env.eng, oracle.NewHTTPSource(endpoint)).Routes)
	env.router = r

	env.now = start.Add(5 * 24 * time.Hour)
	w := env.do(t, "POST", "/api/v1/rounds/current/settle", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	var round model.Round
	json.Unmarshal(env.do(t, "GET", "/api/v1/rounds/current", nil).Body.Bytes(), &round)
	if round.ID != 1 || round.Status != model.RoundOpen {
		t.Errorf("expected round 1 still open, got %+v", round)
	}
}
