package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/custody"
	"github.com/coinwar/settlement-engine/internal/engine"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/oracle"
	"github.com/coinwar/settlement-engine/internal/settlement"
)

// prices puts every pool's reference price in canonical order.
func prices(eth, bnb, sol, pol float64) []model.Quote {
	return []model.Quote{
		{Pool: model.PoolEthereum, Value: d(eth)},
		{Pool: model.PoolBNB, Value: d(bnb)},
		{Pool: model.PoolSolana, Value: d(sol)},
		{Pool: model.PoolPolygon, Value: d(pol)},
	}
}

func staticOracle(eth, bnb, sol, pol float64) *oracle.Static {
	return oracle.NewStatic(map[model.PoolID]decimal.Decimal{
		model.PoolEthereum: d(eth),
		model.PoolBNB:      d(bnb),
		model.PoolSolana:   d(sol),
		model.PoolPolygon:  d(pol),
	})
}

// seedRound puts alice and bob in ethereum (prediction 10) and carol in bnb
// (prediction 9).
func seedRound(t *testing.T, env *testEnv) {
	t.Helper()
	env.fundedUser(t, "alice", 100)
	env.fundedUser(t, "bob", 100)
	env.fundedUser(t, "carol", 100)
	env.deposit(t, "alice", model.PoolEthereum, 10, ptr(d(10)))
	env.deposit(t, "bob", model.PoolEthereum, 30, ptr(d(10)))
	env.deposit(t, "carol", model.PoolBNB, 50, ptr(d(9)))
}

func TestOpenRound_RejectsWhileCurrentRoundOpen(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.OpenRound(context.Background(), epoch)
	if !errors.Is(err, engine.ErrRoundExists) {
		t.Fatalf("expected ErrRoundExists, got %v", err)
	}
	r, err := env.eng.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID != 1 || r.Status != model.RoundOpen || !r.EndTime.Equal(epoch.Add(env.clock.Days(5))) {
		t.Errorf("unexpected round: %+v", r)
	}
}

func TestSelectWinningPool_ClosestPredictionWins(t *testing.T) {
	env := newTestEnv(t)
	seedRound(t, env)
	ctx := context.Background()

	predictions, err := env.eng.CurrentPredictions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// ethereum: |10-12| = 2, bnb: |9-12| = 3.
	r, err := env.eng.SelectWinningPool(ctx, predictions, prices(12, 12, 150, 50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.WinningPool == nil || *r.WinningPool != model.PoolEthereum {
		t.Fatalf("expected ethereum to win, got %v", r.WinningPool)
	}
	if r.Status != model.RoundResolving {
		t.Errorf("expected resolving, got %s", r.Status)
	}
	if !r.WinningPrediction.Equal(d(10)) || !r.ReferencePrice.Equal(d(12)) {
		t.Errorf("unexpected recorded values: prediction=%s price=%s", r.WinningPrediction, r.ReferencePrice)
	}
	// 80% of the other three pools' initial yield.
	if !r.TotalPrize.Equal(d(240)) {
		t.Errorf("expected total prize 240, got %s", r.TotalPrize)
	}
	if !r.BonusAmount.Equal(d(12)) {
		t.Errorf("expected bonus 12, got %s", r.BonusAmount)
	}

	// Losing pools keep 20% of their yield; their wallets paid the rest.
	for _, id := range []model.PoolID{model.PoolBNB, model.PoolSolana, model.PoolPolygon} {
		if p := env.pool(t, id); !p.AccruedYield.Equal(d(20)) {
			t.Errorf("%s: expected retained yield 20, got %s", id, p.AccruedYield)
		}
	}
	if got := env.custody.Balance(custody.PoolAccount(model.PoolEthereum)); !got.Equal(d(380)) {
		t.Errorf("expected ethereum wallet 100+40+240, got %s", got)
	}

	// Deposits are closed while resolving.
	_, err = env.eng.Deposit(ctx, engine.DepositRequest{UserID: "alice", Pool: model.PoolEthereum, Amount: d(5)})
	if !errors.Is(err, engine.ErrRoundNotOpen) {
		t.Errorf("expected ErrRoundNotOpen, got %v", err)
	}
}

func TestSelectWinningPool_RejectsMalformedInput(t *testing.T) {
	env := newTestEnv(t)
	seedRound(t, env)
	ctx := context.Background()
	predictions, _ := env.eng.CurrentPredictions(ctx)

	swapped := prices(12, 12, 150, 50)
	swapped[0], swapped[1] = swapped[1], swapped[0]

	tests := []struct {
		name   string
		prices []model.Quote
		target error
	}{
		{"short", prices(12, 12, 150, 50)[:3], settlement.ErrLengthMismatch},
		{"out of order", swapped, settlement.ErrOutOfOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.eng.SelectWinningPool(ctx, predictions, tt.prices)
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
			r, _ := env.eng.CurrentRound(ctx)
			if r.Status != model.RoundOpen || r.WinningPool != nil {
				t.Errorf("round mutated by rejected selection: %+v", r)
			}
		})
	}
}

func TestPayWinningPoolUser(t *testing.T) {
	env := newTestEnv(t)
	seedRound(t, env)
	ctx := context.Background()

	predictions, _ := env.eng.CurrentPredictions(ctx)
	if _, err := env.eng.SelectWinningPool(ctx, predictions, prices(12, 12, 150, 50)); err != nil {
		t.Fatalf("select: %v", err)
	}

	// alice holds 10 of 40.
	payout, err := env.eng.PayWinningPoolUser(ctx, "alice", d(200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payout.Amount.Equal(d(50)) || payout.Kind != model.PayoutShare {
		t.Errorf("expected share payout of 50, got %+v", payout)
	}
	if got := env.custody.Balance(custody.UserAccount("alice")); !got.Equal(d(140)) {
		t.Errorf("expected wallet 90+50, got %s", got)
	}

	u := env.user(t, "alice")
	if !u.LastPrediction.IsZero() || u.RoundHistoryCount != 1 {
		t.Errorf("expected prediction cleared and history 1, got %+v", u)
	}
	if !u.CurrentWeightedBalance.Equal(d(50)) || u.CurrentWeightedDays != 5 {
		t.Errorf("expected weighting reset to balance, got wb=%s wd=%d", u.CurrentWeightedBalance, u.CurrentWeightedDays)
	}
	if p := env.pool(t, model.PoolEthereum); !p.AveragePrediction.Equal(d(5)) {
		t.Errorf("expected ethereum average 5 after clearing alice, got %s", p.AveragePrediction)
	}

	tests := []struct {
		name   string
		user   string
		target error
	}{
		{"paid twice", "alice", engine.ErrAlreadyPaid},
		{"losing pool", "carol", engine.ErrNotWinner},
		{"unknown", "dave", engine.ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.eng.PayWinningPoolUser(ctx, tt.user, d(200)); !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
		})
	}

	// bob's share of an oversized prize would exceed the round's prize.
	if _, err := env.eng.PayWinningPoolUser(ctx, "bob", d(1000)); !errors.Is(err, engine.ErrPrizeExceeded) {
		t.Errorf("expected ErrPrizeExceeded, got %v", err)
	}
}

func TestPayWinningPoolUser_TransferFailure(t *testing.T) {
	env := newTestEnv(t)
	seedRound(t, env)
	ctx := context.Background()

	predictions, _ := env.eng.CurrentPredictions(ctx)
	if _, err := env.eng.SelectWinningPool(ctx, predictions, prices(12, 12, 150, 50)); err != nil {
		t.Fatalf("select: %v", err)
	}

	env.custody.FailNext(errors.New("timeout"))
	if _, err := env.eng.PayWinningPoolUser(ctx, "bob", d(200)); !errors.Is(err, custody.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if u := env.user(t, "bob"); !u.LastPrediction.Equal(d(10)) || u.RoundHistoryCount != 0 {
		t.Errorf("bob mutated by failed payout: %+v", u)
	}
	r, _ := env.eng.CurrentRound(ctx)
	if !r.WinningAmount.IsZero() {
		t.Errorf("winning amount changed by failed payout: %s", r.WinningAmount)
	}

	// A retry succeeds.
	if _, err := env.eng.PayWinningPoolUser(ctx, "bob", d(200)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestFinishRound_RequiresAllPayouts(t *testing.T) {
	env := newTestEnv(t)
	seedRound(t, env)
	ctx := context.Background()

	predictions, _ := env.eng.CurrentPredictions(ctx)
	if _, err := env.eng.SelectWinningPool(ctx, predictions, prices(12, 12, 150, 50)); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := env.eng.PayWinningPoolUser(ctx, "alice", d(228)); err != nil {
		t.Fatalf("pay alice: %v", err)
	}
	if _, err := env.eng.FinishRound(ctx); !errors.Is(err, engine.ErrPayoutIncomplete) {
		t.Fatalf("expected ErrPayoutIncomplete, got %v", err)
	}

	if _, err := env.eng.PayWinningPoolUser(ctx, "bob", d(228)); err != nil {
		t.Fatalf("pay bob: %v", err)
	}
	// Bonus still outstanding.
	if _, err := env.eng.FinishRound(ctx); !errors.Is(err, engine.ErrPayoutIncomplete) {
		t.Fatalf("expected ErrPayoutIncomplete for bonus, got %v", err)
	}

	if _, err := env.eng.PayBonus(ctx, "carol"); !errors.Is(err, engine.ErrNotWinner) {
		t.Errorf("expected ErrNotWinner for carol, got %v", err)
	}
	bonus, err := env.eng.PayBonus(ctx, "bob")
	if err != nil {
		t.Fatalf("pay bonus: %v", err)
	}
	if !bonus.Amount.Equal(d(12)) || bonus.Kind != model.PayoutBonus {
		t.Errorf("unexpected bonus payout: %+v", bonus)
	}
	if _, err := env.eng.PayBonus(ctx, "alice"); !errors.Is(err, engine.ErrAlreadyPaid) {
		t.Errorf("expected ErrAlreadyPaid for second bonus, got %v", err)
	}

	next, err := env.eng.FinishRound(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if next.ID != 2 || next.Status != model.RoundOpen {
		t.Errorf("expected round 2 open, got %+v", next)
	}
	rounds, _ := env.eng.ListRounds(ctx)
	if len(rounds) != 2 || rounds[1].Status != model.RoundSettled || rounds[1].SettledAt == nil {
		t.Errorf("expected round 1 settled, got %+v", rounds)
	}
	env.checkInvariants(t)
}

func TestSettleRound_DistributesPrize(t *testing.T) {
	env := newTestEnv(t, engine.WithPicker(settlement.FixedPicker("carol")))
	ctx := context.Background()

	// Balances 1, 2 and 4 do not split the prize evenly.
	for _, u := range []struct {
		id     string
		amount float64
	}{{"alice", 1}, {"bob", 2}, {"carol", 4}} {
		env.fundedUser(t, u.id, 10)
		env.deposit(t, u.id, model.PoolEthereum, u.amount, ptr(d(2500)))
	}
	env.fundedUser(t, "dave", 10)
	env.deposit(t, "dave", model.PoolSolana, 5, ptr(d(90)))

	src := staticOracle(2510, 600, 150, 40)

	if _, err := env.eng.SettleRound(ctx, src); !errors.Is(err, engine.ErrRoundInProgress) {
		t.Fatalf("expected ErrRoundInProgress before the end, got %v", err)
	}

	env.clock.Advance(env.clock.Days(5))
	next, err := env.eng.SettleRound(ctx, src)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	payouts, err := env.eng.ListPayouts(ctx, 1)
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	shares := decimal.Zero
	var bonus *model.Payout
	for i, p := range payouts {
		switch p.Kind {
		case model.PayoutShare:
			shares = shares.Add(p.Amount)
		case model.PayoutBonus:
			bonus = &payouts[i]
		}
	}
	if len(payouts) != 4 {
		t.Fatalf("expected 3 shares and a bonus, got %d payouts", len(payouts))
	}

	// Prize 240, bonus 12, 228 split by balance.
	distributable := d(228)
	if shares.GreaterThan(distributable) {
		t.Errorf("shares %s exceed distributable %s", shares, distributable)
	}
	if distributable.Sub(shares).GreaterThan(d(1e-7)) {
		t.Errorf("shares %s should be within rounding of %s", shares, distributable)
	}
	if bonus == nil || bonus.UserID != "carol" || !bonus.Amount.Equal(d(12)) {
		t.Errorf("expected carol to receive bonus 12, got %+v", bonus)
	}

	if next.ID != 2 || !next.StartTime.Equal(epoch.Add(env.clock.Days(5))) {
		t.Errorf("expected round 2 starting at the old end, got %+v", next)
	}

	// Whatever was not distributed stays in the winning pool's yield, so its
	// wallet still covers deposits plus yield.
	eth := env.pool(t, model.PoolEthereum)
	wallet := env.custody.Balance(custody.PoolAccount(model.PoolEthereum))
	if !wallet.Equal(eth.TotalDeposit.Add(eth.AccruedYield)) {
		t.Errorf("ethereum wallet %s != deposit %s + yield %s", wallet, eth.TotalDeposit, eth.AccruedYield)
	}
	sol := env.pool(t, model.PoolSolana)
	if got := env.custody.Balance(custody.PoolAccount(model.PoolSolana)); !got.Equal(sol.TotalDeposit.Add(sol.AccruedYield)) {
		t.Errorf("solana wallet %s != deposit %s + yield %s", got, sol.TotalDeposit, sol.AccruedYield)
	}

	// Round credit resets for everyone; dave never won.
	if u := env.user(t, "dave"); !u.CurrentWeightedBalance.Equal(d(25)) || u.CurrentWeightedDays != 5 || u.RoundHistoryCount != 0 {
		t.Errorf("unexpected dave after rollover: %+v", u)
	}
	if u := env.user(t, "carol"); u.RoundHistoryCount != 1 || !u.LastPrediction.IsZero() {
		t.Errorf("unexpected carol after rollover: %+v", u)
	}
	env.checkInvariants(t)

	// The new round accepts deposits.
	env.deposit(t, "dave", model.PoolSolana, 1, nil)
}

func TestSettleRound_EmptyWinningPoolCarriesPrize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundedUser(t, "alice", 10)
	env.deposit(t, "alice", model.PoolBNB, 5, ptr(d(1000)))

	// Empty pools predict 0; polygon's price is closest to 0.
	env.clock.Advance(env.clock.Days(11))
	next, err := env.eng.SettleRound(ctx, staticOracle(2500, 600, 150, 0.4))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	rounds, _ := env.eng.ListRounds(ctx)
	if *rounds[1].WinningPool != model.PoolPolygon {
		t.Fatalf("expected polygon to win, got %v", rounds[1].WinningPool)
	}
	if p := env.pool(t, model.PoolPolygon); !p.AccruedYield.Equal(d(340)) {
		t.Errorf("expected polygon to carry 100+240, got %s", p.AccruedYield)
	}
	// The old end has already passed, so the next round starts now.
	if !next.StartTime.Equal(env.clock.Now()) {
		t.Errorf("expected next round to start now, got %s", next.StartTime)
	}
	env.checkInvariants(t)
}

func TestInvariants_HoldAcrossOperations(t *testing.T) {
	env := newTestEnv(t, engine.WithPicker(settlement.FixedPicker("u2")))
	ctx := context.Background()

	ids := []string{"u1", "u2", "u3", "u4"}
	for _, id := range ids {
		env.fundedUser(t, id, 1000)
	}

	steps := []func() error{
		func() error { _, err := env.eng.Deposit(ctx, engine.DepositRequest{UserID: "u1", Pool: model.PoolEthereum, Amount: d(100), Prediction: ptr(d(2400))}); return err },
		func() error { _, err := env.eng.Deposit(ctx, engine.DepositRequest{UserID: "u2", Pool: model.PoolEthereum, Amount: d(50), Prediction: ptr(d(2600))}); return err },
		func() error { _, err := env.eng.Deposit(ctx, engine.DepositRequest{UserID: "u3", Pool: model.PoolBNB, Amount: d(70)}); return err },
		func() error { _, err := env.eng.Deposit(ctx, engine.DepositRequest{UserID: "u1", Pool: model.PoolSolana, Amount: d(5)}); return err },
		func() error { _, err := env.eng.Withdraw(ctx, engine.WithdrawRequest{UserID: "u3", Amount: d(70)}); return err },
		func() error { _, err := env.eng.Deposit(ctx, engine.DepositRequest{UserID: "u4", Pool: model.PoolEthereum, Amount: d(25), Prediction: ptr(d(2450))}); return err },
		func() error { _, err := env.eng.MakePrediction(ctx, engine.PredictionRequest{UserID: "u2", Prediction: d(2550)}); return err },
		func() error { _, err := env.eng.Withdraw(ctx, engine.WithdrawRequest{UserID: "u2", Amount: d(10)}); return err },
		func() error {
			env.clock.Advance(env.clock.Days(5))
			_, err := env.eng.SettleRound(ctx, staticOracle(1300, 600, 150, 100))
			return err
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		env.checkInvariants(t)
	}
}
