package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/accounting"
	"github.com/coinwar/settlement-engine/internal/custody"
	"github.com/coinwar/settlement-engine/internal/metrics"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/oracle"
	"github.com/coinwar/settlement-engine/internal/settlement"
	"github.com/coinwar/settlement-engine/internal/store"
)

// OpenRound creates the first round, or a new one once the current round is
// settled. Rollover after FinishRound opens the next round automatically.
func (e *Engine) OpenRound(ctx context.Context, start time.Time) (_ *model.Round, err error) {
	defer observe("open_round", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	id := int64(1)
	current, err := e.loadCurrentRound(ctx)
	switch {
	case errors.Is(err, ErrNoRound):
	case err != nil:
		return nil, err
	case current.Status != model.RoundSettled:
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundExists, current.ID, current.Status)
	default:
		id = current.ID + 1
	}

	round := e.newRound(id, start.UTC())
	if err := e.store.CreateRound(ctx, round); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: round %d", ErrRoundExists, id)
		}
		return nil, err
	}
	slog.Info("round opened", "round", round.ID, "start", round.StartTime, "end", round.EndTime)
	e.events.Publish(Event{Type: EventRoundOpened, RoundID: round.ID})
	return round, nil
}

func (e *Engine) newRound(id int64, start time.Time) *model.Round {
	return &model.Round{
		ID:                id,
		StartTime:         start,
		EndTime:           start.Add(e.cfg.RoundLength()),
		Status:            model.RoundOpen,
		WinningPrediction: decimal.Zero,
		ReferencePrice:    decimal.Zero,
		WinningAmount:     decimal.Zero,
		TotalPrize:        decimal.Zero,
		BonusAmount:       decimal.Zero,
	}
}

// CurrentPredictions returns every pool's average prediction in canonical
// order, the shape SelectWinningPool expects.
func (e *Engine) CurrentPredictions(ctx context.Context) ([]model.Quote, error) {
	pools, err := e.store.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Quote, 0, len(pools))
	for _, p := range pools {
		if p.Initialized {
			out = append(out, model.Quote{Pool: p.ID, Value: p.AveragePrediction})
		}
	}
	return out, nil
}

// SelectWinningPool picks the pool whose average prediction is closest to
// its reference price and moves the round to Resolving. predictions and
// prices carry one entry per initialized pool, in canonical order.
//
// Every losing pool contributes PrizeFraction of its accrued yield to the
// winning pool's custody; the sum is the round's TotalPrize.
func (e *Engine) SelectWinningPool(ctx context.Context, predictions, prices []model.Quote) (_ *model.Round, err error) {
	defer observe("select_winning_pool", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	round, err := e.loadCurrentRound(ctx)
	if err != nil {
		return nil, err
	}
	if round.Status != model.RoundOpen {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotOpen, round.ID, round.Status)
	}

	pools, err := e.ledger.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]model.PoolID, 0, len(pools))
	yields := make(map[model.PoolID]decimal.Decimal, len(pools))
	for _, p := range pools {
		if !p.Initialized {
			continue
		}
		ids = append(ids, p.ID)
		yields[p.ID] = p.AccruedYield
	}

	sel, err := settlement.SelectWinner(ids, predictions, prices)
	if err != nil {
		return nil, err
	}
	prize := settlement.PrizeAmount(yields, sel.Pool, e.cfg.PrizeFraction)

	now := e.now()
	var (
		transfers []custody.Transfer
		changed   []model.Pool
	)
	for _, p := range pools {
		if !p.Initialized || p.ID == sel.Pool {
			continue
		}
		retained := settlement.RetainedYield(p.AccruedYield, e.cfg.PrizeFraction)
		contribution := p.AccruedYield.Sub(retained)
		if !contribution.IsPositive() {
			continue
		}
		from := custody.PoolAccount(p.ID)
		transfers = append(transfers, custody.Transfer{
			From:      from,
			To:        custody.PoolAccount(sel.Pool),
			Amount:    contribution,
			Authority: from,
		})
		p.AccruedYield = retained
		p.LastUpdateTime = now
		changed = append(changed, p)
	}

	winner := sel.Pool
	round.Status = model.RoundResolving
	round.WinningPool = &winner
	round.WinningPrediction = sel.Prediction
	round.ReferencePrice = sel.Price
	round.TotalPrize = prize
	round.BonusAmount = settlement.Bonus(prize, e.cfg.BonusRate)

	done, err := e.transfer(ctx, "select_winning_pool", transfers...)
	if err != nil {
		return nil, err
	}
	batch := &store.Batch{Pools: changed, Rounds: []model.Round{*round}}
	if err := e.commitAfterTransfer(ctx, "select_winning_pool", batch, done); err != nil {
		return nil, err
	}

	slog.Info("winning pool selected",
		"round", round.ID,
		"pool", winner.String(),
		"prediction", sel.Prediction.String(),
		"reference_price", sel.Price.String(),
		"delta", sel.Delta.String(),
		"total_prize", prize.String(),
		"bonus", round.BonusAmount.String(),
	)
	e.events.Publish(Event{Type: EventRoundResolved, RoundID: round.ID, Pool: winner.String(), Amount: prize.String()})
	return round, nil
}

// PayWinningPoolUser pays one member of the winning pool their share of
// prizeAmount, proportional to balance over the pool's total deposit. Each
// member is paid once per round; the member's round credit and prediction
// are consumed.
func (e *Engine) PayWinningPoolUser(ctx context.Context, userID string, prizeAmount decimal.Decimal) (_ *model.Payout, err error) {
	defer observe("pay_winning_pool_user", time.Now(), &err)

	if prizeAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	round, pool, stored, err := e.loadWinner(ctx, userID)
	if err != nil {
		return nil, err
	}
	paid, err := e.paidShares(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	if paid[stored.ID] {
		return nil, fmt.Errorf("%w: %s in round %d", ErrAlreadyPaid, stored.ID, round.ID)
	}

	share, err := settlement.Share(stored.Balance, pool.TotalDeposit, prizeAmount)
	if err != nil {
		return nil, err
	}
	share = share.Truncate(PayoutScale)
	if round.WinningAmount.Add(share).GreaterThan(round.TotalPrize) {
		return nil, fmt.Errorf("%w: paid %s + %s > %s", ErrPrizeExceeded, round.WinningAmount, share, round.TotalPrize)
	}

	now := e.now()
	user := cloneUser(stored)
	avg, err := accounting.AverageOf(pool).Replace(user.LastPrediction, decimal.Zero)
	if err != nil {
		return nil, err
	}
	avg.ApplyTo(pool)
	pool.LastUpdateTime = now
	user.LastPrediction = decimal.Zero
	accounting.ResetWeighting(user.Balance, e.cfg.RoundLengthDays).ApplyTo(&user)
	user.RoundHistoryCount++
	user.LastActive = now
	round.WinningAmount = round.WinningAmount.Add(share)

	payout := model.Payout{
		ID:        uuid.New().String(),
		RoundID:   round.ID,
		UserID:    user.ID,
		Pool:      pool.ID,
		Kind:      model.PayoutShare,
		Amount:    share,
		Timestamp: now,
	}

	poolAcct := custody.PoolAccount(pool.ID)
	done, err := e.transfer(ctx, "pay_winning_pool_user", custody.Transfer{
		From:      poolAcct,
		To:        custody.UserAccount(user.ID),
		Amount:    share,
		Authority: poolAcct,
	})
	if err != nil {
		return nil, err
	}
	batch := &store.Batch{
		Pools:   []model.Pool{*pool},
		Users:   []model.User{user},
		Rounds:  []model.Round{*round},
		Payouts: []model.Payout{payout},
	}
	if err := e.commitAfterTransfer(ctx, "pay_winning_pool_user", batch, done); err != nil {
		return nil, err
	}

	metrics.PayoutVolume.WithLabelValues(string(model.PayoutShare)).Add(share.InexactFloat64())
	slog.Info("prize share paid", "round", round.ID, "user", user.ID, "pool", pool.ID.String(), "amount", share.String())
	e.events.Publish(Event{Type: EventPayout, RoundID: round.ID, Pool: pool.ID.String(), UserID: user.ID, Amount: share.String()})
	return &payout, nil
}

// PayBonus pays the round's bonus to one winning-pool member. An empty
// userID lets the engine's picker choose among the members, weighted by
// balance. The bonus is paid at most once per round.
func (e *Engine) PayBonus(ctx context.Context, userID string) (_ *model.Payout, err error) {
	defer observe("pay_bonus", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	round, err := e.loadCurrentRound(ctx)
	if err != nil {
		return nil, err
	}
	if round.Status != model.RoundResolving {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotResolving, round.ID, round.Status)
	}
	if round.BonusWinner != "" {
		return nil, fmt.Errorf("%w: bonus of round %d went to %s", ErrAlreadyPaid, round.ID, round.BonusWinner)
	}

	members, err := e.ledger.ListPoolMembers(ctx, *round.WinningPool)
	if err != nil {
		return nil, err
	}
	candidates := make([]settlement.Candidate, 0, len(members))
	for _, m := range members {
		if m.Balance.IsPositive() {
			candidates = append(candidates, settlement.Candidate{UserID: m.ID, Weight: m.Balance})
		}
	}
	if userID == "" {
		if userID, err = e.picker.Pick(candidates); err != nil {
			return nil, err
		}
	} else if !hasCandidate(candidates, userID) {
		return nil, fmt.Errorf("%w: %s", ErrNotWinner, userID)
	}

	stored, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	amount := round.BonusAmount.Truncate(PayoutScale)
	if round.WinningAmount.Add(amount).GreaterThan(round.TotalPrize) {
		return nil, fmt.Errorf("%w: paid %s + bonus %s > %s", ErrPrizeExceeded, round.WinningAmount, amount, round.TotalPrize)
	}

	now := e.now()
	user := cloneUser(stored)
	user.LastActive = now
	round.BonusWinner = user.ID
	round.WinningAmount = round.WinningAmount.Add(amount)

	payout := model.Payout{
		ID:        uuid.New().String(),
		RoundID:   round.ID,
		UserID:    user.ID,
		Pool:      *round.WinningPool,
		Kind:      model.PayoutBonus,
		Amount:    amount,
		Timestamp: now,
	}

	poolAcct := custody.PoolAccount(*round.WinningPool)
	done, err := e.transfer(ctx, "pay_bonus", custody.Transfer{
		From:      poolAcct,
		To:        custody.UserAccount(user.ID),
		Amount:    amount,
		Authority: poolAcct,
	})
	if err != nil {
		return nil, err
	}
	batch := &store.Batch{
		Users:   []model.User{user},
		Rounds:  []model.Round{*round},
		Payouts: []model.Payout{payout},
	}
	if err := e.commitAfterTransfer(ctx, "pay_bonus", batch, done); err != nil {
		return nil, err
	}

	metrics.PayoutVolume.WithLabelValues(string(model.PayoutBonus)).Add(amount.InexactFloat64())
	slog.Info("bonus paid", "round", round.ID, "user", user.ID, "amount", amount.String())
	e.events.Publish(Event{Type: EventPayout, RoundID: round.ID, Pool: payout.Pool.String(), UserID: user.ID, Amount: amount.String()})
	return &payout, nil
}

// FinishRound settles the current round once every winning-pool member has
// been paid, and opens the next round at the old round's end time (or now,
// if that round would already be over). Any undistributed prize stays in
// the winning pool as yield for the next round. Pool counts and averages
// carry forward; every user's weighting resets to their balance.
func (e *Engine) FinishRound(ctx context.Context) (_ *model.Round, err error) {
	defer observe("finish_round", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	round, err := e.loadCurrentRound(ctx)
	if err != nil {
		return nil, err
	}
	if round.Status != model.RoundResolving {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotResolving, round.ID, round.Status)
	}
	winner, err := e.loadPool(ctx, *round.WinningPool)
	if err != nil {
		return nil, err
	}
	members, err := e.ledger.ListPoolMembers(ctx, winner.ID)
	if err != nil {
		return nil, err
	}
	paid, err := e.paidShares(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	unpaid := 0
	for _, m := range members {
		if m.Balance.IsPositive() && !paid[m.ID] {
			unpaid++
		}
	}
	if unpaid > 0 {
		return nil, fmt.Errorf("%w: %d members of %s", ErrPayoutIncomplete, unpaid, winner.ID)
	}
	if len(members) > 0 && round.BonusAmount.IsPositive() && round.BonusWinner == "" {
		return nil, fmt.Errorf("%w: bonus not paid", ErrPayoutIncomplete)
	}

	now := e.now()
	round.Status = model.RoundSettled
	round.SettledAt = &now

	remainder := round.TotalPrize.Sub(round.WinningAmount)
	winner.AccruedYield = winner.AccruedYield.Add(remainder)
	winner.LastUpdateTime = now

	users, err := e.ledger.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		accounting.ResetWeighting(users[i].Balance, e.cfg.RoundLengthDays).ApplyTo(&users[i])
	}

	start := round.EndTime
	if !start.Add(e.cfg.RoundLength()).After(now) {
		start = now
	}
	next := e.newRound(round.ID+1, start)

	batch := &store.Batch{
		Pools:  []model.Pool{*winner},
		Users:  users,
		Rounds: []model.Round{*round, *next},
	}
	if err := e.store.Commit(ctx, batch); err != nil {
		return nil, err
	}

	metrics.RoundsSettled.WithLabelValues(winner.ID.String()).Inc()
	slog.Info("round settled",
		"round", round.ID,
		"pool", winner.ID.String(),
		"paid", round.WinningAmount.String(),
		"carried", remainder.String(),
		"next_round", next.ID,
		"next_end", next.EndTime,
	)
	e.events.Publish(Event{Type: EventRoundSettled, RoundID: round.ID, Pool: winner.ID.String(), Amount: round.WinningAmount.String()})
	e.events.Publish(Event{Type: EventRoundOpened, RoundID: next.ID})
	return next, nil
}

// SettleRound drives the current round to completion: it selects the winner
// from the pools' predictions and the oracle's prices, pays the bonus, pays
// every member their share of TotalPrize minus the bonus, and finishes the
// round. It resumes where a previous, interrupted call stopped.
func (e *Engine) SettleRound(ctx context.Context, src oracle.Source) (_ *model.Round, err error) {
	defer observe("settle_round", time.Now(), &err)

	round, err := e.loadCurrentRound(ctx)
	if err != nil {
		return nil, err
	}

	if round.Status == model.RoundOpen {
		if e.now().Before(round.EndTime) {
			return nil, fmt.Errorf("%w: round %d ends at %s", ErrRoundInProgress, round.ID, round.EndTime.Format(time.RFC3339))
		}
		predictions, err := e.CurrentPredictions(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]model.PoolID, len(predictions))
		for i, q := range predictions {
			ids[i] = q.Pool
		}
		prices, err := oracle.Quotes(ctx, src, ids)
		if err != nil {
			return nil, err
		}
		if round, err = e.SelectWinningPool(ctx, predictions, prices); err != nil {
			return nil, err
		}
	}
	if round.Status != model.RoundResolving {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotResolving, round.ID, round.Status)
	}

	members, err := e.ledger.ListPoolMembers(ctx, *round.WinningPool)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 && round.BonusWinner == "" && round.BonusAmount.IsPositive() {
		if _, err := e.PayBonus(ctx, ""); err != nil {
			return nil, err
		}
	}

	paid, err := e.paidShares(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	distributable := round.TotalPrize.Sub(round.BonusAmount)
	for _, m := range members {
		if paid[m.ID] {
			continue
		}
		if _, err := e.PayWinningPoolUser(ctx, m.ID, distributable); err != nil {
			return nil, err
		}
	}

	return e.FinishRound(ctx)
}

// loadWinner loads the resolving round, its winning pool, and userID, who
// must be a member of that pool.
func (e *Engine) loadWinner(ctx context.Context, userID string) (*model.Round, *model.Pool, *model.User, error) {
	round, err := e.loadCurrentRound(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if round.Status != model.RoundResolving {
		return nil, nil, nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotResolving, round.ID, round.Status)
	}
	pool, err := e.loadPool(ctx, *round.WinningPool)
	if err != nil {
		return nil, nil, nil, err
	}
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !user.InPool(pool.ID) || !user.Balance.IsPositive() {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrNotWinner, userID)
	}
	return round, pool, user, nil
}

// paidShares returns the users already paid a share in roundID.
func (e *Engine) paidShares(ctx context.Context, roundID int64) (map[string]bool, error) {
	payouts, err := e.ledger.ListPayouts(ctx, roundID)
	if err != nil {
		return nil, err
	}
	paid := make(map[string]bool, len(payouts))
	for _, p := range payouts {
		if p.Kind == model.PayoutShare {
			paid[p.UserID] = true
		}
	}
	return paid, nil
}

func hasCandidate(candidates []settlement.Candidate, userID string) bool {
	for _, c := range candidates {
		if c.UserID == userID {
			return true
		}
	}
	return false
}
