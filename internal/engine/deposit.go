package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/accounting"
	"github.com/coinwar/settlement-engine/internal/custody"
	"github.com/coinwar/settlement-engine/internal/metrics"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/store"
)

// DepositRequest is the input to Deposit. Prediction is optional.
type DepositRequest struct {
	UserID     string           `json:"user_id"`
	Pool       model.PoolID     `json:"pool"`
	Amount     decimal.Decimal  `json:"amount"`
	Prediction *decimal.Decimal `json:"prediction,omitempty"`
}

// WithdrawRequest is the input to Withdraw.
type WithdrawRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// PredictionRequest is the input to MakePrediction.
type PredictionRequest struct {
	UserID     string          `json:"user_id"`
	Prediction decimal.Decimal `json:"prediction"`
}

// DepositResult is returned by a successful deposit or withdrawal.
type DepositResult struct {
	User        *model.User              `json:"user"`
	Pool        *model.Pool              `json:"pool"`
	Previous    *model.Pool              `json:"previous_pool,omitempty"` // set when the deposit switched pools
	Transaction *model.TransactionRecord `json:"transaction"`
}

// Deposit moves amount from the user's custody into the pool's custody and
// credits it to the user. A user attributed to another pool is moved, with
// their existing balance, to the target pool first.
//
// Ledger state is written only after every transfer is confirmed.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (_ *DepositResult, err error) {
	defer observe("deposit", time.Now(), &err)

	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.Amount.LessThan(e.cfg.MinDeposit) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, req.Amount, e.cfg.MinDeposit)
	}
	if req.Prediction != nil && req.Prediction.IsNegative() {
		return nil, ErrInvalidPrediction
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	round, err := e.openRound(ctx, now)
	if err != nil {
		return nil, err
	}
	pool, err := e.loadPool(ctx, req.Pool)
	if err != nil {
		return nil, err
	}
	stored, err := e.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	user := cloneUser(stored)

	var (
		transfers []custody.Transfer
		previous  *model.Pool
		moved     = decimal.Zero
	)

	// Pool switch: take the user out of the old pool's aggregates and move
	// their stake along with them.
	if user.Pool != nil && *user.Pool != req.Pool {
		previous, err = e.loadPool(ctx, *user.Pool)
		if err != nil {
			return nil, err
		}
		avg, err := accounting.AverageOf(previous).Leave(user.LastPrediction)
		if err != nil {
			return nil, err
		}
		avg.ApplyTo(previous)
		moved = user.Balance
		previous.TotalDeposit = previous.TotalDeposit.Sub(moved)
		previous.LastUpdateTime = now
		user.Pool = nil

		from := custody.PoolAccount(previous.ID)
		transfers = append(transfers, custody.Transfer{
			From:      from,
			To:        custody.PoolAccount(pool.ID),
			Amount:    moved,
			Authority: from,
		})
	}

	prediction := user.LastPrediction
	if req.Prediction != nil {
		prediction = *req.Prediction
	}

	avg := accounting.AverageOf(pool)
	if !user.InPool(pool.ID) {
		avg = avg.Join(prediction)
		id := pool.ID
		user.Pool = &id
	} else if req.Prediction != nil {
		if avg, err = avg.Replace(user.LastPrediction, prediction); err != nil {
			return nil, err
		}
	}
	avg.ApplyTo(pool)

	daysLeft := accounting.DaysLeft(now, round.EndTime, e.cfg.RoundLengthDays)
	w, err := accounting.WeightingOf(&user).AddDeposit(req.Amount, daysLeft)
	if err != nil {
		return nil, err
	}
	w.ApplyTo(&user)

	user.Balance = user.Balance.Add(req.Amount)
	user.LastPrediction = prediction
	user.LastActive = now
	pool.TotalDeposit = pool.TotalDeposit.Add(req.Amount).Add(moved)
	pool.LastUpdateTime = now

	rec := model.TransactionRecord{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Pool:      pool.ID,
		Sequence:  user.TransactionCount,
		Kind:      model.TxDeposit,
		Amount:    req.Amount,
		Timestamp: now,
	}
	user.TransactionCount++

	userAcct := custody.UserAccount(user.ID)
	transfers = append(transfers, custody.Transfer{
		From:      userAcct,
		To:        custody.PoolAccount(pool.ID),
		Amount:    req.Amount,
		Authority: userAcct,
	})

	done, err := e.transfer(ctx, "deposit", transfers...)
	if err != nil {
		return nil, err
	}

	batch := &store.Batch{
		Pools:        []model.Pool{*pool},
		Users:        []model.User{user},
		Transactions: []model.TransactionRecord{rec},
	}
	if previous != nil {
		batch.Pools = append(batch.Pools, *previous)
	}
	if err := e.commitAfterTransfer(ctx, "deposit", batch, done); err != nil {
		return nil, err
	}

	metrics.DepositVolume.WithLabelValues(pool.ID.String(), model.TxDeposit.String()).Add(req.Amount.InexactFloat64())
	slog.Info("deposit",
		"user", user.ID,
		"pool", pool.ID.String(),
		"amount", req.Amount.String(),
		"balance", user.Balance.String(),
		"days_left", daysLeft,
		"switched", previous != nil,
	)

	if previous != nil {
		e.publishPool(EventWithdrawal, previous, Event{RoundID: round.ID, UserID: user.ID, Amount: moved.String()})
	}
	e.publishPool(EventDeposit, pool, Event{RoundID: round.ID, UserID: user.ID, Amount: req.Amount.String()})

	return &DepositResult{User: &user, Pool: pool, Previous: previous, Transaction: &rec}, nil
}

// Withdraw returns amount from the pool's custody to the user. Any
// withdrawal voids the user's standing for the round: the weighting resets
// and the prediction is cleared.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (_ *DepositResult, err error) {
	defer observe("withdraw", time.Now(), &err)

	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	round, err := e.openRound(ctx, now)
	if err != nil {
		return nil, err
	}
	stored, err := e.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if stored.Pool == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInPool, stored.ID)
	}
	if stored.Balance.LessThan(req.Amount) {
		return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, stored.Balance, req.Amount)
	}
	pool, err := e.loadPool(ctx, *stored.Pool)
	if err != nil {
		return nil, err
	}
	user := cloneUser(stored)

	user.Balance = user.Balance.Sub(req.Amount)
	pool.TotalDeposit = pool.TotalDeposit.Sub(req.Amount)
	pool.LastUpdateTime = now

	avg := accounting.AverageOf(pool)
	if user.Balance.Sign() <= 0 {
		avg, err = avg.Leave(user.LastPrediction)
		user.Pool = nil
	} else {
		avg, err = avg.Replace(user.LastPrediction, decimal.Zero)
	}
	if err != nil {
		return nil, err
	}
	avg.ApplyTo(pool)

	user.LastPrediction = decimal.Zero
	accounting.ResetWeighting(user.Balance, e.cfg.RoundLengthDays).ApplyTo(&user)
	user.LastActive = now

	rec := model.TransactionRecord{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Pool:      pool.ID,
		Sequence:  user.TransactionCount,
		Kind:      model.TxWithdrawal,
		Amount:    req.Amount,
		Timestamp: now,
	}
	user.TransactionCount++

	poolAcct := custody.PoolAccount(pool.ID)
	done, err := e.transfer(ctx, "withdraw", custody.Transfer{
		From:      poolAcct,
		To:        custody.UserAccount(user.ID),
		Amount:    req.Amount,
		Authority: poolAcct,
	})
	if err != nil {
		return nil, err
	}

	batch := &store.Batch{
		Pools:        []model.Pool{*pool},
		Users:        []model.User{user},
		Transactions: []model.TransactionRecord{rec},
	}
	if err := e.commitAfterTransfer(ctx, "withdraw", batch, done); err != nil {
		return nil, err
	}

	metrics.DepositVolume.WithLabelValues(pool.ID.String(), model.TxWithdrawal.String()).Add(req.Amount.InexactFloat64())
	slog.Info("withdrawal",
		"user", user.ID,
		"pool", pool.ID.String(),
		"amount", req.Amount.String(),
		"balance", user.Balance.String(),
		"left_pool", user.Pool == nil,
	)
	e.publishPool(EventWithdrawal, pool, Event{RoundID: round.ID, UserID: user.ID, Amount: req.Amount.String()})

	return &DepositResult{User: &user, Pool: pool, Transaction: &rec}, nil
}

// MakePrediction replaces the user's contribution to their pool's average.
func (e *Engine) MakePrediction(ctx context.Context, req PredictionRequest) (_ *model.Pool, err error) {
	defer observe("make_prediction", time.Now(), &err)

	if req.Prediction.IsNegative() {
		return nil, ErrInvalidPrediction
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	round, err := e.openRound(ctx, now)
	if err != nil {
		return nil, err
	}
	stored, err := e.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if stored.Pool == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInPool, stored.ID)
	}
	pool, err := e.loadPool(ctx, *stored.Pool)
	if err != nil {
		return nil, err
	}
	user := cloneUser(stored)

	avg, err := accounting.AverageOf(pool).Replace(user.LastPrediction, req.Prediction)
	if err != nil {
		return nil, err
	}
	avg.ApplyTo(pool)
	pool.LastUpdateTime = now
	user.LastPrediction = req.Prediction
	user.LastActive = now

	if err := e.store.Commit(ctx, &store.Batch{Pools: []model.Pool{*pool}, Users: []model.User{user}}); err != nil {
		return nil, err
	}

	slog.Info("prediction", "user", user.ID, "pool", pool.ID.String(),
		"prediction", req.Prediction.String(), "average", pool.AveragePrediction.String())
	e.publishPool(EventPrediction, pool, Event{RoundID: round.ID, UserID: user.ID})
	return pool, nil
}
