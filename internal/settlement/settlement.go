// Package settlement implements the end-of-round rules: selecting the
// winning pool by comparing each pool's average prediction to a reference
// price, sizing the prize, and splitting it across the winning pool.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/model"
)

var (
	// ErrNoPools is returned when winner selection is given no quotes.
	ErrNoPools = errors.New("settlement: no pools to select from")

	// ErrLengthMismatch is returned when the prediction and price inputs
	// differ in length, or do not cover every pool.
	ErrLengthMismatch = errors.New("settlement: predictions and prices must cover the same pools")

	// ErrOutOfOrder is returned when an input is not in canonical pool order.
	ErrOutOfOrder = errors.New("settlement: inputs not in canonical pool order")

	// ErrZeroTotal is returned when a share is computed against an empty pool.
	ErrZeroTotal = errors.New("settlement: pool total deposit is zero")
)

// Selection is the outcome of winner selection.
type Selection struct {
	Pool       model.PoolID    `json:"pool"`
	Prediction decimal.Decimal `json:"prediction"`
	Price      decimal.Decimal `json:"price"`
	Delta      decimal.Decimal `json:"delta"`
}

// SelectWinner returns the pool whose prediction is closest to its
// reference price. predictions[i] and prices[i] must both name pools[i];
// pools is the canonical order. Ties go to the earliest pool.
func SelectWinner(pools []model.PoolID, predictions, prices []model.Quote) (Selection, error) {
	if len(pools) == 0 {
		return Selection{}, ErrNoPools
	}
	if len(predictions) != len(prices) || len(predictions) != len(pools) {
		return Selection{}, fmt.Errorf("%w: %d pools, %d predictions, %d prices",
			ErrLengthMismatch, len(pools), len(predictions), len(prices))
	}

	var best Selection
	for i, id := range pools {
		if predictions[i].Pool != id {
			return Selection{}, fmt.Errorf("%w: prediction %d is %v, expected %v",
				ErrOutOfOrder, i, predictions[i].Pool, id)
		}
		if prices[i].Pool != id {
			return Selection{}, fmt.Errorf("%w: price %d is %v, expected %v",
				ErrOutOfOrder, i, prices[i].Pool, id)
		}

		delta := predictions[i].Value.Sub(prices[i].Value).Abs()
		if i == 0 || delta.LessThan(best.Delta) {
			best = Selection{
				Pool:       id,
				Prediction: predictions[i].Value,
				Price:      prices[i].Value,
				Delta:      delta,
			}
		}
	}
	return best, nil
}

// PrizeAmount is fraction of the yield accrued by every pool except the winner.
func PrizeAmount(yields map[model.PoolID]decimal.Decimal, winner model.PoolID, fraction decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for id, y := range yields {
		if id == winner || y.IsNegative() {
			continue
		}
		total = total.Add(y)
	}
	return total.Mul(fraction)
}

// RetainedYield is what a non-winning pool keeps after contributing its
// share of the prize.
func RetainedYield(yield, fraction decimal.Decimal) decimal.Decimal {
	if yield.IsNegative() {
		return yield
	}
	return yield.Sub(yield.Mul(fraction))
}

// Share is a member's proportional cut of prize: balance / total * prize.
func Share(balance, total, prize decimal.Decimal) (decimal.Decimal, error) {
	if !total.IsPositive() {
		return decimal.Zero, ErrZeroTotal
	}
	return balance.Mul(prize).Div(total), nil
}

// Bonus is the distinguished winner's payout: rate * prize.
func Bonus(prize, rate decimal.Decimal) decimal.Decimal {
	return prize.Mul(rate)
}
