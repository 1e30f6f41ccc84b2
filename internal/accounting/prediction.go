package accounting

import (
	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/model"
)

// Precision of the stored mean and of the sum reconstructed from it. The sum
// is rounded coarser than the mean so the mean's rounding error, at most
// Count units of AverageScale, does not survive reconstruction.
const (
	AverageScale = 18
	SumScale     = 12
)

// PoolAverage is the running mean of the last predictions of a pool's members.
// The sum is never stored; it is reconstructed as Average * Count.
type PoolAverage struct {
	Average decimal.Decimal
	Count   int64
}

// AverageOf extracts the prediction mean from a pool record.
func AverageOf(p *model.Pool) PoolAverage {
	return PoolAverage{Average: p.AveragePrediction, Count: p.UserCount}
}

// ApplyTo writes the mean and member count back onto a pool record.
func (a PoolAverage) ApplyTo(p *model.Pool) {
	p.AveragePrediction = a.Average
	p.UserCount = a.Count
}

func (a PoolAverage) total() decimal.Decimal {
	return a.Average.Mul(decimal.NewFromInt(a.Count)).Round(SumScale)
}

// mean divides a reconstructed sum over count members. Predictions are never
// negative, so neither is their sum.
func mean(total decimal.Decimal, count int64) decimal.Decimal {
	if total.IsNegative() {
		return decimal.Zero
	}
	return total.DivRound(decimal.NewFromInt(count), AverageScale)
}

// Join adds a member whose current prediction is prediction.
func (a PoolAverage) Join(prediction decimal.Decimal) PoolAverage {
	count := a.Count + 1
	total := a.total().Add(prediction)
	return PoolAverage{Average: mean(total, count), Count: count}
}

// Leave removes a member and its prediction. The mean of an empty pool is
// fixed at zero.
func (a PoolAverage) Leave(prediction decimal.Decimal) (PoolAverage, error) {
	if a.Count <= 0 {
		return a, ErrEmptyPool
	}
	count := a.Count - 1
	if count == 0 {
		return PoolAverage{Average: decimal.Zero, Count: 0}, nil
	}
	total := a.total().Sub(prediction)
	return PoolAverage{Average: mean(total, count), Count: count}, nil
}

// Replace swaps one member's prediction from old to next.
func (a PoolAverage) Replace(old, next decimal.Decimal) (PoolAverage, error) {
	if a.Count <= 0 {
		return a, ErrEmptyPool
	}
	total := a.total().Sub(old).Add(next)
	return PoolAverage{Average: mean(total, a.Count), Count: a.Count}, nil
}
