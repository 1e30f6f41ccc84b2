// Package accounting implements the incremental bookkeeping behind the
// settlement engine: the time-weighted average balance of a user and the
// running mean of predictions across a pool's members.
//
// Both are maintained in O(1) per operation without storing per-day or
// per-member history. All arithmetic uses shopspring/decimal so re-executing
// the same sequence of operations always yields the same values.
package accounting

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/model"
)

var (
	// ErrZeroWeight is returned when a weighted average would be taken over
	// zero days.
	ErrZeroWeight = errors.New("accounting: weighted days must be positive")

	// ErrEmptyPool is returned when a pool average is updated for a pool
	// that has no members.
	ErrEmptyPool = errors.New("accounting: pool has no members")

	// ErrNegativeAmount is returned for negative deposit amounts.
	ErrNegativeAmount = errors.New("accounting: amount must not be negative")
)

// Day is the unit in which deposit weights are measured.
const Day = 24 * time.Hour

// Weighting holds a user's time-weighted balance accumulators.
type Weighting struct {
	WeightedBalance decimal.Decimal
	WeightedDays    int64
	AverageBalance  decimal.Decimal
}

// WeightingOf extracts the accumulators from a user record.
func WeightingOf(u *model.User) Weighting {
	return Weighting{
		WeightedBalance: u.CurrentWeightedBalance,
		WeightedDays:    u.CurrentWeightedDays,
		AverageBalance:  u.CurrentAverageBalance,
	}
}

// ApplyTo writes the accumulators back onto a user record.
func (w Weighting) ApplyTo(u *model.User) {
	u.CurrentWeightedBalance = w.WeightedBalance
	u.CurrentWeightedDays = w.WeightedDays
	u.CurrentAverageBalance = w.AverageBalance
}

// AddDeposit folds a deposit of amount, staked for daysLeft days, into the
// running weighted mean:
//
//	added   = daysLeft * amount
//	average = (weighted + added) / (daysLeft + days)
//	weighted += added
//	days     += daysLeft
func (w Weighting) AddDeposit(amount decimal.Decimal, daysLeft int64) (Weighting, error) {
	if amount.IsNegative() {
		return w, ErrNegativeAmount
	}
	if daysLeft < 0 {
		daysLeft = 0
	}
	days := w.WeightedDays + daysLeft
	if days <= 0 {
		return w, ErrZeroWeight
	}

	added := amount.Mul(decimal.NewFromInt(daysLeft))
	weighted := w.WeightedBalance.Add(added)

	return Weighting{
		WeightedBalance: weighted,
		WeightedDays:    days,
		AverageBalance:  weighted.Div(decimal.NewFromInt(days)),
	}, nil
}

// ResetWeighting returns the accumulators for a user holding balance for a
// full round. Used after a withdrawal, a payout, and at round rollover.
func ResetWeighting(balance decimal.Decimal, roundLengthDays int64) Weighting {
	return Weighting{
		WeightedBalance: balance.Mul(decimal.NewFromInt(roundLengthDays)),
		WeightedDays:    roundLengthDays,
		AverageBalance:  balance,
	}
}

// DaysLeft returns the number of whole days a deposit made at now stays
// staked before end. Partial days round up; the result is clamped to
// [0, roundLengthDays].
func DaysLeft(now, end time.Time, roundLengthDays int64) int64 {
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int64(remaining / Day)
	if remaining%Day != 0 {
		days++
	}
	if days > roundLengthDays {
		days = roundLengthDays
	}
	return days
}
