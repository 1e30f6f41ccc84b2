// Package model defines the core ledger types shared across the settlement engine.
// All monetary values and predictions use shopspring/decimal. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pool is the aggregation point for the stakes and predictions of its members.
type Pool struct {
	ID                PoolID          `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	Initialized       bool            `json:"initialized" db:"initialized"`
	TotalDeposit      decimal.Decimal `json:"total_deposit" db:"total_deposit"` // Σ balance of members
	UserCount         int64           `json:"user_count" db:"user_count"`       // members with balance > 0
	AveragePrediction decimal.Decimal `json:"average_prediction" db:"average_prediction"`
	AccruedYield      decimal.Decimal `json:"accrued_yield" db:"accrued_yield"` // return accrued since the previous round
	LastUpdateTime    time.Time       `json:"last_update_time" db:"last_update_time"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// User is one participant. A user contributes to at most one pool at a time.
type User struct {
	ID                     string          `json:"id" db:"id"`
	Pool                   *PoolID         `json:"pool,omitempty" db:"pool"`
	Balance                decimal.Decimal `json:"balance" db:"balance"`
	CurrentWeightedBalance decimal.Decimal `json:"current_weighted_balance" db:"current_weighted_balance"`
	CurrentWeightedDays    int64           `json:"current_weighted_days" db:"current_weighted_days"`
	CurrentAverageBalance  decimal.Decimal `json:"current_average_balance" db:"current_average_balance"`
	LastPrediction         decimal.Decimal `json:"last_prediction" db:"last_prediction"`
	TransactionCount       int64           `json:"transaction_count" db:"transaction_count"`
	RoundHistoryCount      int64           `json:"round_history_count" db:"round_history_count"`
	LastActive             time.Time       `json:"last_active" db:"last_active"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
}

// InPool reports whether the user is currently attributed to id.
func (u *User) InPool(id PoolID) bool {
	return u.Pool != nil && *u.Pool == id
}

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundOpen      RoundStatus = "open"      // deposits and predictions accepted
	RoundResolving RoundStatus = "resolving" // winner selected, payouts in progress
	RoundSettled   RoundStatus = "settled"
)

// Round is one settlement period.
type Round struct {
	ID                int64           `json:"id" db:"id"`
	StartTime         time.Time       `json:"start_time" db:"start_time"`
	EndTime           time.Time       `json:"end_time" db:"end_time"`
	Status            RoundStatus     `json:"status" db:"status"`
	WinningPool       *PoolID         `json:"winning_pool,omitempty" db:"winning_pool"`
	WinningPrediction decimal.Decimal `json:"winning_prediction" db:"winning_prediction"`
	ReferencePrice    decimal.Decimal `json:"reference_price" db:"reference_price"`
	WinningAmount     decimal.Decimal `json:"winning_amount" db:"winning_amount"` // paid out so far
	TotalPrize        decimal.Decimal `json:"total_prize" db:"total_prize"`
	BonusAmount       decimal.Decimal `json:"bonus_amount" db:"bonus_amount"`
	BonusWinner       string          `json:"bonus_winner,omitempty" db:"bonus_winner"`
	SettledAt         *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// TransactionRecord is an immutable record of a deposit or withdrawal,
// addressed by (UserID, Pool, Sequence).
type TransactionRecord struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Pool      PoolID          `json:"pool" db:"pool"`
	Sequence  int64           `json:"sequence" db:"sequence"`
	Kind      TransactionKind `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Payout is an immutable record of a prize transfer to a winning-pool member.
type Payout struct {
	ID        string          `json:"id" db:"id"`
	RoundID   int64           `json:"round_id" db:"round_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Pool      PoolID          `json:"pool" db:"pool"`
	Kind      PayoutKind      `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Quote pairs a pool with a value: a pool's average prediction or the
// reference price of its asset.
type Quote struct {
	Pool  PoolID          `json:"pool"`
	Value decimal.Decimal `json:"value"`
}
