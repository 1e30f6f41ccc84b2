package engine

import "errors"

// Validation errors. Returned before any transfer or state change.
var (
	ErrAlreadyInitialized  = errors.New("engine: pool already initialized")
	ErrPoolNotFound        = errors.New("engine: pool not found")
	ErrInvalidUserID       = errors.New("engine: user id is required")
	ErrUserExists          = errors.New("engine: user already exists")
	ErrUserNotFound        = errors.New("engine: user not found")
	ErrInvalidAmount       = errors.New("engine: amount must be positive")
	ErrBelowMinimum        = errors.New("engine: deposit below minimum")
	ErrInsufficientBalance = errors.New("engine: insufficient balance")
	ErrInvalidPrediction   = errors.New("engine: prediction must not be negative")
	ErrNotInPool           = errors.New("engine: user is not in a pool")
)

// Round lifecycle errors.
var (
	ErrNoRound           = errors.New("engine: no round has been opened")
	ErrRoundExists       = errors.New("engine: current round is not settled")
	ErrRoundNotOpen      = errors.New("engine: round is not open")
	ErrRoundEnded        = errors.New("engine: round has ended")
	ErrRoundInProgress   = errors.New("engine: round has not ended yet")
	ErrRoundNotResolving = errors.New("engine: round is not resolving")
	ErrNotWinner         = errors.New("engine: user is not in the winning pool")
	ErrAlreadyPaid       = errors.New("engine: payout already issued")
	ErrPayoutIncomplete  = errors.New("engine: winning pool has unpaid members")
	ErrPrizeExceeded     = errors.New("engine: payouts would exceed the round prize")
)

// ErrInvariant is returned by CheckInvariants when stored aggregates disagree
// with the user records.
var ErrInvariant = errors.New("engine: ledger invariant violated")
