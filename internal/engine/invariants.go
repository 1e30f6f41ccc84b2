package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/model"
)

// CheckInvariants verifies, for every pool, that TotalDeposit equals the sum
// of its members' balances and UserCount equals the number of members with
// a positive balance. It also checks that no user outside a pool holds a
// balance.
func (e *Engine) CheckInvariants(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pools, err := e.ledger.ListPools(ctx)
	if err != nil {
		return err
	}
	users, err := e.ledger.ListUsers(ctx)
	if err != nil {
		return err
	}

	sums := make(map[model.PoolID]decimal.Decimal, len(pools))
	counts := make(map[model.PoolID]int64, len(pools))
	for _, u := range users {
		if u.Pool == nil {
			if !u.Balance.IsZero() {
				return fmt.Errorf("%w: user %s holds %s outside any pool", ErrInvariant, u.ID, u.Balance)
			}
			continue
		}
		sums[*u.Pool] = sums[*u.Pool].Add(u.Balance)
		if u.Balance.IsPositive() {
			counts[*u.Pool]++
		}
	}

	for _, p := range pools {
		if !p.TotalDeposit.Equal(sums[p.ID]) {
			return fmt.Errorf("%w: pool %s total_deposit %s, members hold %s", ErrInvariant, p.ID, p.TotalDeposit, sums[p.ID])
		}
		if p.UserCount != counts[p.ID] {
			return fmt.Errorf("%w: pool %s user_count %d, %d funded members", ErrInvariant, p.ID, p.UserCount, counts[p.ID])
		}
		if p.AveragePrediction.IsNegative() {
			return fmt.Errorf("%w: pool %s has negative average %s", ErrInvariant, p.ID, p.AveragePrediction)
		}
		if p.UserCount == 0 && !p.AveragePrediction.IsZero() {
			return fmt.Errorf("%w: empty pool %s has average %s", ErrInvariant, p.ID, p.AveragePrediction)
		}
	}
	return nil
}
