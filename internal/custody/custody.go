// Package custody defines the asset-movement capability the settlement
// engine directs but does not implement, plus an in-process custodian used
// in development and tests.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/model"
)

var (
	// ErrTransferFailed is the generic "not confirmed" outcome. Custodians
	// wrap their specific cause with it.
	ErrTransferFailed = errors.New("custody: transfer not confirmed")

	ErrUnauthorized      = fmt.Errorf("%w: authority does not own source account", ErrTransferFailed)
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", ErrTransferFailed)
	ErrInvalidAmount     = fmt.Errorf("%w: amount must be positive", ErrTransferFailed)
)

// Account names a custody account: a participant wallet or a pool wallet.
type Account string

// UserAccount is the custody account of a participant.
func UserAccount(userID string) Account { return Account("user:" + userID) }

// PoolAccount is the custody account of a pool.
func PoolAccount(id model.PoolID) Account { return Account("pool:" + id.String()) }

// Transfer is one requested asset movement. Authority must be the owner of
// From: the participant for deposits, the pool itself for withdrawals and
// payouts.
type Transfer struct {
	From      Account
	To        Account
	Amount    decimal.Decimal
	Authority Account
}

// Receipt confirms a transfer.
type Receipt struct {
	Reference string
}

// Custodian moves assets between custody accounts. A nil error means the
// transfer is confirmed; any error means it did not happen. Timeouts and
// retries are the custodian's concern.
type Custodian interface {
	Transfer(ctx context.Context, t Transfer) (Receipt, error)
}

// Memory is an in-process Custodian holding balances in a map. Every account
// is owned by itself, so a transfer is authorized only when Authority == From.
type Memory struct {
	mu       sync.Mutex
	balances map[Account]decimal.Decimal
	seq      int64
	failNext error
}

// NewMemory creates an empty in-memory custodian.
func NewMemory() *Memory {
	return &Memory{balances: make(map[Account]decimal.Decimal)}
}

// Fund credits an account out of thin air. Intended for seeding wallets.
func (m *Memory) Fund(a Account, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[a] = m.balances[a].Add(amount)
}

// Balance returns the current balance of an account.
func (m *Memory) Balance(a Account) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[a]
}

// FailNext makes the next transfer fail with err (wrapped in ErrTransferFailed).
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) Transfer(ctx context.Context, t Transfer) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !t.Amount.IsPositive() {
		return Receipt{}, ErrInvalidAmount
	}
	if t.Authority != t.From {
		return Receipt{}, ErrUnauthorized
	}
	if m.balances[t.From].LessThan(t.Amount) {
		return Receipt{}, ErrInsufficientFunds
	}

	m.balances[t.From] = m.balances[t.From].Sub(t.Amount)
	m.balances[t.To] = m.balances[t.To].Add(t.Amount)
	m.seq++
	return Receipt{Reference: fmt.Sprintf("mem-%d", m.seq)}, nil
}
