package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemory_Transfer(t *testing.T) {
	m := NewMemory()
	alice := UserAccount("alice")
	pool := PoolAccount(model.PoolSolana)
	m.Fund(alice, d(100))

	rcpt, err := m.Transfer(context.Background(), Transfer{From: alice, To: pool, Amount: d(40), Authority: alice})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rcpt.Reference == "" {
		t.Error("expected a receipt reference")
	}
	if !m.Balance(alice).Equal(d(60)) || !m.Balance(pool).Equal(d(40)) {
		t.Errorf("balances after transfer: alice=%s pool=%s", m.Balance(alice), m.Balance(pool))
	}
}

func TestMemory_Rejections(t *testing.T) {
	alice := UserAccount("alice")
	pool := PoolAccount(model.PoolSolana)

	tests := []struct {
		name string
		tr   Transfer
		want error
	}{
		{"wrong authority", Transfer{From: pool, To: alice, Amount: d(1), Authority: alice}, ErrUnauthorized},
		{"overdraw", Transfer{From: alice, To: pool, Amount: d(101), Authority: alice}, ErrInsufficientFunds},
		{"zero amount", Transfer{From: alice, To: pool, Amount: decimal.Zero, Authority: alice}, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			m.Fund(alice, d(100))
			m.Fund(pool, d(100))

			_, err := m.Transfer(context.Background(), tt.tr)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrTransferFailed) {
				t.Errorf("expected error to wrap ErrTransferFailed, got %v", err)
			}
			if !m.Balance(alice).Equal(d(100)) || !m.Balance(pool).Equal(d(100)) {
				t.Error("rejected transfer must not move funds")
			}
		})
	}
}

func TestMemory_FailNext(t *testing.T) {
	m := NewMemory()
	alice := UserAccount("alice")
	m.Fund(alice, d(10))
	m.FailNext(errors.New("rpc timeout"))

	tr := Transfer{From: alice, To: PoolAccount(model.PoolBNB), Amount: d(5), Authority: alice}
	if _, err := m.Transfer(context.Background(), tr); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, err := m.Transfer(context.Background(), tr); err != nil {
		t.Fatalf("second transfer should succeed: %v", err)
	}
}
