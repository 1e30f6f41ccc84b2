// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/coinwar/settlement-engine/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
)

// Batch is the set of records one engine operation mutates. Commit applies
// it all-or-nothing.
type Batch struct {
	Pools        []model.Pool              // updated in place; must exist
	Users        []model.User              // updated in place; must exist
	Rounds       []model.Round             // upserted
	Transactions []model.TransactionRecord // appended
	Payouts      []model.Payout            // appended
}

// Empty reports whether the batch has nothing to write.
func (b *Batch) Empty() bool {
	return len(b.Pools) == 0 && len(b.Users) == 0 && len(b.Rounds) == 0 &&
		len(b.Transactions) == 0 && len(b.Payouts) == 0
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pools ---

	// CreatePool persists a new pool. Returns ErrExists if it is already stored.
	CreatePool(ctx context.Context, pool *model.Pool) error

	// GetPool retrieves a pool by ID.
	GetPool(ctx context.Context, id model.PoolID) (*model.Pool, error)

	// ListPools returns all stored pools in canonical order.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// --- Users ---

	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns every user ordered by ID.
	ListUsers(ctx context.Context) ([]model.User, error)

	// ListPoolMembers returns users attributed to pool, ordered by ID.
	ListPoolMembers(ctx context.Context, pool model.PoolID) ([]model.User, error)

	// --- Rounds ---

	CreateRound(ctx context.Context, round *model.Round) error
	GetRound(ctx context.Context, id int64) (*model.Round, error)

	// CurrentRound returns the round with the highest ID.
	CurrentRound(ctx context.Context) (*model.Round, error)

	// ListRounds returns all rounds, newest first.
	ListRounds(ctx context.Context) ([]model.Round, error)

	// --- Immutable history ---

	// ListTransactions returns a user's deposits and withdrawals by sequence.
	ListTransactions(ctx context.Context, userID string) ([]model.TransactionRecord, error)

	// ListPayouts returns the payouts issued in a round.
	ListPayouts(ctx context.Context, roundID int64) ([]model.Payout, error)

	// ListUserPayouts returns every payout a user received, oldest first.
	ListUserPayouts(ctx context.Context, userID string) ([]model.Payout, error)

	// --- Mutation ---

	// Commit applies a batch atomically.
	Commit(ctx context.Context, batch *Batch) error
}

// Layered is implemented by stores that sit in front of a source of truth,
// such as CachedStore.
type Layered interface {
	Primary() Store
}

// PrimaryOf returns the source of truth beneath st, or st itself.
func PrimaryOf(st Store) Store {
	if l, ok := st.(Layered); ok {
		return l.Primary()
	}
	return st
}
