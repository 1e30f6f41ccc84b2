package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coinwar/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the wrapped store, bypassing the cache. Cache entries can
// be repopulated by a reader that raced a commit, so read-modify-write paths
// must read from here.
func (s *CachedStore) Primary() Store {
	return s.primary
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, poolKey(p.ID), p)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cache(ctx, userKey(u.ID), u)
	return nil
}

func (s *CachedStore) CreateRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.CreateRound(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, currentRoundKey)
	return nil
}

// Commit writes to the primary, then drops every cached record the batch
// touched. The next read re-populates from the primary.
func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}

	keys := make([]string, 0, len(b.Pools)+len(b.Users)+1)
	for _, p := range b.Pools {
		keys = append(keys, poolKey(p.ID))
	}
	for _, u := range b.Users {
		keys = append(keys, userKey(u.ID))
	}
	if len(b.Rounds) > 0 {
		keys = append(keys, currentRoundKey)
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id model.PoolID) (*model.Pool, error) {
	var p model.Pool
	if s.lookup(ctx, poolKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(id), &u) {
		return &u, nil
	}

	fresh, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) CurrentRound(ctx context.Context) (*model.Round, error) {
	var r model.Round
	if s.lookup(ctx, currentRoundKey, &r) {
		return &r, nil
	}

	fresh, err := s.primary.CurrentRound(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, currentRoundKey, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListPoolMembers(ctx context.Context, pool model.PoolID) ([]model.User, error) {
	return s.primary.ListPoolMembers(ctx, pool)
}

func (s *CachedStore) GetRound(ctx context.Context, id int64) (*model.Round, error) {
	return s.primary.GetRound(ctx, id)
}

func (s *CachedStore) ListRounds(ctx context.Context) ([]model.Round, error) {
	return s.primary.ListRounds(ctx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	return s.primary.ListTransactions(ctx, userID)
}

func (s *CachedStore) ListPayouts(ctx context.Context, roundID int64) ([]model.Payout, error) {
	return s.primary.ListPayouts(ctx, roundID)
}

func (s *CachedStore) ListUserPayouts(ctx context.Context, userID string) ([]model.Payout, error) {
	return s.primary.ListUserPayouts(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const currentRoundKey = "round:current"

func poolKey(id model.PoolID) string { return fmt.Sprintf("pool:%s", id) }
func userKey(id string) string       { return fmt.Sprintf("user:%s", id) }
