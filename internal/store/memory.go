package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coinwar/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	pools        map[model.PoolID]*model.Pool
	users        map[string]*model.User
	rounds       map[int64]*model.Round
	transactions []model.TransactionRecord
	payouts      []model.Payout
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:  make(map[model.PoolID]*model.Pool),
		users:  make(map[string]*model.User),
		rounds: make(map[int64]*model.Round),
	}
}

func (s *MemoryStore) CreatePool(_ context.Context, p *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.ID]; ok {
		return fmt.Errorf("pool %s: %w", p.ID, ErrExists)
	}
	// Store a copy to avoid external mutation.
	copy := *p
	s.pools[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id model.PoolID) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, id := range model.CanonicalPools() {
		if p, ok := s.pools[id]; ok {
			pools = append(pools, *p)
		}
	}
	return pools, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrExists)
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *cloneUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStore) ListPoolMembers(ctx context.Context, pool model.PoolID) ([]model.User, error) {
	all, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var members []model.User
	for _, u := range all {
		if u.InPool(pool) {
			members = append(members, u)
		}
	}
	return members, nil
}

func (s *MemoryStore) CreateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("round %d: %w", r.ID, ErrExists)
	}
	s.rounds[r.ID] = cloneRound(r)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id int64) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	return cloneRound(r), nil
}

func (s *MemoryStore) CurrentRound(_ context.Context) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current *model.Round
	for _, r := range s.rounds {
		if current == nil || r.ID > current.ID {
			current = r
		}
	}
	if current == nil {
		return nil, fmt.Errorf("current round: %w", ErrNotFound)
	}
	return cloneRound(current), nil
}

func (s *MemoryStore) ListRounds(_ context.Context) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rounds := make([]model.Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		rounds = append(rounds, *cloneRound(r))
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].ID > rounds[j].ID })
	return rounds, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransactionRecord
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, roundID int64) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.RoundID == roundID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListUserPayouts(_ context.Context, userID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.UserID == userID {
			result = append(result, p)
		}
	}
	return result, nil
}

// Commit validates the whole batch before touching any record, so a
// rejected batch leaves the store unchanged.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range b.Pools {
		if _, ok := s.pools[p.ID]; !ok {
			return fmt.Errorf("commit pool %s: %w", p.ID, ErrNotFound)
		}
	}
	for _, u := range b.Users {
		if _, ok := s.users[u.ID]; !ok {
			return fmt.Errorf("commit user %s: %w", u.ID, ErrNotFound)
		}
	}

	for i := range b.Pools {
		p := b.Pools[i]
		s.pools[p.ID] = &p
	}
	for i := range b.Users {
		s.users[b.Users[i].ID] = cloneUser(&b.Users[i])
	}
	for i := range b.Rounds {
		s.rounds[b.Rounds[i].ID] = cloneRound(&b.Rounds[i])
	}
	s.transactions = append(s.transactions, b.Transactions...)
	s.payouts = append(s.payouts, b.Payouts...)
	return nil
}

func cloneUser(u *model.User) *model.User {
	c := *u
	if u.Pool != nil {
		p := *u.Pool
		c.Pool = &p
	}
	return &c
}

func cloneRound(r *model.Round) *model.Round {
	c := *r
	if r.WinningPool != nil {
		p := *r.WinningPool
		c.WinningPool = &p
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}
