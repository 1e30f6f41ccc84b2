// Package engine is the settlement and accounting engine: it validates each
// operation, directs the custody transfer it needs, and commits the
// resulting Pool/User/Round/record changes as one batch.
//
// All monetary values use shopspring/decimal. Never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/custody"
	"github.com/coinwar/settlement-engine/internal/metrics"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/settlement"
	"github.com/coinwar/settlement-engine/internal/store"
)

// PayoutScale is the number of decimal places prize shares are truncated to.
// Truncation keeps the sum of shares at or below the prize.
const PayoutScale = 8

// Config holds the product parameters of the engine.
type Config struct {
	RoundLengthDays  int64
	MinDeposit       decimal.Decimal
	PrizeFraction    decimal.Decimal // share of non-winning yield paid out
	BonusRate        decimal.Decimal // share of the prize paid to the bonus winner
	InitialPoolPrize decimal.Decimal // yield seeded into a new pool
}

// DefaultConfig returns the standard product parameters.
func DefaultConfig() Config {
	return Config{
		RoundLengthDays:  5,
		MinDeposit:       decimal.NewFromInt(1),
		PrizeFraction:    decimal.NewFromFloat(0.8),
		BonusRate:        decimal.NewFromFloat(0.05),
		InitialPoolPrize: decimal.NewFromInt(100),
	}
}

// Validate checks the parameters are usable.
func (c Config) Validate() error {
	if c.RoundLengthDays <= 0 {
		return errors.New("engine: round length must be positive")
	}
	if c.MinDeposit.IsNegative() {
		return errors.New("engine: minimum deposit must not be negative")
	}
	one := decimal.NewFromInt(1)
	if c.PrizeFraction.IsNegative() || c.PrizeFraction.GreaterThan(one) {
		return errors.New("engine: prize fraction must be within [0, 1]")
	}
	if c.BonusRate.IsNegative() || c.BonusRate.GreaterThan(one) {
		return errors.New("engine: bonus rate must be within [0, 1]")
	}
	if c.InitialPoolPrize.IsNegative() {
		return errors.New("engine: initial pool prize must not be negative")
	}
	return nil
}

// RoundLength is the duration of one round.
func (c Config) RoundLength() time.Duration {
	return time.Duration(c.RoundLengthDays) * 24 * time.Hour
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPicker overrides how the bonus winner is chosen.
func WithPicker(p settlement.Picker) Option {
	return func(e *Engine) { e.picker = p }
}

// WithPublisher sets the sink for committed-operation events.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// Engine handles pool, user and round operations. A mutex serializes every
// mutating operation (single-instance). For horizontal scaling, replace with
// distributed locking or database-level optimistic concurrency.
type Engine struct {
	store   store.Store
	ledger  store.Store // reads inside locked operations; never a cache
	custody custody.Custodian
	cfg     Config
	now     func() time.Time
	picker  settlement.Picker
	events  Publisher
	mu      sync.Mutex
}

// New creates an engine over a store and a custodian.
func New(st store.Store, cust custody.Custodian, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:   st,
		ledger:  store.PrimaryOf(st),
		custody: cust,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		picker:  settlement.NewWeightedPicker(),
		events:  noopPublisher{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's product parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// --- Pool & user lifecycle ---

// CreatePool initializes a pool. Fails with ErrAlreadyInitialized if the
// pool exists, without touching it.
func (e *Engine) CreatePool(ctx context.Context, id model.PoolID) (_ *model.Pool, err error) {
	defer observe("create_pool", time.Now(), &err)

	if !id.Valid() {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownPool, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.ledger.GetPool(ctx, id)
	if err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := e.now()
	pool := &model.Pool{
		ID:                id,
		Name:              id.DisplayName(),
		Initialized:       true,
		TotalDeposit:      decimal.Zero,
		UserCount:         0,
		AveragePrediction: decimal.Zero,
		AccruedYield:      e.cfg.InitialPoolPrize,
		LastUpdateTime:    now,
		CreatedAt:         now,
	}
	if err := e.store.CreatePool(ctx, pool); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
		}
		return nil, err
	}

	slog.Info("pool created", "pool", id.String(), "initial_yield", pool.AccruedYield.String())
	e.publishPool(EventPoolCreated, pool, Event{})
	return pool, nil
}

// CreateUser registers a participant with zero balance and a full round of
// weighting days.
func (e *Engine) CreateUser(ctx context.Context, id string) (_ *model.User, err error) {
	defer observe("create_user", time.Now(), &err)

	if id == "" {
		return nil, ErrInvalidUserID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	user := &model.User{
		ID:                     id,
		Balance:                decimal.Zero,
		CurrentWeightedBalance: decimal.Zero,
		CurrentWeightedDays:    e.cfg.RoundLengthDays,
		CurrentAverageBalance:  decimal.Zero,
		LastPrediction:         decimal.Zero,
		LastActive:             now,
		CreatedAt:              now,
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, id)
		}
		return nil, err
	}
	slog.Info("user created", "user", id)
	return user, nil
}

// RecordYield credits return accrued by a pool's custody since the previous
// round. The custodian is expected to hold the value already.
func (e *Engine) RecordYield(ctx context.Context, id model.PoolID, amount decimal.Decimal) (_ *model.Pool, err error) {
	defer observe("record_yield", time.Now(), &err)

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool(ctx, id)
	if err != nil {
		return nil, err
	}
	pool.AccruedYield = pool.AccruedYield.Add(amount)
	pool.LastUpdateTime = e.now()

	if err := e.store.Commit(ctx, &store.Batch{Pools: []model.Pool{*pool}}); err != nil {
		return nil, err
	}
	slog.Info("yield recorded", "pool", id.String(), "amount", amount.String(), "accrued", pool.AccruedYield.String())
	return pool, nil
}

// --- Queries ---

// GetPool, GetUser and CurrentRound may be served from a cache and lag the
// ledger by up to its TTL.
func (e *Engine) GetPool(ctx context.Context, id model.PoolID) (*model.Pool, error) {
	return readPool(ctx, e.store, id)
}

func (e *Engine) ListPools(ctx context.Context) ([]model.Pool, error) {
	return e.store.ListPools(ctx)
}

func (e *Engine) GetUser(ctx context.Context, id string) (*model.User, error) {
	return readUser(ctx, e.store, id)
}

func (e *Engine) ListTransactions(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	if _, err := readUser(ctx, e.store, userID); err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, userID)
}

func (e *Engine) ListUserPayouts(ctx context.Context, userID string) ([]model.Payout, error) {
	if _, err := readUser(ctx, e.store, userID); err != nil {
		return nil, err
	}
	return e.store.ListUserPayouts(ctx, userID)
}

func (e *Engine) CurrentRound(ctx context.Context) (*model.Round, error) {
	return readCurrentRound(ctx, e.store)
}

func (e *Engine) ListRounds(ctx context.Context) ([]model.Round, error) {
	return e.store.ListRounds(ctx)
}

func (e *Engine) ListPayouts(ctx context.Context, roundID int64) ([]model.Payout, error) {
	return e.store.ListPayouts(ctx, roundID)
}

// --- Helpers ---

// loadPool, loadUser and loadCurrentRound read the ledger. Locked
// operations must use them so a stale cache entry never feeds a commit.
func (e *Engine) loadPool(ctx context.Context, id model.PoolID) (*model.Pool, error) {
	return readPool(ctx, e.ledger, id)
}

func (e *Engine) loadUser(ctx context.Context, id string) (*model.User, error) {
	return readUser(ctx, e.ledger, id)
}

func (e *Engine) loadCurrentRound(ctx context.Context) (*model.Round, error) {
	return readCurrentRound(ctx, e.ledger)
}

func readPool(ctx context.Context, st store.Store, id model.PoolID) (*model.Pool, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownPool, id)
	}
	pool, err := st.GetPool(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if !pool.Initialized {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	return pool, nil
}

func readUser(ctx context.Context, st store.Store, id string) (*model.User, error) {
	user, err := st.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return user, err
}

func readCurrentRound(ctx context.Context, st store.Store) (*model.Round, error) {
	round, err := st.CurrentRound(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRound
	}
	return round, err
}

// openRound returns the current round if it accepts deposits at now.
func (e *Engine) openRound(ctx context.Context, now time.Time) (*model.Round, error) {
	round, err := e.loadCurrentRound(ctx)
	if err != nil {
		return nil, err
	}
	if round.Status != model.RoundOpen {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotOpen, round.ID, round.Status)
	}
	if !now.Before(round.EndTime) {
		return nil, fmt.Errorf("%w: round %d ended at %s", ErrRoundEnded, round.ID, round.EndTime.Format(time.RFC3339))
	}
	return round, nil
}

// transfer executes ts in order. If one is not confirmed, the ones already
// confirmed are reversed and the error is returned.
func (e *Engine) transfer(ctx context.Context, op string, ts ...custody.Transfer) ([]custody.Transfer, error) {
	done := make([]custody.Transfer, 0, len(ts))
	for _, t := range ts {
		if !t.Amount.IsPositive() {
			continue
		}
		if _, err := e.custody.Transfer(ctx, t); err != nil {
			metrics.TransferFailures.WithLabelValues(op).Inc()
			slog.Warn("transfer not confirmed",
				"op", op, "from", string(t.From), "to", string(t.To),
				"amount", t.Amount.String(), "err", err)
			e.reverse(ctx, op, done)
			if !errors.Is(err, custody.ErrTransferFailed) {
				err = fmt.Errorf("%w: %v", custody.ErrTransferFailed, err)
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		done = append(done, t)
	}
	return done, nil
}

// reverse undoes confirmed transfers, newest first, under the authority of
// the account that received them.
func (e *Engine) reverse(ctx context.Context, op string, done []custody.Transfer) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		t := done[i]
		back := custody.Transfer{From: t.To, To: t.From, Amount: t.Amount, Authority: t.To}
		if _, err := e.custody.Transfer(ctx, back); err != nil {
			metrics.TransferReversalFailures.Inc()
			slog.Error("transfer reversal failed",
				"op", op, "from", string(back.From), "to", string(back.To),
				"amount", back.Amount.String(), "err", err)
		}
	}
}

// commitAfterTransfer commits b, reversing the confirmed transfers if the
// commit fails.
func (e *Engine) commitAfterTransfer(ctx context.Context, op string, b *store.Batch, done []custody.Transfer) error {
	if err := e.store.Commit(ctx, b); err != nil {
		slog.Error("commit failed after transfer", "op", op, "err", err)
		e.reverse(ctx, op, done)
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	for _, p := range b.Pools {
		metrics.PoolTotalDeposit.WithLabelValues(p.ID.String()).Set(p.TotalDeposit.InexactFloat64())
		metrics.PoolUsers.WithLabelValues(p.ID.String()).Set(float64(p.UserCount))
	}
	return nil
}

func (e *Engine) publishPool(typ string, p *model.Pool, ev Event) {
	ev.Type = typ
	ev.Pool = p.ID.String()
	ev.TotalDeposit = p.TotalDeposit.String()
	ev.AveragePrediction = p.AveragePrediction.String()
	e.events.Publish(ev)
}

func cloneUser(u *model.User) model.User {
	c := *u
	if u.Pool != nil {
		p := *u.Pool
		c.Pool = &p
	}
	return c
}

// observe records the outcome of an operation once it returns.
func observe(op string, start time.Time, err *error) {
	metrics.Observe(op, start, *err)
}
