package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const poolColumns = `id, name, initialized, total_deposit::TEXT, user_count,
	average_prediction::TEXT, accrued_yield::TEXT, last_update_time, created_at`

const userColumns = `id, pool, balance::TEXT, current_weighted_balance::TEXT,
	current_weighted_days, current_average_balance::TEXT, last_prediction::TEXT,
	transaction_count, round_history_count, last_active, created_at`

const roundColumns = `id, start_time, end_time, status, winning_pool,
	winning_prediction::TEXT, reference_price::TEXT, winning_amount::TEXT,
	total_prize::TEXT, bonus_amount::TEXT, bonus_winner, settled_at`

// --- Pools ---

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (id, name, initialized, total_deposit, user_count,
		                    average_prediction, accrued_yield, last_update_time, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		p.ID.String(), p.Name, p.Initialized, p.TotalDeposit.String(), p.UserCount,
		p.AveragePrediction.String(), p.AccruedYield.String(), p.LastUpdateTime, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("pool %s: %w", p.ID, ErrExists)
	}
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, id model.PoolID) (*model.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id.String())
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[model.PoolID]model.Pool)
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = *p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pools := make([]model.Pool, 0, len(byID))
	for _, id := range model.CanonicalPools() {
		if p, ok := byID[id]; ok {
			pools = append(pools, p)
		}
	}
	return pools, nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, pool, balance, current_weighted_balance, current_weighted_days,
		                    current_average_balance, last_prediction, transaction_count,
		                    round_history_count, last_active, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		userArgs(u)...,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, ErrExists)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *PostgresStore) ListPoolMembers(ctx context.Context, pool model.PoolID) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE pool = $1 ORDER BY id`, pool.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

// --- Rounds ---

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.Round) error {
	_, err := s.pool.Exec(ctx, insertRoundSQL, roundArgs(r)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("round %d: %w", r.ID, ErrExists)
	}
	return err
}

func (s *PostgresStore) GetRound(ctx context.Context, id int64) (*model.Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %d: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) CurrentRound(ctx context.Context) (*model.Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY id DESC LIMIT 1`)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("current round: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("current round: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRounds(ctx context.Context) ([]model.Round, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

// --- History ---

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, pool, sequence, kind, amount::TEXT, timestamp
		 FROM transactions WHERE user_id = $1 ORDER BY sequence`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.TransactionRecord
	for rows.Next() {
		var tx model.TransactionRecord
		var pool, kind, amount string
		if err := rows.Scan(&tx.ID, &tx.UserID, &pool, &tx.Sequence, &kind, &amount, &tx.Timestamp); err != nil {
			return nil, err
		}
		if tx.Pool, err = model.ParsePoolID(pool); err != nil {
			return nil, err
		}
		if tx.Kind, err = model.ParseTransactionKind(kind); err != nil {
			return nil, err
		}
		tx.Amount = dec(amount)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) ListPayouts(ctx context.Context, roundID int64) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, round_id, user_id, pool, kind, amount::TEXT, timestamp
		 FROM payouts WHERE round_id = $1 ORDER BY timestamp, id`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayouts(rows)
}

func (s *PostgresStore) ListUserPayouts(ctx context.Context, userID string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, round_id, user_id, pool, kind, amount::TEXT, timestamp
		 FROM payouts WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayouts(rows)
}

// --- Commit ---

// Commit applies the batch inside a single database transaction.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range b.Pools {
		p := &b.Pools[i]
		tag, err := tx.Exec(ctx,
			`UPDATE pools
			 SET name = $2, initialized = $3, total_deposit = $4::NUMERIC, user_count = $5,
			     average_prediction = $6::NUMERIC, accrued_yield = $7::NUMERIC, last_update_time = $8
			 WHERE id = $1`,
			p.ID.String(), p.Name, p.Initialized, p.TotalDeposit.String(), p.UserCount,
			p.AveragePrediction.String(), p.AccruedYield.String(), p.LastUpdateTime,
		)
		if err != nil {
			return fmt.Errorf("commit pool %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("commit pool %s: %w", p.ID, ErrNotFound)
		}
	}

	for i := range b.Users {
		u := &b.Users[i]
		tag, err := tx.Exec(ctx,
			`UPDATE users
			 SET pool = $2, balance = $3::NUMERIC, current_weighted_balance = $4::NUMERIC,
			     current_weighted_days = $5, current_average_balance = $6::NUMERIC,
			     last_prediction = $7::NUMERIC, transaction_count = $8,
			     round_history_count = $9, last_active = $10
			 WHERE id = $1`,
			userArgs(u)[:10]...,
		)
		if err != nil {
			return fmt.Errorf("commit user %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("commit user %s: %w", u.ID, ErrNotFound)
		}
	}

	for i := range b.Rounds {
		r := &b.Rounds[i]
		if _, err := tx.Exec(ctx, insertRoundSQL+`
			 ON CONFLICT (id) DO UPDATE SET
			     start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
			     status = EXCLUDED.status, winning_pool = EXCLUDED.winning_pool,
			     winning_prediction = EXCLUDED.winning_prediction,
			     reference_price = EXCLUDED.reference_price,
			     winning_amount = EXCLUDED.winning_amount, total_prize = EXCLUDED.total_prize,
			     bonus_amount = EXCLUDED.bonus_amount, bonus_winner = EXCLUDED.bonus_winner,
			     settled_at = EXCLUDED.settled_at`,
			roundArgs(r)...,
		); err != nil {
			return fmt.Errorf("commit round %d: %w", r.ID, err)
		}
	}

	for i := range b.Transactions {
		t := &b.Transactions[i]
		if _, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, user_id, pool, sequence, kind, amount, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
			t.ID, t.UserID, t.Pool.String(), t.Sequence, t.Kind.String(), t.Amount.String(), t.Timestamp,
		); err != nil {
			return fmt.Errorf("commit transaction %s: %w", t.ID, err)
		}
	}

	for i := range b.Payouts {
		p := &b.Payouts[i]
		if _, err := tx.Exec(ctx,
			`INSERT INTO payouts (id, round_id, user_id, pool, kind, amount, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
			p.ID, p.RoundID, p.UserID, p.Pool.String(), string(p.Kind), p.Amount.String(), p.Timestamp,
		); err != nil {
			return fmt.Errorf("commit payout %s: %w", p.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// --- Row helpers ---

const insertRoundSQL = `INSERT INTO rounds (id, start_time, end_time, status, winning_pool,
	    winning_prediction, reference_price, winning_amount, total_prize,
	    bonus_amount, bonus_winner, settled_at)
	 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
	    $10::NUMERIC, $11, $12)`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// pgxRows is the subset of pgx.Rows used by the scan helpers.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPool(row rowScanner) (*model.Pool, error) {
	var p model.Pool
	var id, total, avg, yield string
	if err := row.Scan(&id, &p.Name, &p.Initialized, &total, &p.UserCount,
		&avg, &yield, &p.LastUpdateTime, &p.CreatedAt); err != nil {
		return nil, err
	}
	pid, err := model.ParsePoolID(id)
	if err != nil {
		return nil, err
	}
	p.ID = pid
	p.TotalDeposit = dec(total)
	p.AveragePrediction = dec(avg)
	p.AccruedYield = dec(yield)
	return &p, nil
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var pool *string
	var balance, wb, avg, pred string
	if err := row.Scan(&u.ID, &pool, &balance, &wb, &u.CurrentWeightedDays, &avg, &pred,
		&u.TransactionCount, &u.RoundHistoryCount, &u.LastActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	if pool != nil {
		pid, err := model.ParsePoolID(*pool)
		if err != nil {
			return nil, err
		}
		u.Pool = &pid
	}
	u.Balance = dec(balance)
	u.CurrentWeightedBalance = dec(wb)
	u.CurrentAverageBalance = dec(avg)
	u.LastPrediction = dec(pred)
	return &u, nil
}

func scanUsers(rows pgxRows) ([]model.User, error) {
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func scanRound(row rowScanner) (*model.Round, error) {
	var r model.Round
	var status string
	var winner *string
	var pred, price, amount, prize, bonus string
	var settledAt *time.Time
	if err := row.Scan(&r.ID, &r.StartTime, &r.EndTime, &status, &winner,
		&pred, &price, &amount, &prize, &bonus, &r.BonusWinner, &settledAt); err != nil {
		return nil, err
	}
	r.Status = model.RoundStatus(status)
	if winner != nil {
		pid, err := model.ParsePoolID(*winner)
		if err != nil {
			return nil, err
		}
		r.WinningPool = &pid
	}
	r.WinningPrediction = dec(pred)
	r.ReferencePrice = dec(price)
	r.WinningAmount = dec(amount)
	r.TotalPrize = dec(prize)
	r.BonusAmount = dec(bonus)
	r.SettledAt = settledAt
	return &r, nil
}

func scanPayouts(rows pgxRows) ([]model.Payout, error) {
	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		var pool, kind, amount string
		if err := rows.Scan(&p.ID, &p.RoundID, &p.UserID, &pool, &kind, &amount, &p.Timestamp); err != nil {
			return nil, err
		}
		pid, err := model.ParsePoolID(pool)
		if err != nil {
			return nil, err
		}
		p.Pool = pid
		p.Kind = model.PayoutKind(kind)
		p.Amount = dec(amount)
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func userArgs(u *model.User) []interface{} {
	var pool *string
	if u.Pool != nil {
		code := u.Pool.String()
		pool = &code
	}
	return []interface{}{
		u.ID, pool, u.Balance.String(), u.CurrentWeightedBalance.String(),
		u.CurrentWeightedDays, u.CurrentAverageBalance.String(), u.LastPrediction.String(),
		u.TransactionCount, u.RoundHistoryCount, u.LastActive, u.CreatedAt,
	}
}

func roundArgs(r *model.Round) []interface{} {
	var winner *string
	if r.WinningPool != nil {
		code := r.WinningPool.String()
		winner = &code
	}
	return []interface{}{
		r.ID, r.StartTime, r.EndTime, string(r.Status), winner,
		r.WinningPrediction.String(), r.ReferencePrice.String(), r.WinningAmount.String(),
		r.TotalPrize.String(), r.BonusAmount.String(), r.BonusWinner, r.SettledAt,
	}
}

// dec parses a NUMERIC rendered as text. NUMERIC::TEXT is always a valid
// decimal literal.
func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
