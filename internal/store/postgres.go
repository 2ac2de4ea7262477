package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as TEXT so no float conversion happens on the way out.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. A non-positive
// lockTimeout selects DefaultLockTimeout.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// SQLSTATE codes mapped onto store errors.
const (
	pgUniqueViolation   = "23505"
	pgLockNotAvailable  = "55P03"
	pgDeadlockDetected  = "40P01"
	pgQueryCanceledCode = "57014"
)

// mapError translates driver errors into store sentinels. Errors that are
// not driver errors pass through untouched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
		case pgLockNotAvailable, pgDeadlockDetected, pgQueryCanceledCode:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		}
	}
	return err
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapError(err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	committed = true
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// parseDecimals parses NUMERIC::TEXT columns into their destinations.
func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		dst := pairs[i].(*decimal.Decimal)
		src := pairs[i+1].(string)
		v, err := decimal.NewFromString(src)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", src, err)
		}
		*dst = v
	}
	return nil
}

// --- Column lists and scanners ---

const userColumns = `id, cash_balance::TEXT, role, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var cash string
	if err := row.Scan(&u.ID, &cash, &u.Role, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(&u.CashBalance, cash); err != nil {
		return nil, err
	}
	return &u, nil
}

const trackColumns = `id, isrc, title, artist, current_price::TEXT, total_supply::TEXT, available_supply::TEXT, created_at`

func scanTrack(row pgx.Row) (*model.Track, error) {
	var t model.Track
	var price, total, avail string
	if err := row.Scan(&t.ID, &t.ISRC, &t.Title, &t.Artist, &price, &total, &avail, &t.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(&t.CurrentPrice, price, &t.TotalSupply, total, &t.AvailableSupply, avail); err != nil {
		return nil, err
	}
	return &t, nil
}

const holdingColumns = `user_id, track_id, amount::TEXT, avg_buy_price::TEXT, total_invested::TEXT, created_at, updated_at`

func scanHolding(row pgx.Row) (*model.Holding, error) {
	var h model.Holding
	var amount, avg, invested string
	if err := row.Scan(&h.UserID, &h.TrackID, &amount, &avg, &invested, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(&h.Amount, amount, &h.AvgBuyPrice, avg, &h.TotalInvested, invested); err != nil {
		return nil, err
	}
	return &h, nil
}

const transactionColumns = `id, user_id, COALESCE(track_id, ''), type, amount::TEXT, price::TEXT,
	total_value::TEXT, fee::TEXT, status, COALESCE(idempotency_key, ''), COALESCE(payment_reference, ''), created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var amount, price, total, fee string
	if err := row.Scan(&t.ID, &t.UserID, &t.TrackID, &t.Type, &amount, &price,
		&total, &fee, &t.Status, &t.IdempotencyKey, &t.PaymentReference, &t.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(&t.Amount, amount, &t.Price, price, &t.TotalValue, total, &t.Fee, fee); err != nil {
		return nil, err
	}
	return &t, nil
}

const orderColumns = `id, user_id, track_id, type, target_price::TEXT, quantity::TEXT, status,
	COALESCE(cancel_reason, ''), COALESCE(transaction_id, ''), expires_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.LimitOrder, error) {
	var o model.LimitOrder
	var target, qty string
	if err := row.Scan(&o.ID, &o.UserID, &o.TrackID, &o.Type, &target, &qty, &o.Status,
		&o.CancelReason, &o.TransactionID, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(&o.TargetPrice, target, &o.Quantity, qty); err != nil {
		return nil, err
	}
	return &o, nil
}

const alertColumns = `id, user_id, track_id, target_price::TEXT, condition, is_active, triggered, triggered_at, created_at`

func scanAlert(row pgx.Row) (*model.PriceAlert, error) {
	var a model.PriceAlert
	var target string
	if err := row.Scan(&a.ID, &a.UserID, &a.TrackID, &target, &a.Condition,
		&a.IsActive, &a.Triggered, &a.TriggeredAt, &a.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(&a.TargetPrice, target); err != nil {
		return nil, err
	}
	return &a, nil
}

const intentColumns = `reference, user_id, track_id, token_amount::TEXT, unit_price::TEXT, amount::TEXT, status,
	COALESCE(failure_reason, ''), COALESCE(transaction_id, ''), expires_at, created_at, updated_at`

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	var p model.PaymentIntent
	var tokens, unit, amount string
	if err := row.Scan(&p.Reference, &p.UserID, &p.TrackID, &tokens, &unit, &amount, &p.Status,
		&p.FailureReason, &p.TransactionID, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := parseDecimals(&p.TokenAmount, tokens, &p.UnitPrice, unit, &p.Amount, amount); err != nil {
		return nil, err
	}
	return &p, nil
}

// collect drains rows through scan. rows is always closed.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	result := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	return result, mapError(rows.Err())
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, cash_balance, role, created_at) VALUES ($1, $2::NUMERIC, $3, $4)`,
		u.ID, u.CashBalance.String(), u.Role, u.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// --- Tracks ---

func (s *PostgresStore) CreateTrack(ctx context.Context, t *model.Track) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracks (id, isrc, title, artist, current_price, total_supply, available_supply, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.ISRC, t.Title, t.Artist,
		t.CurrentPrice.String(), t.TotalSupply.String(), t.AvailableSupply.String(),
		t.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	t, err := scanTrack(s.pool.QueryRow(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get track %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTracks(ctx context.Context) ([]model.Track, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+trackColumns+` FROM tracks ORDER BY created_at, id`)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanTrack)
}

func (s *PostgresStore) SetTrackPrice(ctx context.Context, id string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracks SET current_price = $2::NUMERIC WHERE id = $1`, id, price.String())
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("track %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, userID, trackID string) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND track_id = $2`, userID, trackID))
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", userID, trackID, err)
	}
	return h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 ORDER BY track_id`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanHolding)
}

// --- Transactions ---

func (s *PostgresStore) GetTransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	return transactionByKey(ctx, s.pool, key)
}

func transactionByKey(ctx context.Context, q querier, key string) (*model.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, fmt.Errorf("transaction key %s: %w", key, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, int, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.TrackID != "" {
		add("track_id = $%d", f.TrackID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + clause + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	txs, err := collect(rows, scanTransaction)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// --- Limit orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.LimitOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO limit_orders (id, user_id, track_id, type, target_price, quantity, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
		o.ID, o.UserID, o.TrackID, string(o.Type), o.TargetPrice.String(), o.Quantity.String(),
		string(o.Status), o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM limit_orders WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM limit_orders
		 WHERE ($1::TEXT = '' OR user_id = $1) AND ($2::TEXT = '' OR track_id = $2) AND ($3::TEXT = '' OR status = $3)
		 ORDER BY created_at, id`,
		f.UserID, f.TrackID, string(f.Status))
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanOrder)
}

// --- Price alerts ---

func (s *PostgresStore) CreateAlert(ctx context.Context, a *model.PriceAlert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_alerts (id, user_id, track_id, target_price, condition, is_active, triggered, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		a.ID, a.UserID, a.TrackID, a.TargetPrice.String(), string(a.Condition),
		a.IsActive, a.Triggered, a.CreatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*model.PriceAlert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM price_alerts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) DeleteAlert(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_alerts WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]model.PriceAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM price_alerts
		 WHERE ($1::TEXT = '' OR user_id = $1) AND ($2::TEXT = '' OR track_id = $2)
		   AND (NOT $3::BOOLEAN OR (is_active AND NOT triggered))
		 ORDER BY created_at, id`,
		f.UserID, f.TrackID, f.Armed)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanAlert)
}

// --- Payment intents ---

func (s *PostgresStore) CreateIntent(ctx context.Context, p *model.PaymentIntent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_intents (reference, user_id, track_id, token_amount, unit_price, amount, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
		p.Reference, p.UserID, p.TrackID, p.TokenAmount.String(), p.UnitPrice.String(), p.Amount.String(),
		string(p.Status), p.ExpiresAt, p.CreatedAt, p.UpdatedAt)
	return mapError(err)
}

func (s *PostgresStore) GetIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	p, err := scanIntent(s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference))
	if err != nil {
		return nil, fmt.Errorf("get intent %s: %w", reference, err)
	}
	return p, nil
}

func (s *PostgresStore) ListIntentsExpiring(ctx context.Context, now time.Time) ([]model.PaymentIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+intentColumns+` FROM payment_intents
		 WHERE status = 'PENDING' AND expires_at <= $1 ORDER BY expires_at`, now)
	if err != nil {
		return nil, mapError(err)
	}
	return collect(rows, scanIntent)
}

// pgTx is a unit of work on a pgx transaction. Lock* methods use
// SELECT ... FOR UPDATE, bounded by the transaction's lock_timeout.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockTrack(ctx context.Context, id string) (*model.Track, error) {
	tr, err := scanTrack(t.tx.QueryRow(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock track %s: %w", id, err)
	}
	return tr, nil
}

func (t *pgTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", id, err)
	}
	return u, nil
}

func (t *pgTx) LockHolding(ctx context.Context, userID, trackID string) (*model.Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND track_id = $2 FOR UPDATE`, userID, trackID))
	if err != nil {
		return nil, fmt.Errorf("lock holding %s/%s: %w", userID, trackID, err)
	}
	return h, nil
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM limit_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	return o, nil
}

func (t *pgTx) LockAlert(ctx context.Context, id string) (*model.PriceAlert, error) {
	a, err := scanAlert(t.tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM price_alerts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock alert %s: %w", id, err)
	}
	return a, nil
}

func (t *pgTx) LockIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	p, err := scanIntent(t.tx.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1 FOR UPDATE`, reference))
	if err != nil {
		return nil, fmt.Errorf("lock intent %s: %w", reference, err)
	}
	return p, nil
}

func (t *pgTx) TransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	return transactionByKey(ctx, t.tx, key)
}

func (t *pgTx) UpdateTrackSupply(ctx context.Context, id string, available decimal.Decimal) error {
	return t.execOne(ctx, "track "+id,
		`UPDATE tracks SET available_supply = $2::NUMERIC WHERE id = $1`, id, available.String())
}

func (t *pgTx) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	return t.execOne(ctx, "user "+id,
		`UPDATE users SET cash_balance = $2::NUMERIC WHERE id = $1`, id, balance.String())
}

func (t *pgTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (user_id, track_id, amount, avg_buy_price, total_invested, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		h.UserID, h.TrackID, h.Amount.String(), h.AvgBuyPrice.String(), h.TotalInvested.String(),
		h.CreatedAt, h.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	return t.execOne(ctx, "holding "+h.UserID+"/"+h.TrackID,
		`UPDATE holdings
		 SET amount = $3::NUMERIC, avg_buy_price = $4::NUMERIC, total_invested = $5::NUMERIC, updated_at = $6
		 WHERE user_id = $1 AND track_id = $2`,
		h.UserID, h.TrackID, h.Amount.String(), h.AvgBuyPrice.String(), h.TotalInvested.String(), h.UpdatedAt)
}

func (t *pgTx) DeleteHolding(ctx context.Context, userID, trackID string) error {
	return t.execOne(ctx, "holding "+userID+"/"+trackID,
		`DELETE FROM holdings WHERE user_id = $1 AND track_id = $2`, userID, trackID)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, track_id, type, amount, price, total_value, fee, status,
		                           idempotency_key, payment_reference, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		         NULLIF($10, ''), NULLIF($11, ''), $12)`,
		tr.ID, tr.UserID, tr.TrackID, string(tr.Type),
		tr.Amount.String(), tr.Price.String(), tr.TotalValue.String(), tr.Fee.String(),
		string(tr.Status), tr.IdempotencyKey, tr.PaymentReference, tr.CreatedAt)
	return mapError(err)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.LimitOrder) error {
	return t.execOne(ctx, "order "+o.ID,
		`UPDATE limit_orders
		 SET status = $2, cancel_reason = NULLIF($3, ''), transaction_id = NULLIF($4, ''), updated_at = $5
		 WHERE id = $1`,
		o.ID, string(o.Status), o.CancelReason, o.TransactionID, o.UpdatedAt)
}

func (t *pgTx) UpdateAlert(ctx context.Context, a *model.PriceAlert) error {
	return t.execOne(ctx, "alert "+a.ID,
		`UPDATE price_alerts SET is_active = $2, triggered = $3, triggered_at = $4 WHERE id = $1`,
		a.ID, a.IsActive, a.Triggered, a.TriggeredAt)
}

func (t *pgTx) UpdateIntent(ctx context.Context, p *model.PaymentIntent) error {
	return t.execOne(ctx, "intent "+p.Reference,
		`UPDATE payment_intents
		 SET status = $2, failure_reason = NULLIF($3, ''), transaction_id = NULLIF($4, ''), updated_at = $5
		 WHERE reference = $1`,
		p.Reference, string(p.Status), p.FailureReason, p.TransactionID, p.UpdatedAt)
}

// execOne runs a statement that must touch exactly one row.
func (t *pgTx) execOne(ctx context.Context, what, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
