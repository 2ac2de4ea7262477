// Package ledger is the single writer of cash balances, track supply and
// holdings. Every trade runs as one atomic unit of work against the store,
// taking row locks in the order track, user, holding, then inserting the
// transaction row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunevest/ledger-engine/internal/events"
	"github.com/tunevest/ledger-engine/internal/limits"
	"github.com/tunevest/ledger-engine/internal/metrics"
	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/portfolio"
	"github.com/tunevest/ledger-engine/internal/store"
)

// FeeScale is the number of decimal places fees are rounded to.
const FeeScale int32 = 2

// BuyRequest asks the executor to buy TokenAmount tokens at UnitPrice.
type BuyRequest struct {
	UserID           string
	TrackID          string
	TokenAmount      decimal.Decimal
	UnitPrice        decimal.Decimal
	IdempotencyKey   string
	PaymentReference string
}

// SellRequest asks the executor to sell TokenAmount tokens at UnitPrice.
type SellRequest struct {
	UserID         string
	TrackID        string
	TokenAmount    decimal.Decimal
	UnitPrice      decimal.Decimal
	IdempotencyKey string
}

// CashRequest moves Amount into or out of a user's cash balance.
type CashRequest struct {
	UserID           string
	Amount           decimal.Decimal
	IdempotencyKey   string
	PaymentReference string
}

// Result is the outcome of one executor operation. Holding is nil when the
// user holds nothing in the track afterwards.
type Result struct {
	Transaction     model.Transaction `json:"transaction"`
	Holding         *model.Holding    `json:"holding,omitempty"`
	CashBalance     decimal.Decimal   `json:"cash_balance"`
	AvailableSupply decimal.Decimal   `json:"available_supply"`
	RealizedPnL     decimal.Decimal   `json:"realized_pnl"`
	Replayed        bool              `json:"replayed"`
}

// Executor performs buys, sells and cash movements.
type Executor struct {
	store   store.Store
	bus     events.Publisher
	limiter *limits.PositionLimiter
	feeRate decimal.Decimal
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithPublisher sets where InvestmentExecuted events go.
func WithPublisher(p events.Publisher) Option { return func(e *Executor) { e.bus = p } }

// WithLimiter enables position limits.
func WithLimiter(l *limits.PositionLimiter) Option { return func(e *Executor) { e.limiter = l } }

// WithFeeRate charges rate × notional on each trade.
func WithFeeRate(rate decimal.Decimal) Option { return func(e *Executor) { e.feeRate = rate } }

func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// NewExecutor creates an executor over st.
func NewExecutor(st store.Store, opts ...Option) *Executor {
	e := &Executor{
		store:  st,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/tunevest/ledger-engine/internal/ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the executor's clock reading in UTC.
func (e *Executor) Now() time.Time { return e.now().UTC() }

// Store returns the underlying store, for components composing units of work
// with the executor.
func (e *Executor) Store() store.Store { return e.store }

// claim is what an idempotency key stands for. Price is left out because
// trades on the public API re-read the current price on every retry.
type claim struct {
	userID  string
	trackID string
	typ     model.TransactionType
	amount  decimal.Decimal
}

func (c claim) matches(t *model.Transaction) bool {
	return t.UserID == c.userID &&
		t.TrackID == c.trackID &&
		t.Type == c.typ &&
		t.Amount.Equal(c.amount)
}

func (r BuyRequest) claim() claim {
	return claim{userID: r.UserID, trackID: r.TrackID, typ: model.TxBuy, amount: r.TokenAmount}
}

func (r SellRequest) claim() claim {
	return claim{userID: r.UserID, trackID: r.TrackID, typ: model.TxSell, amount: r.TokenAmount}
}

func (r CashRequest) claim(typ model.TransactionType) claim {
	return claim{userID: r.UserID, typ: typ, amount: r.Amount}
}

func (r BuyRequest) validate() error {
	if r.UserID == "" || r.TrackID == "" {
		return fmt.Errorf("%w: user_id and track_id are required", ErrInvalidInput)
	}
	if !r.TokenAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if !r.UnitPrice.IsPositive() {
		return ErrInvalidPrice
	}
	return nil
}

func (r SellRequest) validate() error {
	return BuyRequest{UserID: r.UserID, TrackID: r.TrackID, TokenAmount: r.TokenAmount, UnitPrice: r.UnitPrice}.validate()
}

func (r CashRequest) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// Execute buys tokens in a single unit of work. Repeating a request with the
// same idempotency key returns the original result with Replayed set and
// changes nothing.
func (e *Executor) Execute(ctx context.Context, req BuyRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "ledger.Execute", trace.WithAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("track_id", req.TrackID),
		attribute.String("amount", req.TokenAmount.String()),
	))
	defer span.End()

	start := time.Now()
	var res *Result
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.BuyTx(ctx, tx, req)
		return err
	})
	res, err = e.settle(ctx, req.IdempotencyKey, req.claim(), res, err)
	e.observe(span, model.TxBuy, start, err)
	if err != nil {
		return nil, err
	}
	e.Announce(ctx, res)
	return res, nil
}

// Divest sells tokens in a single unit of work. Idempotent like Execute.
func (e *Executor) Divest(ctx context.Context, req SellRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "ledger.Divest", trace.WithAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("track_id", req.TrackID),
		attribute.String("amount", req.TokenAmount.String()),
	))
	defer span.End()

	start := time.Now()
	var res *Result
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.SellTx(ctx, tx, req)
		return err
	})
	res, err = e.settle(ctx, req.IdempotencyKey, req.claim(), res, err)
	e.observe(span, model.TxSell, start, err)
	if err != nil {
		return nil, err
	}
	e.Announce(ctx, res)
	return res, nil
}

// Deposit credits cash.
func (e *Executor) Deposit(ctx context.Context, req CashRequest) (*Result, error) {
	return e.cash(ctx, req, model.TxDeposit)
}

// Withdraw debits cash. Fails with ErrInsufficientBalance rather than going
// negative.
func (e *Executor) Withdraw(ctx context.Context, req CashRequest) (*Result, error) {
	return e.cash(ctx, req, model.TxWithdrawal)
}

func (e *Executor) cash(ctx context.Context, req CashRequest, typ model.TransactionType) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var res *Result
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.CashTx(ctx, tx, req, typ)
		return err
	})
	res, err = e.settle(ctx, req.IdempotencyKey, req.claim(typ), res, err)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			metrics.LockTimeouts.Inc()
		}
		return nil, err
	}
	if !res.Replayed {
		e.logger.Info("cash movement",
			"type", typ,
			"user_id", req.UserID,
			"amount", req.Amount.String(),
			"balance", res.CashBalance.String(),
		)
	}
	return res, nil
}

// BuyTx runs the buy algorithm inside a caller-owned unit. The caller must
// publish with Announce after its unit commits.
func (e *Executor) BuyTx(ctx context.Context, tx store.Tx, req BuyRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	track, err := tx.LockTrack(ctx, req.TrackID)
	if err != nil {
		return nil, notFound(err, ErrTrackNotFound, req.TrackID)
	}
	if prior, err := e.priorByKey(ctx, tx, req.IdempotencyKey, req.claim()); prior != nil || err != nil {
		return e.replayTx(ctx, tx, prior, track, err)
	}

	if req.TokenAmount.GreaterThan(track.AvailableSupply) {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientSupply, req.TokenAmount, track.AvailableSupply)
	}

	user, err := tx.LockUser(ctx, req.UserID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound, req.UserID)
	}
	totalCost := req.TokenAmount.Mul(req.UnitPrice)
	fee := e.fee(totalCost)
	debit := totalCost.Add(fee)
	if user.CashBalance.LessThan(debit) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, debit, user.CashBalance)
	}

	existing, err := lockHolding(ctx, tx, req.UserID, req.TrackID)
	if err != nil {
		return nil, err
	}
	held := decimal.Zero
	if existing != nil {
		held = existing.Amount
	}
	if err := e.limiter.CheckLimit(*track, held, req.TokenAmount, req.UnitPrice); err != nil {
		metrics.PositionLimitRejections.Inc()
		return nil, fmt.Errorf("%w: %v", ErrPositionLimit, err)
	}

	newSupply := track.AvailableSupply.Sub(req.TokenAmount)
	newBalance := user.CashBalance.Sub(debit)
	if err := tx.UpdateTrackSupply(ctx, track.ID, newSupply); err != nil {
		return nil, err
	}
	if err := tx.UpdateUserBalance(ctx, user.ID, newBalance); err != nil {
		return nil, err
	}

	now := e.Now()
	var h model.Holding
	if existing == nil {
		h = portfolio.ApplyBuy(model.Holding{UserID: req.UserID, TrackID: req.TrackID, CreatedAt: now}, req.TokenAmount, req.UnitPrice)
		h.UpdatedAt = now
		if err := tx.InsertHolding(ctx, &h); err != nil {
			return nil, err
		}
	} else {
		h = portfolio.ApplyBuy(*existing, req.TokenAmount, req.UnitPrice)
		h.UpdatedAt = now
		if err := tx.UpdateHolding(ctx, &h); err != nil {
			return nil, err
		}
	}

	txn := model.Transaction{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		TrackID:          req.TrackID,
		Type:             model.TxBuy,
		Amount:           req.TokenAmount,
		Price:            req.UnitPrice,
		TotalValue:       totalCost,
		Fee:              fee,
		Status:           model.TxCompleted,
		IdempotencyKey:   req.IdempotencyKey,
		PaymentReference: req.PaymentReference,
		CreatedAt:        now,
	}
	if err := tx.InsertTransaction(ctx, &txn); err != nil {
		return nil, err
	}

	return &Result{
		Transaction:     txn,
		Holding:         &h,
		CashBalance:     newBalance,
		AvailableSupply: newSupply,
	}, nil
}

// SellTx runs the sell algorithm inside a caller-owned unit. A holding that
// reaches zero is pruned.
func (e *Executor) SellTx(ctx context.Context, tx store.Tx, req SellRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	track, err := tx.LockTrack(ctx, req.TrackID)
	if err != nil {
		return nil, notFound(err, ErrTrackNotFound, req.TrackID)
	}
	if prior, err := e.priorByKey(ctx, tx, req.IdempotencyKey, req.claim()); prior != nil || err != nil {
		return e.replayTx(ctx, tx, prior, track, err)
	}

	user, err := tx.LockUser(ctx, req.UserID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound, req.UserID)
	}
	existing, err := lockHolding(ctx, tx, req.UserID, req.TrackID)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Amount.LessThan(req.TokenAmount) {
		held := decimal.Zero
		if existing != nil {
			held = existing.Amount
		}
		return nil, fmt.Errorf("%w: requested %s, held %s", ErrInsufficientHoldings, req.TokenAmount, held)
	}

	newSupply := track.AvailableSupply.Add(req.TokenAmount)
	if newSupply.GreaterThan(track.TotalSupply) {
		return nil, fmt.Errorf("%w: %s > %s", ErrSupplyOverflow, newSupply, track.TotalSupply)
	}

	gross := req.TokenAmount.Mul(req.UnitPrice)
	fee := e.fee(gross)
	proceeds := gross.Sub(fee)
	newBalance := user.CashBalance.Add(proceeds)
	realized := portfolio.RealizedPnL(*existing, req.TokenAmount, req.UnitPrice, fee)

	if err := tx.UpdateTrackSupply(ctx, track.ID, newSupply); err != nil {
		return nil, err
	}
	if err := tx.UpdateUserBalance(ctx, user.ID, newBalance); err != nil {
		return nil, err
	}

	now := e.Now()
	h := portfolio.ApplySell(*existing, req.TokenAmount)
	h.UpdatedAt = now
	var kept *model.Holding
	if h.Amount.IsZero() {
		if err := tx.DeleteHolding(ctx, req.UserID, req.TrackID); err != nil {
			return nil, err
		}
	} else {
		if err := tx.UpdateHolding(ctx, &h); err != nil {
			return nil, err
		}
		kept = &h
	}

	txn := model.Transaction{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		TrackID:        req.TrackID,
		Type:           model.TxSell,
		Amount:         req.TokenAmount,
		Price:          req.UnitPrice,
		TotalValue:     gross,
		Fee:            fee,
		Status:         model.TxCompleted,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := tx.InsertTransaction(ctx, &txn); err != nil {
		return nil, err
	}

	return &Result{
		Transaction:     txn,
		Holding:         kept,
		CashBalance:     newBalance,
		AvailableSupply: newSupply,
		RealizedPnL:     realized,
	}, nil
}

// CashTx credits (DEPOSIT) or debits (WITHDRAWAL) cash inside a caller-owned
// unit.
func (e *Executor) CashTx(ctx context.Context, tx store.Tx, req CashRequest, typ model.TransactionType) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if typ != model.TxDeposit && typ != model.TxWithdrawal {
		return nil, fmt.Errorf("%w: cash type %s", ErrInvalidInput, typ)
	}

	user, err := tx.LockUser(ctx, req.UserID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound, req.UserID)
	}
	if prior, err := e.priorByKey(ctx, tx, req.IdempotencyKey, req.claim(typ)); err != nil {
		return nil, err
	} else if prior != nil {
		return &Result{Transaction: *prior, CashBalance: user.CashBalance, Replayed: true}, nil
	}

	balance := user.CashBalance
	if typ == model.TxDeposit {
		balance = balance.Add(req.Amount)
	} else {
		if balance.LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, req.Amount, balance)
		}
		balance = balance.Sub(req.Amount)
	}
	if err := tx.UpdateUserBalance(ctx, user.ID, balance); err != nil {
		return nil, err
	}

	txn := model.Transaction{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Type:             typ,
		Amount:           req.Amount,
		Price:            decimal.NewFromInt(1),
		TotalValue:       req.Amount,
		Status:           model.TxCompleted,
		IdempotencyKey:   req.IdempotencyKey,
		PaymentReference: req.PaymentReference,
		CreatedAt:        e.Now(),
	}
	if err := tx.InsertTransaction(ctx, &txn); err != nil {
		return nil, err
	}
	return &Result{Transaction: txn, CashBalance: balance}, nil
}

// Announce publishes InvestmentExecuted for a committed trade. Replays and
// cash movements are not announced.
func (e *Executor) Announce(ctx context.Context, res *Result) {
	if res == nil || res.Replayed {
		return
	}
	t := res.Transaction
	if t.Type != model.TxBuy && t.Type != model.TxSell {
		return
	}
	metrics.TradeVolume.WithLabelValues(t.TrackID, string(t.Type)).Add(t.Amount.InexactFloat64())
	e.logger.Info("trade executed",
		"trade_id", t.ID,
		"user_id", t.UserID,
		"track_id", t.TrackID,
		"side", t.Type,
		"amount", t.Amount.String(),
		"price", t.Price.String(),
		"fee", t.Fee.String(),
		"available_supply", res.AvailableSupply.String(),
	)
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, events.InvestmentExecuted{
		UserID:             t.UserID,
		TrackID:            t.TrackID,
		TransactionID:      t.ID,
		Side:               t.Type,
		Amount:             t.Amount,
		Price:              t.Price,
		NewAvailableSupply: res.AvailableSupply,
		At:                 t.CreatedAt,
	})
}

// settle turns a lost idempotency race (unique-key violation on insert) into
// a replay of the winning transaction.
func (e *Executor) settle(ctx context.Context, key string, c claim, res *Result, err error) (*Result, error) {
	if err == nil || key == "" || !errors.Is(err, store.ErrDuplicateKey) {
		return res, err
	}
	prior, lookupErr := e.store.GetTransactionByKey(ctx, key)
	if lookupErr != nil {
		return nil, err
	}
	if !c.matches(prior) {
		return nil, ErrKeyConflict
	}
	userID := prior.UserID
	out := &Result{Transaction: *prior, Replayed: true}
	if u, err := e.store.GetUser(ctx, userID); err == nil {
		out.CashBalance = u.CashBalance
	}
	if prior.TrackID != "" {
		if t, err := e.store.GetTrack(ctx, prior.TrackID); err == nil {
			out.AvailableSupply = t.AvailableSupply
		}
		if h, err := e.store.GetHolding(ctx, userID, prior.TrackID); err == nil {
			out.Holding = h
		}
	}
	return out, nil
}

// priorByKey returns the transaction already recorded under key, if any. A
// transaction that is not the same operation as c is a conflict, not a
// replay.
func (e *Executor) priorByKey(ctx context.Context, tx store.Tx, key string, c claim) (*model.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	prior, err := tx.TransactionByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !c.matches(prior) {
		return nil, ErrKeyConflict
	}
	return prior, nil
}

// replayTx builds the result of an already-executed trade from current rows.
func (e *Executor) replayTx(ctx context.Context, tx store.Tx, prior *model.Transaction, track *model.Track, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	res := &Result{Transaction: *prior, AvailableSupply: track.AvailableSupply, Replayed: true}
	if u, err := tx.LockUser(ctx, prior.UserID); err == nil {
		res.CashBalance = u.CashBalance
	}
	if h, err := lockHolding(ctx, tx, prior.UserID, prior.TrackID); err == nil {
		res.Holding = h
	}
	return res, nil
}

func (e *Executor) fee(notional decimal.Decimal) decimal.Decimal {
	if !e.feeRate.IsPositive() {
		return decimal.Zero
	}
	return notional.Mul(e.feeRate).Round(FeeScale)
}

func (e *Executor) observe(span trace.Span, side model.TransactionType, start time.Time, err error) {
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	status := "completed"
	switch {
	case err == nil:
	case errors.Is(err, ErrLockTimeout):
		status = "lock_timeout"
		metrics.LockTimeouts.Inc()
	case IsBusinessRule(err):
		status = "rejected"
	default:
		status = "error"
	}
	metrics.TradesTotal.WithLabelValues(string(side), status).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		if status == "error" {
			e.logger.Error("trade failed", "side", side, "err", err)
		}
	}
}

func lockHolding(ctx context.Context, tx store.Tx, userID, trackID string) (*model.Holding, error) {
	h, err := tx.LockHolding(ctx, userID, trackID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return h, err
}

func notFound(err, sentinel error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
