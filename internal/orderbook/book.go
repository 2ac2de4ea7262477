// Package orderbook holds standing limit orders and fills them when the
// market price crosses their target.
//
// Orders are not matched against each other. A fill is a trade against the
// track's available supply through the ledger executor, at the order's
// target price.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/events"
	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/metrics"
	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/notify"
	"github.com/tunevest/ledger-engine/internal/store"
)

// FillKeyPrefix namespaces the idempotency keys of order fills.
const FillKeyPrefix = "order:"

// PlaceRequest describes a new limit order. ExpiresAt is optional.
type PlaceRequest struct {
	UserID      string
	TrackID     string
	Type        model.OrderType
	TargetPrice decimal.Decimal
	Quantity    decimal.Decimal
	ExpiresAt   *time.Time
}

// FillOutcome reports what one evaluation pass did with an eligible order.
// Err is nil for fills, the business-rule reason for cancellations, and
// ErrLockTimeout for orders left pending.
type FillOutcome struct {
	Order       model.LimitOrder   `json:"order"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	Err         error              `json:"-"`
}

// Book evaluates limit orders.
type Book struct {
	exec     *ledger.Executor
	store    store.Store
	bus      events.Publisher
	notifier notify.Dispatcher
	logger   *slog.Logger
}

type Option func(*Book)

// WithPublisher sets where OrderFilled and OrderCancelled go.
func WithPublisher(p events.Publisher) Option { return func(b *Book) { b.bus = p } }

// WithNotifier sets the dispatcher told about fills and cancellations.
func WithNotifier(n notify.Dispatcher) Option { return func(b *Book) { b.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(b *Book) { b.logger = l } }

func NewBook(exec *ledger.Executor, opts ...Option) *Book {
	b := &Book{exec: exec, store: exec.Store(), logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PlaceOrder validates and records a PENDING order. Funds and holdings are
// checked here but not reserved; the fill checks them again.
func (b *Book) PlaceOrder(ctx context.Context, req PlaceRequest) (*model.LimitOrder, error) {
	if req.UserID == "" || req.TrackID == "" {
		return nil, fmt.Errorf("%w: user_id and track_id are required", ledger.ErrInvalidInput)
	}
	if req.Type != model.OrderBuy && req.Type != model.OrderSell {
		return nil, fmt.Errorf("%w: order type %q", ledger.ErrInvalidInput, req.Type)
	}
	if !req.TargetPrice.IsPositive() {
		return nil, ledger.ErrInvalidPrice
	}
	if !req.Quantity.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	now := b.exec.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ledger.ErrInvalidInput)
	}

	if _, err := b.store.GetTrack(ctx, req.TrackID); err != nil {
		return nil, lookupErr(err, ledger.ErrTrackNotFound, req.TrackID)
	}
	switch req.Type {
	case model.OrderBuy:
		u, err := b.store.GetUser(ctx, req.UserID)
		if err != nil {
			return nil, lookupErr(err, ledger.ErrUserNotFound, req.UserID)
		}
		need := req.Quantity.Mul(req.TargetPrice)
		if u.CashBalance.LessThan(need) {
			return nil, fmt.Errorf("%w: need %s, have %s", ledger.ErrInsufficientBalance, need, u.CashBalance)
		}
	case model.OrderSell:
		held := decimal.Zero
		h, err := b.store.GetHolding(ctx, req.UserID, req.TrackID)
		switch {
		case err == nil:
			held = h.Amount
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		if held.LessThan(req.Quantity) {
			return nil, fmt.Errorf("%w: requested %s, held %s", ledger.ErrInsufficientHoldings, req.Quantity, held)
		}
	}

	o := &model.LimitOrder{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		TrackID:     req.TrackID,
		Type:        req.Type,
		TargetPrice: req.TargetPrice,
		Quantity:    req.Quantity,
		Status:      model.OrderPending,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	metrics.OrderEvents.WithLabelValues("placed").Inc()
	b.logger.Info("limit order placed",
		"order_id", o.ID,
		"user_id", o.UserID,
		"track_id", o.TrackID,
		"type", o.Type,
		"target", o.TargetPrice.String(),
		"quantity", o.Quantity.String(),
	)
	return o, nil
}

// CancelOrder cancels a PENDING order owned by userID.
func (b *Book) CancelOrder(ctx context.Context, orderID, userID string) (*model.LimitOrder, error) {
	var out model.LimitOrder
	err := b.store.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return lookupErr(err, ledger.ErrOrderNotFound, orderID)
		}
		if o.UserID != userID {
			return ledger.ErrNotOwner
		}
		switch o.Status {
		case model.OrderFilled:
			return ledger.ErrAlreadyFilled
		case model.OrderCancelled:
			return ledger.ErrAlreadyCancelled
		case model.OrderExpired:
			return ledger.ErrOrderExpired
		}
		o.Status = model.OrderCancelled
		o.CancelReason = "cancelled by user"
		o.UpdatedAt = b.exec.Now()
		out = *o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderEvents.WithLabelValues("cancelled").Inc()
	b.publish(ctx, events.OrderCancelled{Order: out})
	return &out, nil
}

// ListOrders returns matching orders, oldest first.
func (b *Book) ListOrders(ctx context.Context, f store.OrderFilter) ([]model.LimitOrder, error) {
	return b.store.ListOrders(ctx, f)
}

// Handle is an events.Handler for PriceChanged.
func (b *Book) Handle(ctx context.Context, ev events.Event) error {
	pc, ok := ev.(events.PriceChanged)
	if !ok {
		return nil
	}
	_, err := b.OnPriceChange(ctx, pc.TrackID, pc.NewPrice)
	return err
}

// OnPriceChange runs one evaluation pass for trackID at price. Eligible BUY
// orders (price ≤ target) go highest target first, eligible SELL orders
// (price ≥ target) lowest target first, ties oldest first. Each order is
// settled in its own unit of work; a failing order never stops the pass.
func (b *Book) OnPriceChange(ctx context.Context, trackID string, price decimal.Decimal) ([]FillOutcome, error) {
	pending, err := b.store.ListOrders(ctx, store.OrderFilter{TrackID: trackID, Status: model.OrderPending})
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}

	var buys, sells []model.LimitOrder
	for _, o := range pending {
		switch {
		case o.Type == model.OrderBuy && price.LessThanOrEqual(o.TargetPrice):
			buys = append(buys, o)
		case o.Type == model.OrderSell && price.GreaterThanOrEqual(o.TargetPrice):
			sells = append(sells, o)
		}
	}
	// Stable sorts keep the oldest-first order of ListOrders for ties.
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].TargetPrice.GreaterThan(buys[j].TargetPrice) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].TargetPrice.LessThan(sells[j].TargetPrice) })

	var outcomes []FillOutcome
	for _, o := range append(buys, sells...) {
		if out, ok := b.settle(ctx, o.ID); ok {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

// ExpireOrders moves PENDING orders past their expiry to EXPIRED.
func (b *Book) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	pending, err := b.store.ListOrders(ctx, store.OrderFilter{Status: model.OrderPending})
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}
	n := 0
	for _, o := range pending {
		if !o.Expired(now) {
			continue
		}
		err := b.store.WithTx(ctx, func(tx store.Tx) error {
			locked, err := tx.LockOrder(ctx, o.ID)
			if err != nil {
				return err
			}
			if locked.Status != model.OrderPending {
				return nil
			}
			locked.Status = model.OrderExpired
			locked.UpdatedAt = now
			n++
			return tx.UpdateOrder(ctx, locked)
		})
		if err != nil {
			b.logger.Warn("expire order failed", "order_id", o.ID, "err", err)
			continue
		}
	}
	if n > 0 {
		metrics.OrderEvents.WithLabelValues("expired").Add(float64(n))
	}
	return n, nil
}

var errNotPending = errors.New("order no longer pending")

// settle fills, expires or cancels one order. ok is false when the order
// was no longer pending.
func (b *Book) settle(ctx context.Context, orderID string) (FillOutcome, bool) {
	var (
		order   model.LimitOrder
		res     *ledger.Result
		expired bool
	)
	err := b.store.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return errNotPending
		}
		now := b.exec.Now()
		if o.Expired(now) {
			o.Status = model.OrderExpired
			o.UpdatedAt = now
			order, expired = *o, true
			return tx.UpdateOrder(ctx, o)
		}

		key := FillKeyPrefix + o.ID
		switch o.Type {
		case model.OrderBuy:
			res, err = b.exec.BuyTx(ctx, tx, ledger.BuyRequest{
				UserID: o.UserID, TrackID: o.TrackID,
				TokenAmount: o.Quantity, UnitPrice: o.TargetPrice, IdempotencyKey: key,
			})
		case model.OrderSell:
			res, err = b.exec.SellTx(ctx, tx, ledger.SellRequest{
				UserID: o.UserID, TrackID: o.TrackID,
				TokenAmount: o.Quantity, UnitPrice: o.TargetPrice, IdempotencyKey: key,
			})
		}
		if err != nil {
			order = *o
			return err
		}
		o.Status = model.OrderFilled
		o.TransactionID = res.Transaction.ID
		o.UpdatedAt = now
		order = *o
		return tx.UpdateOrder(ctx, o)
	})

	switch {
	case errors.Is(err, errNotPending):
		return FillOutcome{}, false
	case err == nil && expired:
		metrics.OrderEvents.WithLabelValues("expired").Inc()
		return FillOutcome{Order: order, Err: ledger.ErrOrderExpired}, true
	case err == nil:
		metrics.OrderEvents.WithLabelValues("filled").Inc()
		b.exec.Announce(ctx, res)
		t := res.Transaction
		b.publish(ctx, events.OrderFilled{Order: order, Price: order.TargetPrice})
		b.tell(ctx, order.UserID, notify.TypeOrderFilled, map[string]any{
			"order_id":       order.ID,
			"track_id":       order.TrackID,
			"type":           order.Type,
			"quantity":       order.Quantity.String(),
			"price":          order.TargetPrice.String(),
			"transaction_id": t.ID,
		})
		return FillOutcome{Order: order, Transaction: &t}, true
	case ledger.IsBusinessRule(err):
		cancelled, cerr := b.cancelFor(ctx, orderID, err)
		if cerr != nil {
			b.logger.Warn("cancel unfillable order failed", "order_id", orderID, "err", cerr)
			return FillOutcome{Order: order, Err: cerr}, true
		}
		return FillOutcome{Order: cancelled, Err: err}, true
	case errors.Is(err, ledger.ErrLockTimeout):
		b.logger.Warn("order left pending, lock timeout", "order_id", orderID)
		return FillOutcome{Order: order, Err: err}, true
	default:
		b.logger.Error("order evaluation failed", "order_id", orderID, "err", err)
		return FillOutcome{Order: order, Err: err}, true
	}
}

// cancelFor marks an unfillable order CANCELLED in a fresh unit.
func (b *Book) cancelFor(ctx context.Context, orderID string, reason error) (model.LimitOrder, error) {
	var out model.LimitOrder
	err := b.store.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			out = *o
			return nil
		}
		o.Status = model.OrderCancelled
		o.CancelReason = reason.Error()
		o.UpdatedAt = b.exec.Now()
		out = *o
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return out, err
	}
	if out.Status == model.OrderCancelled {
		metrics.OrderEvents.WithLabelValues("cancelled").Inc()
		b.publish(ctx, events.OrderCancelled{Order: out})
		b.tell(ctx, out.UserID, notify.TypeOrderCancelled, map[string]any{
			"order_id": out.ID,
			"track_id": out.TrackID,
			"reason":   out.CancelReason,
		})
	}
	return out, nil
}

func (b *Book) publish(ctx context.Context, ev events.Event) {
	if b.bus != nil {
		b.bus.Publish(ctx, ev)
	}
}

func (b *Book) tell(ctx context.Context, userID, typ string, payload map[string]any) {
	if b.notifier == nil {
		return
	}
	n := notify.Notification{UserID: userID, Type: typ, Payload: payload}
	if err := b.notifier.Notify(ctx, n); err != nil {
		b.logger.Warn("order notification failed", "user_id", userID, "type", typ, "err", err)
	}
}

func lookupErr(err, sentinel error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
