// Package alerts fires one-shot price alerts.
//
// An alert fires at most once. After firing it stays inactive until the
// owner re-arms it with ResetAlert.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/events"
	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/metrics"
	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/notify"
	"github.com/tunevest/ledger-engine/internal/store"
)

// Evaluator checks alerts against price changes.
type Evaluator struct {
	exec     *ledger.Executor
	store    store.Store
	notifier notify.Dispatcher
	bus      events.Publisher
	logger   *slog.Logger
}

type Option func(*Evaluator)

func WithNotifier(n notify.Dispatcher) Option { return func(e *Evaluator) { e.notifier = n } }

// WithPublisher sets where AlertTriggered events go.
func WithPublisher(p events.Publisher) Option { return func(e *Evaluator) { e.bus = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

// NewEvaluator uses exec for its clock and store. Alerts never touch
// balances.
func NewEvaluator(exec *ledger.Executor, opts ...Option) *Evaluator {
	e := &Evaluator{exec: exec, store: exec.Store(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateAlert arms a new alert.
func (e *Evaluator) CreateAlert(ctx context.Context, userID, trackID string, cond model.AlertCondition, target decimal.Decimal) (*model.PriceAlert, error) {
	if userID == "" || trackID == "" {
		return nil, fmt.Errorf("%w: user_id and track_id are required", ledger.ErrInvalidInput)
	}
	if cond != model.AlertAbove && cond != model.AlertBelow {
		return nil, fmt.Errorf("%w: condition %q", ledger.ErrInvalidInput, cond)
	}
	if !target.IsPositive() {
		return nil, ledger.ErrInvalidPrice
	}
	if _, err := e.store.GetTrack(ctx, trackID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrTrackNotFound, trackID)
		}
		return nil, err
	}

	a := &model.PriceAlert{
		ID:          uuid.NewString(),
		UserID:      userID,
		TrackID:     trackID,
		TargetPrice: target,
		Condition:   cond,
		IsActive:    true,
		CreatedAt:   e.exec.Now(),
	}
	if err := e.store.CreateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return a, nil
}

// DeleteAlert removes an alert owned by userID.
func (e *Evaluator) DeleteAlert(ctx context.Context, alertID, userID string) error {
	a, err := e.owned(ctx, alertID, userID)
	if err != nil {
		return err
	}
	return e.store.DeleteAlert(ctx, a.ID)
}

// ResetAlert re-arms a fired alert.
func (e *Evaluator) ResetAlert(ctx context.Context, alertID, userID string) (*model.PriceAlert, error) {
	var out model.PriceAlert
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAlert(ctx, alertID)
		if err != nil {
			return alertLookup(err, alertID)
		}
		if a.UserID != userID {
			return ledger.ErrNotOwner
		}
		a.IsActive = true
		a.Triggered = false
		a.TriggeredAt = nil
		out = *a
		return tx.UpdateAlert(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Evaluator) ListAlerts(ctx context.Context, f store.AlertFilter) ([]model.PriceAlert, error) {
	return e.store.ListAlerts(ctx, f)
}

// Handle is an events.Handler for PriceChanged.
func (e *Evaluator) Handle(ctx context.Context, ev events.Event) error {
	pc, ok := ev.(events.PriceChanged)
	if !ok {
		return nil
	}
	_, err := e.OnPriceChange(ctx, pc.TrackID, pc.NewPrice)
	return err
}

// OnPriceChange fires every armed alert on trackID whose condition holds at
// price and returns the alerts fired in this pass.
func (e *Evaluator) OnPriceChange(ctx context.Context, trackID string, price decimal.Decimal) ([]model.PriceAlert, error) {
	armed, err := e.store.ListAlerts(ctx, store.AlertFilter{TrackID: trackID, Armed: true})
	if err != nil {
		return nil, fmt.Errorf("list armed alerts: %w", err)
	}

	var fired []model.PriceAlert
	for _, a := range armed {
		if !crossed(a, price) {
			continue
		}
		got, ok, err := e.fire(ctx, a.ID, price)
		if err != nil {
			e.logger.Warn("alert evaluation failed", "alert_id", a.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		fired = append(fired, got)
		metrics.AlertsFired.Inc()
		e.dispatch(ctx, got, price)
	}
	return fired, nil
}

// fire marks one alert triggered. ok is false if another pass got there
// first.
func (e *Evaluator) fire(ctx context.Context, alertID string, price decimal.Decimal) (model.PriceAlert, bool, error) {
	var (
		out model.PriceAlert
		ok  bool
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAlert(ctx, alertID)
		if err != nil {
			return err
		}
		if !a.IsActive || a.Triggered || !crossed(*a, price) {
			return nil
		}
		now := e.exec.Now()
		a.Triggered = true
		a.TriggeredAt = &now
		a.IsActive = false
		out, ok = *a, true
		return tx.UpdateAlert(ctx, a)
	})
	return out, ok, err
}

func (e *Evaluator) dispatch(ctx context.Context, a model.PriceAlert, price decimal.Decimal) {
	if e.bus != nil {
		e.bus.Publish(ctx, events.AlertTriggered{Alert: a, Price: price})
	}
	if e.notifier == nil {
		return
	}
	n := notify.Notification{
		UserID: a.UserID,
		Type:   notify.TypePriceAlert,
		Payload: map[string]any{
			"alert_id":     a.ID,
			"track_id":     a.TrackID,
			"condition":    a.Condition,
			"target_price": a.TargetPrice.String(),
			"price":        price.String(),
		},
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("alert notification failed", "alert_id", a.ID, "user_id", a.UserID, "err", err)
	}
}

func (e *Evaluator) owned(ctx context.Context, alertID, userID string) (*model.PriceAlert, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, alertLookup(err, alertID)
	}
	if a.UserID != userID {
		return nil, ledger.ErrNotOwner
	}
	return a, nil
}

func crossed(a model.PriceAlert, price decimal.Decimal) bool {
	switch a.Condition {
	case model.AlertAbove:
		return price.GreaterThanOrEqual(a.TargetPrice)
	case model.AlertBelow:
		return price.LessThanOrEqual(a.TargetPrice)
	}
	return false
}

func alertLookup(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ledger.ErrAlertNotFound, id)
	}
	return err
}
