// Package payment turns provider-confirmed checkouts into ledger postings.
//
// A confirmation walks the intent through PENDING → FUNDED → COMPLETED or
// FAILED. Every step is keyed by the payment reference, so redelivered
// webhooks re-enter the state machine and converge on exactly one DEPOSIT
// and at most one BUY. The BUY and the COMPLETED mark commit in the same
// unit, under the intent lock.
package payment

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

	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/metrics"
	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/store"
)

// DefaultIntentTTL is how long a checkout may stay unpaid.
const DefaultIntentTTL = 30 * time.Minute

// KeyPrefix namespaces the idempotency keys the gateway posts under. The API
// refuses client keys with this prefix.
const KeyPrefix = "payment:"

// DepositKey is the idempotency key of the DEPOSIT for reference.
func DepositKey(reference string) string { return KeyPrefix + reference + ":deposit" }

// BuyKey is the idempotency key of the BUY for reference.
func BuyKey(reference string) string { return KeyPrefix + reference + ":buy" }

// IntentRequest opens a checkout for TokenAmount tokens at the current
// price. Reference is the provider's id; one is generated when empty.
type IntentRequest struct {
	Reference   string
	UserID      string
	TrackID     string
	TokenAmount decimal.Decimal
}

// Confirmation is the outcome of Confirm. Transaction is nil when the buy
// did not happen.
type Confirmation struct {
	Intent           model.PaymentIntent `json:"intent"`
	Transaction      *model.Transaction  `json:"transaction,omitempty"`
	AlreadyProcessed bool                `json:"already_processed"`
}

// Gateway confirms payments.
type Gateway struct {
	exec   *ledger.Executor
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
	tracer trace.Tracer
}

type Option func(*Gateway)

// WithIntentTTL overrides DefaultIntentTTL.
func WithIntentTTL(ttl time.Duration) Option { return func(g *Gateway) { g.ttl = ttl } }

func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// NewGateway creates a gateway posting through exec.
func NewGateway(exec *ledger.Executor, opts ...Option) *Gateway {
	g := &Gateway{
		exec:   exec,
		store:  exec.Store(),
		ttl:    DefaultIntentTTL,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/tunevest/ledger-engine/internal/payment"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateIntent records a PENDING checkout with the unit price locked at
// the track's current price.
func (g *Gateway) CreateIntent(ctx context.Context, req IntentRequest) (*model.PaymentIntent, error) {
	if req.UserID == "" || req.TrackID == "" {
		return nil, fmt.Errorf("%w: user_id and track_id are required", ledger.ErrInvalidInput)
	}
	if !req.TokenAmount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	if _, err := g.store.GetUser(ctx, req.UserID); err != nil {
		return nil, lookupErr(err, ledger.ErrUserNotFound, req.UserID)
	}
	track, err := g.store.GetTrack(ctx, req.TrackID)
	if err != nil {
		return nil, lookupErr(err, ledger.ErrTrackNotFound, req.TrackID)
	}
	if req.TokenAmount.GreaterThan(track.AvailableSupply) {
		return nil, fmt.Errorf("%w: requested %s, available %s", ledger.ErrInsufficientSupply, req.TokenAmount, track.AvailableSupply)
	}

	ref := req.Reference
	if ref == "" {
		ref = "pi_" + uuid.NewString()
	}
	now := g.exec.Now()
	intent := &model.PaymentIntent{
		Reference:   ref,
		UserID:      req.UserID,
		TrackID:     req.TrackID,
		TokenAmount: req.TokenAmount,
		UnitPrice:   track.CurrentPrice,
		Amount:      req.TokenAmount.Mul(track.CurrentPrice),
		Status:      model.IntentPending,
		ExpiresAt:   now.Add(g.ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateIntent(ctx, intent); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: reference %s", ledger.ErrAlreadyProcessed, ref)
		}
		return nil, err
	}
	g.logger.Info("payment intent created",
		"reference", ref,
		"user_id", req.UserID,
		"track_id", req.TrackID,
		"amount", intent.Amount.String(),
	)
	return intent, nil
}

// Confirm applies a provider confirmation. A reference already settled
// returns the stored outcome together with ErrAlreadyProcessed.
func (g *Gateway) Confirm(ctx context.Context, reference string) (*Confirmation, error) {
	ctx, span := g.tracer.Start(ctx, "payment.Confirm", trace.WithAttributes(attribute.String("reference", reference)))
	defer span.End()

	conf, err := g.confirm(ctx, reference)
	outcome := "completed"
	switch {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		outcome = "replayed"
	case errors.Is(err, ledger.ErrExpiredIntent):
		outcome = "expired"
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case conf.Intent.Status == model.IntentFailed:
		outcome = "failed"
	}
	metrics.PaymentConfirmations.WithLabelValues(outcome).Inc()
	return conf, err
}

func (g *Gateway) confirm(ctx context.Context, reference string) (*Confirmation, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", ledger.ErrInvalidInput)
	}

	// Unit A: settle the cash side and move to FUNDED.
	var (
		intent  model.PaymentIntent
		settled *Confirmation
		expired bool
	)
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockIntent(ctx, reference)
		if err != nil {
			return lookupErr(err, ledger.ErrUnknownReference, reference)
		}
		now := g.exec.Now()
		switch p.Status {
		case model.IntentCompleted, model.IntentFailed:
			settled = storedOutcome(ctx, tx, p)
			return nil
		case model.IntentExpired:
			return fmt.Errorf("%w: %s", ledger.ErrExpiredIntent, reference)
		case model.IntentPending:
			if !now.Before(p.ExpiresAt) {
				p.Status = model.IntentExpired
				p.UpdatedAt = now
				expired = true
				return tx.UpdateIntent(ctx, p)
			}
			if _, err := g.exec.CashTx(ctx, tx, ledger.CashRequest{
				UserID:           p.UserID,
				Amount:           p.Amount,
				IdempotencyKey:   DepositKey(reference),
				PaymentReference: reference,
			}, model.TxDeposit); err != nil {
				return err
			}
			p.Status = model.IntentFunded
			p.UpdatedAt = now
			if err := tx.UpdateIntent(ctx, p); err != nil {
				return err
			}
		}
		intent = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if settled != nil {
		return settled, ledger.ErrAlreadyProcessed
	}
	if expired {
		return nil, fmt.Errorf("%w: %s", ledger.ErrExpiredIntent, reference)
	}

	conf, res, buyErr := g.buy(ctx, reference)
	switch {
	case buyErr == nil:
	case errors.Is(buyErr, ledger.ErrAlreadyProcessed):
		return conf, buyErr
	case !failsIntent(buyErr):
		// Leave FUNDED; a redelivery resumes from here.
		return nil, buyErr
	default:
		if conf, err = g.fail(ctx, reference, buyErr); err != nil {
			return nil, err
		}
		if conf.AlreadyProcessed {
			return conf, ledger.ErrAlreadyProcessed
		}
	}
	g.exec.Announce(ctx, res)

	g.logger.Info("payment confirmed",
		"reference", reference,
		"user_id", intent.UserID,
		"status", conf.Intent.Status,
		"reason", conf.Intent.FailureReason,
	)
	return conf, nil
}

// buy runs the BUY of a FUNDED intent and marks it COMPLETED in one unit.
// Any error rolls both back. An intent some other delivery already settled
// comes back with ErrAlreadyProcessed.
func (g *Gateway) buy(ctx context.Context, reference string) (*Confirmation, *ledger.Result, error) {
	var (
		conf    *Confirmation
		res     *ledger.Result
		settled bool
	)
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockIntent(ctx, reference)
		if err != nil {
			return err
		}
		if p.Status != model.IntentFunded {
			conf, settled = storedOutcome(ctx, tx, p), true
			return nil
		}
		r, err := g.exec.BuyTx(ctx, tx, ledger.BuyRequest{
			UserID:           p.UserID,
			TrackID:          p.TrackID,
			TokenAmount:      p.TokenAmount,
			UnitPrice:        p.UnitPrice,
			IdempotencyKey:   BuyKey(reference),
			PaymentReference: reference,
		})
		if err != nil {
			return err
		}
		p.Status = model.IntentCompleted
		p.TransactionID = r.Transaction.ID
		p.UpdatedAt = g.exec.Now()
		if err := tx.UpdateIntent(ctx, p); err != nil {
			return err
		}
		t := r.Transaction
		conf = &Confirmation{Intent: *p, Transaction: &t}
		res = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if settled {
		return conf, nil, ledger.ErrAlreadyProcessed
	}
	return conf, res, nil
}

// fail marks a FUNDED intent FAILED with buyErr as the reason. A BUY already
// recorded under the intent's key wins over the failure.
func (g *Gateway) fail(ctx context.Context, reference string, buyErr error) (*Confirmation, error) {
	var conf *Confirmation
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockIntent(ctx, reference)
		if err != nil {
			return err
		}
		if p.Status != model.IntentFunded {
			conf = storedOutcome(ctx, tx, p)
			return nil
		}
		t, err := tx.TransactionByKey(ctx, BuyKey(reference))
		switch {
		case err == nil && t.Type == model.TxBuy && t.UserID == p.UserID:
			p.Status = model.IntentCompleted
			p.TransactionID = t.ID
		case err == nil || errors.Is(err, store.ErrNotFound):
			t = nil
			p.Status = model.IntentFailed
			p.FailureReason = buyErr.Error()
		default:
			return err
		}
		p.UpdatedAt = g.exec.Now()
		if err := tx.UpdateIntent(ctx, p); err != nil {
			return err
		}
		conf = &Confirmation{Intent: *p, Transaction: t}
		return nil
	})
	return conf, err
}

// storedOutcome rebuilds the confirmation of a settled intent.
func storedOutcome(ctx context.Context, tx store.Tx, p *model.PaymentIntent) *Confirmation {
	c := &Confirmation{Intent: *p, AlreadyProcessed: true}
	if p.TransactionID != "" {
		if t, err := tx.TransactionByKey(ctx, BuyKey(p.Reference)); err == nil {
			c.Transaction = t
		}
	}
	return c
}

// ExpireIntents moves PENDING intents past their expiry to EXPIRED and
// returns how many it moved.
func (g *Gateway) ExpireIntents(ctx context.Context, now time.Time) (int, error) {
	due, err := g.store.ListIntentsExpiring(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expiring intents: %w", err)
	}
	n := 0
	for _, d := range due {
		err := g.store.WithTx(ctx, func(tx store.Tx) error {
			p, err := tx.LockIntent(ctx, d.Reference)
			if err != nil {
				return err
			}
			if p.Status != model.IntentPending || now.Before(p.ExpiresAt) {
				return nil
			}
			p.Status = model.IntentExpired
			p.UpdatedAt = now
			n++
			return tx.UpdateIntent(ctx, p)
		})
		if err != nil {
			g.logger.Warn("expire intent failed", "reference", d.Reference, "err", err)
		}
	}
	return n, nil
}

// failsIntent reports whether a buy error is final for the intent. Lock
// timeouts and infrastructure errors are not.
func failsIntent(err error) bool {
	return ledger.IsBusinessRule(err) ||
		errors.Is(err, ledger.ErrTrackNotFound) ||
		errors.Is(err, ledger.ErrUserNotFound) ||
		errors.Is(err, ledger.ErrKeyConflict)
}

func lookupErr(err, sentinel error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
