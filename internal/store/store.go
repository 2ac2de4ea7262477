// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation of balances, supply and holdings happens inside WithTx.
// Row locks are taken through the Lock* methods of Tx and must be acquired
// in a fixed order to avoid deadlock:
//
//	order | alert | intent  →  track  →  user  →  holding  →  transaction insert
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when an insert violates a unique
	// constraint (idempotency key, holding key, ISRC).
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrLockTimeout is returned when a unit of work could not acquire its
	// locks within the configured timeout. Callers may retry.
	ErrLockTimeout = errors.New("store: lock wait timeout")
)

// DefaultLockTimeout bounds how long a unit of work waits for row locks.
const DefaultLockTimeout = 3 * time.Second

// TransactionFilter selects transaction history. Zero values mean "any".
type TransactionFilter struct {
	UserID  string
	TrackID string
	Type    model.TransactionType
	Status  model.TransactionStatus
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// OrderFilter selects limit orders. Zero values mean "any".
type OrderFilter struct {
	UserID  string
	TrackID string
	Status  model.OrderStatus
}

// AlertFilter selects price alerts. Armed restricts the result to active,
// untriggered alerts.
type AlertFilter struct {
	UserID  string
	TrackID string
	Armed   bool
}

// Tx is a unit of work. Lock* methods read a row and hold a write lock on
// it until the unit commits or rolls back.
type Tx interface {
	LockTrack(ctx context.Context, id string) (*model.Track, error)
	LockUser(ctx context.Context, id string) (*model.User, error)
	LockHolding(ctx context.Context, userID, trackID string) (*model.Holding, error)
	LockOrder(ctx context.Context, id string) (*model.LimitOrder, error)
	LockAlert(ctx context.Context, id string) (*model.PriceAlert, error)
	LockIntent(ctx context.Context, reference string) (*model.PaymentIntent, error)

	// TransactionByKey looks up a transaction by idempotency key.
	TransactionByKey(ctx context.Context, key string) (*model.Transaction, error)

	UpdateTrackSupply(ctx context.Context, id string, available decimal.Decimal) error
	UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error
	InsertHolding(ctx context.Context, h *model.Holding) error
	UpdateHolding(ctx context.Context, h *model.Holding) error
	DeleteHolding(ctx context.Context, userID, trackID string) error

	// InsertTransaction appends a transaction. A repeated idempotency key
	// yields ErrDuplicateKey.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	UpdateOrder(ctx context.Context, o *model.LimitOrder) error
	UpdateAlert(ctx context.Context, a *model.PriceAlert) error
	UpdateIntent(ctx context.Context, p *model.PaymentIntent) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// WithTx runs fn in a single atomic unit. If fn returns an error every
	// write made through tx is discarded.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Tracks ---

	CreateTrack(ctx context.Context, t *model.Track) error
	GetTrack(ctx context.Context, id string) (*model.Track, error)
	ListTracks(ctx context.Context) ([]model.Track, error)

	// SetTrackPrice updates the current market price of a track.
	SetTrackPrice(ctx context.Context, id string, price decimal.Decimal) error

	// --- Holdings ---

	GetHolding(ctx context.Context, userID, trackID string) (*model.Holding, error)
	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)

	// --- Transaction history ---

	GetTransactionByKey(ctx context.Context, key string) (*model.Transaction, error)

	// ListTransactions returns one page of matching transactions, newest
	// first, and the total number of matches.
	ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, int, error)

	// --- Limit orders ---

	CreateOrder(ctx context.Context, o *model.LimitOrder) error
	GetOrder(ctx context.Context, id string) (*model.LimitOrder, error)

	// ListOrders returns matching orders, oldest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.LimitOrder, error)

	// --- Price alerts ---

	CreateAlert(ctx context.Context, a *model.PriceAlert) error
	GetAlert(ctx context.Context, id string) (*model.PriceAlert, error)
	DeleteAlert(ctx context.Context, id string) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]model.PriceAlert, error)

	// --- Payment intents ---

	CreateIntent(ctx context.Context, p *model.PaymentIntent) error
	GetIntent(ctx context.Context, reference string) (*model.PaymentIntent, error)

	// ListIntentsExpiring returns PENDING intents whose expiry is at or
	// before now.
	ListIntentsExpiring(ctx context.Context, now time.Time) ([]model.PaymentIntent, error)
}
