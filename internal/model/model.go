// Package model defines the core domain types shared across the ledger engine.
// All monetary values and token amounts use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TxBuy          TransactionType = "BUY"
	TxSell         TransactionType = "SELL"
	TxTransfer     TransactionType = "TRANSFER"
	TxRoyaltyClaim TransactionType = "ROYALTY_CLAIM"
	TxDeposit      TransactionType = "DEPOSIT"
	TxWithdrawal   TransactionType = "WITHDRAWAL"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxBuy, TxSell, TxTransfer, TxRoyaltyClaim, TxDeposit, TxWithdrawal:
		return true
	}
	return false
}

// TransactionStatus is the settlement state of a transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxRefunded  TransactionStatus = "REFUNDED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxCompleted, TxFailed, TxRefunded:
		return true
	}
	return false
}

// OrderType is the side of a limit order.
type OrderType string

const (
	OrderBuy  OrderType = "BUY"
	OrderSell OrderType = "SELL"
)

// OrderStatus is the lifecycle state of a limit order. Every state other
// than PENDING is terminal.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// AlertCondition selects which side of the target price fires an alert.
type AlertCondition string

const (
	AlertAbove AlertCondition = "ABOVE"
	AlertBelow AlertCondition = "BELOW"
)

// IntentStatus is the state of a payment checkout intent.
//
//	PENDING → FUNDED → COMPLETED | FAILED
//	PENDING → EXPIRED
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentFunded    IntentStatus = "FUNDED"
	IntentCompleted IntentStatus = "COMPLETED"
	IntentFailed    IntentStatus = "FAILED"
	IntentExpired   IntentStatus = "EXPIRED"
)

// User holds a cash balance. CashBalance is never negative.
type User struct {
	ID          string          `json:"id" db:"id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	Role        string          `json:"role" db:"role"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Track is a tokenized royalty stream.
// Invariant: 0 <= AvailableSupply <= TotalSupply.
type Track struct {
	ID              string          `json:"id" db:"id"`
	ISRC            string          `json:"isrc" db:"isrc"`
	Title           string          `json:"title" db:"title"`
	Artist          string          `json:"artist" db:"artist"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	TotalSupply     decimal.Decimal `json:"total_supply" db:"total_supply"`
	AvailableSupply decimal.Decimal `json:"available_supply" db:"available_supply"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a user's position in one track. TotalInvested equals
// Amount × AvgBuyPrice by construction.
type Holding struct {
	UserID        string          `json:"user_id" db:"user_id"`
	TrackID       string          `json:"track_id" db:"track_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	AvgBuyPrice   decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a ledger movement.
// Once COMPLETED it is never modified or replayed.
type Transaction struct {
	ID               string            `json:"id" db:"id"`
	UserID           string            `json:"user_id" db:"user_id"`
	TrackID          string            `json:"track_id,omitempty" db:"track_id"`
	Type             TransactionType   `json:"type" db:"type"`
	Amount           decimal.Decimal   `json:"amount" db:"amount"`   // tokens, or cash for DEPOSIT/WITHDRAWAL
	Price            decimal.Decimal   `json:"price" db:"price"`     // unit price at execution
	TotalValue       decimal.Decimal   `json:"total_value" db:"total_value"`
	Fee              decimal.Decimal   `json:"fee" db:"fee"`
	Status           TransactionStatus `json:"status" db:"status"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty" db:"idempotency_key"`
	PaymentReference string            `json:"payment_reference,omitempty" db:"payment_reference"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}

// LimitOrder is a standing instruction to trade Quantity tokens at or
// beyond TargetPrice.
type LimitOrder struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	TrackID       string          `json:"track_id" db:"track_id"`
	Type          OrderType       `json:"type" db:"type"`
	TargetPrice   decimal.Decimal `json:"target_price" db:"target_price"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Status        OrderStatus     `json:"status" db:"status"`
	CancelReason  string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	TransactionID string          `json:"transaction_id,omitempty" db:"transaction_id"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the order has passed its expiry at now.
func (o *LimitOrder) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// PriceAlert is a one-shot price threshold notification.
type PriceAlert struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	TrackID     string          `json:"track_id" db:"track_id"`
	TargetPrice decimal.Decimal `json:"target_price" db:"target_price"`
	Condition   AlertCondition  `json:"condition" db:"condition"`
	IsActive    bool            `json:"is_active" db:"is_active"`
	Triggered   bool            `json:"triggered" db:"triggered"`
	TriggeredAt *time.Time      `json:"triggered_at,omitempty" db:"triggered_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PaymentIntent is a checkout created with the payment provider. The unit
// price is locked when the intent is created.
type PaymentIntent struct {
	Reference     string          `json:"reference" db:"reference"`
	UserID        string          `json:"user_id" db:"user_id"`
	TrackID       string          `json:"track_id" db:"track_id"`
	TokenAmount   decimal.Decimal `json:"token_amount" db:"token_amount"`
	UnitPrice     decimal.Decimal `json:"unit_price" db:"unit_price"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // BRL charged
	Status        IntentStatus    `json:"status" db:"status"`
	FailureReason string          `json:"failure_reason,omitempty" db:"failure_reason"`
	TransactionID string          `json:"transaction_id,omitempty" db:"transaction_id"`
	ExpiresAt     time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a holding marked to the track's current price. Derived on
// every read, never persisted.
type Position struct {
	Holding
	ISRC                 string          `json:"isrc,omitempty"`
	Title                string          `json:"title,omitempty"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	CurrentValue         decimal.Decimal `json:"current_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
}

// Portfolio aggregates all positions for a user.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
	Positions       []Position      `json:"positions"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	TotalValue      decimal.Decimal `json:"total_value"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent decimal.Decimal `json:"total_pnl_percent"`
}
