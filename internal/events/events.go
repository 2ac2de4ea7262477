// Package events carries domain events between ledger components.
//
// The Bus is synchronous: Publish runs every subscriber in the caller's
// goroutine. An event published while a pass is already running (for
// example a fill inside an OnPriceChange handler) is queued onto that pass
// and dispatched after the current event, so fan-out is a bounded loop and
// never recursion.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/metrics"
	"github.com/tunevest/ledger-engine/internal/model"
)

// Event type names, also used as Kafka event_type.
const (
	TypePriceChanged       = "track.price_changed"
	TypeInvestmentExecuted = "ledger.investment_executed"
	TypeOrderFilled        = "order.filled"
	TypeOrderCancelled     = "order.cancelled"
	TypeAlertTriggered     = "alert.triggered"
)

// Event is a domain event.
type Event interface {
	EventType() string
	// EventKey partitions the event on external transports.
	EventKey() string
}

// PriceChanged is published after a new track price commits.
type PriceChanged struct {
	TrackID  string          `json:"track_id"`
	OldPrice decimal.Decimal `json:"old_price"`
	NewPrice decimal.Decimal `json:"new_price"`
	At       time.Time       `json:"at"`
}

func (PriceChanged) EventType() string  { return TypePriceChanged }
func (e PriceChanged) EventKey() string { return e.TrackID }

// InvestmentExecuted is published after a BUY or SELL commits.
type InvestmentExecuted struct {
	UserID             string                `json:"user_id"`
	TrackID            string                `json:"track_id"`
	TransactionID      string                `json:"transaction_id"`
	Side               model.TransactionType `json:"side"`
	Amount             decimal.Decimal       `json:"amount"`
	Price              decimal.Decimal       `json:"price"`
	NewAvailableSupply decimal.Decimal       `json:"new_available_supply"`
	At                 time.Time             `json:"at"`
}

func (InvestmentExecuted) EventType() string  { return TypeInvestmentExecuted }
func (e InvestmentExecuted) EventKey() string { return e.TrackID }

type OrderFilled struct {
	Order model.LimitOrder `json:"order"`
	Price decimal.Decimal  `json:"price"`
}

func (OrderFilled) EventType() string  { return TypeOrderFilled }
func (e OrderFilled) EventKey() string { return e.Order.TrackID }

type OrderCancelled struct {
	Order model.LimitOrder `json:"order"`
}

func (OrderCancelled) EventType() string  { return TypeOrderCancelled }
func (e OrderCancelled) EventKey() string { return e.Order.TrackID }

type AlertTriggered struct {
	Alert model.PriceAlert `json:"alert"`
	Price decimal.Decimal  `json:"price"`
}

func (AlertTriggered) EventType() string  { return TypeAlertTriggered }
func (e AlertTriggered) EventKey() string { return e.Alert.TrackID }

// Handler processes one event. Returned errors are logged; they never stop
// other handlers or propagate to the publisher.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// MaxQueuedPerPass bounds how many follow-up events one pass will dispatch.
const MaxQueuedPerPass = 4096

// Bus is an in-process synchronous event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[string][]Handler), logger: logger}
}

// Subscribe registers h for events of eventType.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

type passKey struct{}

type pass struct {
	queue   []Event
	dropped int
}

// Publish dispatches ev. If called from inside a handler the event is queued
// on the running pass and Publish returns immediately.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev == nil {
		return
	}
	if p, ok := ctx.Value(passKey{}).(*pass); ok {
		if len(p.queue) >= MaxQueuedPerPass {
			p.dropped++
			return
		}
		p.queue = append(p.queue, ev)
		return
	}

	p := &pass{queue: []Event{ev}}
	ctx = context.WithValue(ctx, passKey{}, p)
	for len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		b.dispatch(ctx, next)
	}
	if p.dropped > 0 {
		b.logger.Warn("event pass overflow, events dropped", "dropped", p.dropped)
	}
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.EventType()])+len(b.all))
	hs = append(hs, b.handlers[ev.EventType()]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(ev.EventType()).Inc()
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			b.logger.Error("event handler failed", "type", ev.EventType(), "key", ev.EventKey(), "err", err)
		}
	}
}
