// Package notify hands user notifications to the delivery service. The
// ledger never waits on delivery: a failed dispatch is logged by the caller
// and the ledger state is unaffected.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/tunevest/ledger-engine/internal/events"
)

// Notification types.
const (
	TypePriceAlert     = "PRICE_ALERT"
	TypeOrderFilled    = "ORDER_FILLED"
	TypeOrderCancelled = "ORDER_CANCELLED"
)

// Notification is addressed to one user.
type Notification struct {
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	SentAt  time.Time      `json:"sent_at"`
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// KafkaDispatcher publishes notifications as JSON to a topic, keyed by user.
type KafkaDispatcher struct {
	producer events.Producer
	topic    string
}

func NewKafkaDispatcher(producer events.Producer, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer, topic: topic}
}

func (d *KafkaDispatcher) Notify(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	_, _, err := d.producer.PublishJSON(ctx, d.topic, n.UserID, n)
	return err
}

// LogDispatcher writes notifications to the log. Used when no broker is
// configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, n Notification) error {
	d.logger.Info("notification", "user_id", n.UserID, "type", n.Type, "payload", n.Payload)
	return nil
}

// Multi fans a notification out to several dispatchers and returns the
// first error.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, d := range m {
		if err := d.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
