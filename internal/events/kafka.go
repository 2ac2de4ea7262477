package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Producer publishes JSON values to a topic.
type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// SyncProducer is a Producer backed by a sarama sync producer.
type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewSyncProducer connects an idempotent sync producer to brokers.
func NewSyncProducer(brokers []string, logger *slog.Logger) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewSyncProducerFrom(producer, logger), nil
}

// NewSyncProducerFrom wraps an existing sarama producer.
func NewSyncProducerFrom(producer sarama.SyncProducer, logger *slog.Logger) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger}
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "err", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// Envelope is the metadata wrapped around every event on Kafka.
type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// Message is the JSON document written to the events topic.
type Message struct {
	Envelope
	Payload Event `json:"payload"`
}

// Forwarder mirrors bus events to a Kafka topic. It is best-effort: a
// publish failure is returned to the bus, which logs it.
type Forwarder struct {
	producer Producer
	topic    string
}

func NewForwarder(producer Producer, topic string) *Forwarder {
	return &Forwarder{producer: producer, topic: topic}
}

// Handle is an events.Handler.
func (f *Forwarder) Handle(ctx context.Context, ev Event) error {
	msg := Message{
		Envelope: Envelope{
			EventID:      uuid.NewString(),
			EventType:    ev.EventType(),
			EventVersion: 1,
			Timestamp:    time.Now().UTC(),
		},
		Payload: ev,
	}
	if _, _, err := f.producer.PublishJSON(ctx, f.topic, ev.EventKey(), msg); err != nil {
		return fmt.Errorf("forward %s: %w", ev.EventType(), err)
	}
	return nil
}
