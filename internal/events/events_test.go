package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/events"
)

func TestBusDeliversToTypedAndWildcardHandlers(t *testing.T) {
	bus := events.NewBus(nil)
	var typed, all int
	bus.Subscribe(events.TypePriceChanged, func(context.Context, events.Event) error { typed++; return nil })
	bus.SubscribeAll(func(context.Context, events.Event) error { all++; return nil })

	bus.Publish(context.Background(), events.PriceChanged{TrackID: "t1"})
	bus.Publish(context.Background(), events.InvestmentExecuted{TrackID: "t1"})

	if typed != 1 || all != 2 {
		t.Fatalf("expected typed=1 all=2, got typed=%d all=%d", typed, all)
	}
}

func TestBusQueuesNestedPublishes(t *testing.T) {
	bus := events.NewBus(nil)
	var order []string
	depth := 0

	bus.Subscribe(events.TypePriceChanged, func(ctx context.Context, ev events.Event) error {
		depth++
		defer func() { depth-- }()
		if depth > 1 {
			t.Error("handler re-entered recursively")
		}
		order = append(order, "price")
		bus.Publish(ctx, events.InvestmentExecuted{TrackID: "t1"})
		order = append(order, "price-done")
		return nil
	})
	bus.Subscribe(events.TypeInvestmentExecuted, func(context.Context, events.Event) error {
		order = append(order, "trade")
		return nil
	})

	bus.Publish(context.Background(), events.PriceChanged{TrackID: "t1"})

	want := []string{"price", "price-done", "trade"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestBusHandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := events.NewBus(nil)
	called := false
	bus.Subscribe(events.TypeAlertTriggered, func(context.Context, events.Event) error { return errors.New("boom") })
	bus.Subscribe(events.TypeAlertTriggered, func(context.Context, events.Event) error { called = true; return nil })

	bus.Publish(context.Background(), events.AlertTriggered{})
	if !called {
		t.Fatal("second handler should run after first fails")
	}
}

type recordingProducer struct {
	mu    sync.Mutex
	topic string
	key   string
	value any
	err   error
}

func (p *recordingProducer) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic, p.key, p.value = topic, key, value
	return 0, 0, p.err
}

func (p *recordingProducer) Close() error { return nil }

func TestForwarderWrapsEventInEnvelope(t *testing.T) {
	prod := &recordingProducer{}
	fwd := events.NewForwarder(prod, "ledger.events")

	ev := events.PriceChanged{TrackID: "t9", NewPrice: decimal.NewFromInt(12)}
	if err := fwd.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if prod.topic != "ledger.events" || prod.key != "t9" {
		t.Fatalf("unexpected topic/key %s/%s", prod.topic, prod.key)
	}
	msg, ok := prod.value.(events.Message)
	if !ok {
		t.Fatalf("expected events.Message, got %T", prod.value)
	}
	if msg.EventType != events.TypePriceChanged || msg.EventID == "" || msg.EventVersion != 1 {
		t.Fatalf("bad envelope: %+v", msg.Envelope)
	}
}

func TestForwarderReturnsPublishError(t *testing.T) {
	prod := &recordingProducer{err: errors.New("broker down")}
	fwd := events.NewForwarder(prod, "ledger.events")
	if err := fwd.Handle(context.Background(), events.PriceChanged{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSyncProducerSendsJSON(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	mp := mocks.NewSyncProducer(t, cfg)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var body map[string]any
		if err := json.Unmarshal(val, &body); err != nil {
			return err
		}
		if body["event_type"] != events.TypeOrderFilled {
			return errors.New("unexpected event type")
		}
		return nil
	})

	prod := events.NewSyncProducerFrom(mp, nil)
	defer prod.Close()

	fwd := events.NewForwarder(prod, "ledger.events")
	if err := fwd.Handle(context.Background(), events.OrderFilled{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

var _ sarama.SyncProducer = (*mocks.SyncProducer)(nil)
