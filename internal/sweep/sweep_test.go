package sweep_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/alerts"
	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/orderbook"
	"github.com/tunevest/ledger-engine/internal/store"
	"github.com/tunevest/ledger-engine/internal/sweep"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTickFillsAndFires(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_ = st.CreateUser(ctx, &model.User{ID: "u1", CashBalance: d("100")})
	_ = st.CreateTrack(ctx, &model.Track{ID: "t1", ISRC: "BRABC2400001", CurrentPrice: d("9"), TotalSupply: d("10"), AvailableSupply: d("10")})

	exec := ledger.NewExecutor(st)
	book := orderbook.NewBook(exec)
	ev := alerts.NewEvaluator(exec)

	o, err := book.PlaceOrder(ctx, orderbook.PlaceRequest{UserID: "u1", TrackID: "t1", Type: model.OrderBuy, TargetPrice: d("9.5"), Quantity: d("1")})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := ev.CreateAlert(ctx, "u1", "t1", model.AlertBelow, d("9"))

	s := sweep.New(st, time.Second, nil).
		Evaluate(sweep.EvaluatorFunc(func(ctx context.Context, id string, p decimal.Decimal) error {
			_, err := book.OnPriceChange(ctx, id, p)
			return err
		})).
		Evaluate(sweep.EvaluatorFunc(func(ctx context.Context, id string, p decimal.Decimal) error {
			_, err := ev.OnPriceChange(ctx, id, p)
			return err
		})).
		Expire(sweep.ExpirerFunc(book.ExpireOrders))

	if err := s.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := st.GetOrder(ctx, o.ID)
	if got.Status != model.OrderFilled {
		t.Fatalf("expected resting order filled at current price, got %s", got.Status)
	}
	alert, _ := st.GetAlert(ctx, a.ID)
	if !alert.Triggered {
		t.Fatalf("expected alert fired")
	}

	// Second tick is a no-op.
	if err := s.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	_, total, _ := st.ListTransactions(ctx, store.TransactionFilter{UserID: "u1"})
	if total != 1 {
		t.Fatalf("expected a single fill, got %d transactions", total)
	}
}

func TestTickJoinsErrors(t *testing.T) {
	st := store.NewMemoryStore()
	_ = st.CreateTrack(context.Background(), &model.Track{ID: "t1", ISRC: "BRABC2400001", CurrentPrice: d("1"), TotalSupply: d("1"), AvailableSupply: d("1")})

	boom := errors.New("boom")
	var calls atomic.Int32
	s := sweep.New(st, 0, nil).
		Expire(sweep.ExpirerFunc(func(context.Context, time.Time) (int, error) { return 0, boom })).
		Evaluate(sweep.EvaluatorFunc(func(context.Context, string, decimal.Decimal) error {
			calls.Add(1)
			return nil
		}))

	err := s.Tick(context.Background(), time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("evaluation must still run after an expiry failure")
	}
}

func TestRun(t *testing.T) {
	st := store.NewMemoryStore()
	var ticks atomic.Int32
	s := sweep.New(st, 5*time.Millisecond, nil).
		Expire(sweep.ExpirerFunc(func(context.Context, time.Time) (int, error) {
			ticks.Add(1)
			return 0, nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("sweep did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestRunDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		sweep.New(store.NewMemoryStore(), 0, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweep should return immediately")
	}
}
