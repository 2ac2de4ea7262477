package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/payment"
	"github.com/tunevest/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	st    *store.MemoryStore
	gw    *payment.Gateway
	clock *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

func setup(t *testing.T, supply string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore(store.WithLockTimeout(5 * time.Second))
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if err := st.CreateUser(ctx, &model.User{ID: "u1", Role: "INVESTOR", CreatedAt: c.now}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateTrack(ctx, &model.Track{
		ID: "t1", ISRC: "BRABC2400001", Title: "Song", CurrentPrice: d("10"),
		TotalSupply: d(supply), AvailableSupply: d(supply), CreatedAt: c.now,
	}); err != nil {
		t.Fatal(err)
	}
	exec := ledger.NewExecutor(st, ledger.WithClock(c.Now))
	return &fixture{st: st, gw: payment.NewGateway(exec, payment.WithIntentTTL(time.Hour)), clock: c}
}

func (f *fixture) intent(t *testing.T, ref, tokens string) *model.PaymentIntent {
	t.Helper()
	p, err := f.gw.CreateIntent(context.Background(), payment.IntentRequest{
		Reference: ref, UserID: "u1", TrackID: "t1", TokenAmount: d(tokens),
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return p
}

func TestCreateIntent(t *testing.T) {
	f := setup(t, "1000")
	p := f.intent(t, "", "5")
	if len(p.Reference) < 4 || p.Reference[:3] != "pi_" {
		t.Fatalf("expected generated pi_ reference, got %q", p.Reference)
	}
	if !p.UnitPrice.Equal(d("10")) || !p.Amount.Equal(d("50")) || p.Status != model.IntentPending {
		t.Fatalf("unexpected intent %+v", p)
	}
	if !p.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", p.ExpiresAt)
	}

	ctx := context.Background()
	if _, err := f.gw.CreateIntent(ctx, payment.IntentRequest{UserID: "u1", TrackID: "nope", TokenAmount: d("1")}); !errors.Is(err, ledger.ErrTrackNotFound) {
		t.Fatalf("expected ErrTrackNotFound, got %v", err)
	}
	if _, err := f.gw.CreateIntent(ctx, payment.IntentRequest{UserID: "u1", TrackID: "t1", TokenAmount: d("0")}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.gw.CreateIntent(ctx, payment.IntentRequest{Reference: p.Reference, UserID: "u1", TrackID: "t1", TokenAmount: d("1")}); !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected duplicate reference to be rejected, got %v", err)
	}
}

func TestConfirm_DepositsThenBuys(t *testing.T) {
	f := setup(t, "1000")
	f.intent(t, "pi_1", "5")
	ctx := context.Background()

	conf, err := f.gw.Confirm(ctx, "pi_1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Intent.Status != model.IntentCompleted || conf.Transaction == nil {
		t.Fatalf("unexpected confirmation %+v", conf)
	}
	if conf.Intent.TransactionID != conf.Transaction.ID {
		t.Fatalf("intent not linked to transaction")
	}

	// Deposit of 50 spent on the buy.
	u, _ := f.st.GetUser(ctx, "u1")
	if !u.CashBalance.IsZero() {
		t.Fatalf("expected zero balance, got %s", u.CashBalance)
	}
	h, err := f.st.GetHolding(ctx, "u1", "t1")
	if err != nil || !h.Amount.Equal(d("5")) {
		t.Fatalf("expected holding of 5, got %+v %v", h, err)
	}
}

func TestConfirm_CalledTwice(t *testing.T) {
	f := setup(t, "1000")
	f.intent(t, "pi_2", "5")
	ctx := context.Background()

	first, err := f.gw.Confirm(ctx, "pi_2")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.gw.Confirm(ctx, "pi_2")
	if !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	if !second.AlreadyProcessed || second.Transaction == nil || second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("expected stored result, got %+v", second)
	}
	assertPostings(t, f.st, 1, 1)
}

func TestConfirm_ConcurrentRedelivery(t *testing.T) {
	f := setup(t, "1000")
	f.intent(t, "pi_3", "5")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gw.Confirm(ctx, "pi_3"); err != nil && !errors.Is(err, ledger.ErrAlreadyProcessed) {
				t.Errorf("confirm: %v", err)
			}
		}()
	}
	wg.Wait()

	assertPostings(t, f.st, 1, 1)
	p, _ := f.st.GetIntent(ctx, "pi_3")
	if p.Status != model.IntentCompleted {
		t.Fatalf("expected COMPLETED, got %s", p.Status)
	}
}

func TestConfirm_BuyFailsKeepsDeposit(t *testing.T) {
	f := setup(t, "10")
	f.intent(t, "pi_4", "8")
	ctx := context.Background()

	// Someone else takes the supply before the webhook arrives.
	if err := f.st.CreateUser(ctx, &model.User{ID: "u2", CashBalance: d("1000"), CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	exec := ledger.NewExecutor(f.st)
	if _, err := exec.Execute(ctx, ledger.BuyRequest{UserID: "u2", TrackID: "t1", TokenAmount: d("5"), UnitPrice: d("10")}); err != nil {
		t.Fatal(err)
	}

	conf, err := f.gw.Confirm(ctx, "pi_4")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Intent.Status != model.IntentFailed || conf.Intent.FailureReason == "" || conf.Transaction != nil {
		t.Fatalf("expected FAILED with reason, got %+v", conf)
	}
	u, _ := f.st.GetUser(ctx, "u1")
	if !u.CashBalance.Equal(d("80")) {
		t.Fatalf("deposit must remain on balance, got %s", u.CashBalance)
	}
	assertPostings(t, f.st, 1, 0)

	if _, err := f.gw.Confirm(ctx, "pi_4"); !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on redelivery, got %v", err)
	}
}

func TestConfirm_ExpiredAndUnknown(t *testing.T) {
	f := setup(t, "1000")
	f.intent(t, "pi_5", "1")
	ctx := context.Background()

	if _, err := f.gw.Confirm(ctx, "pi_missing"); !errors.Is(err, ledger.ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	if _, err := f.gw.Confirm(ctx, "pi_5"); !errors.Is(err, ledger.ErrExpiredIntent) {
		t.Fatalf("expected ErrExpiredIntent, got %v", err)
	}
	p, _ := f.st.GetIntent(ctx, "pi_5")
	if p.Status != model.IntentExpired {
		t.Fatalf("expected EXPIRED persisted, got %s", p.Status)
	}
	if _, err := f.gw.Confirm(ctx, "pi_5"); !errors.Is(err, ledger.ErrExpiredIntent) {
		t.Fatalf("expected ErrExpiredIntent again, got %v", err)
	}
	assertPostings(t, f.st, 0, 0)
}

func TestExpireIntents(t *testing.T) {
	f := setup(t, "1000")
	f.intent(t, "pi_a", "1")
	f.intent(t, "pi_b", "1")
	ctx := context.Background()

	if n, err := f.gw.ExpireIntents(ctx, f.clock.Now()); err != nil || n != 0 {
		t.Fatalf("nothing due yet, got %d %v", n, err)
	}
	n, err := f.gw.ExpireIntents(ctx, f.clock.Now().Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 expired, got %d %v", n, err)
	}
	p, _ := f.st.GetIntent(ctx, "pi_a")
	if p.Status != model.IntentExpired {
		t.Fatalf("expected EXPIRED, got %s", p.Status)
	}
}

func assertPostings(t *testing.T, st store.Store, deposits, buys int) {
	t.Helper()
	ctx := context.Background()
	_, nd, _ := st.ListTransactions(ctx, store.TransactionFilter{UserID: "u1", Type: model.TxDeposit})
	_, nb, _ := st.ListTransactions(ctx, store.TransactionFilter{UserID: "u1", Type: model.TxBuy})
	if nd != deposits || nb != buys {
		t.Fatalf("expected %d deposits and %d buys, got %d and %d", deposits, buys, nd, nb)
	}
}

func TestConfirm_ReferenceDoesNotReuseClientKeys(t *testing.T) {
	f := setup(t, "1000")
	ctx := context.Background()
	exec := ledger.NewExecutor(f.st)

	// The client already used the provider reference as its own keys.
	if _, err := exec.Deposit(ctx, ledger.CashRequest{UserID: "u1", Amount: d("10"), IdempotencyKey: "R"}); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Execute(ctx, ledger.BuyRequest{UserID: "u1", TrackID: "t1", TokenAmount: d("1"), UnitPrice: d("10"), IdempotencyKey: "R"}); !errors.Is(err, ledger.ErrKeyConflict) {
		t.Fatalf("expected the deposit key to refuse a buy, got %v", err)
	}
	if _, err := exec.Execute(ctx, ledger.BuyRequest{UserID: "u1", TrackID: "t1", TokenAmount: d("1"), UnitPrice: d("10"), IdempotencyKey: "R-buy"}); err != nil {
		t.Fatal(err)
	}

	f.intent(t, "R", "100")
	conf, err := f.gw.Confirm(ctx, "R")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Intent.Status != model.IntentCompleted || conf.Transaction == nil {
		t.Fatalf("unexpected confirmation %+v", conf)
	}
	if conf.Transaction.Type != model.TxBuy || !conf.Transaction.Amount.Equal(d("100")) {
		t.Fatalf("expected a fresh BUY of 100, got %s %s", conf.Transaction.Type, conf.Transaction.Amount)
	}
	if conf.Transaction.IdempotencyKey != payment.BuyKey("R") {
		t.Fatalf("unexpected buy key %q", conf.Transaction.IdempotencyKey)
	}

	h, _ := f.st.GetHolding(ctx, "u1", "t1")
	if h == nil || !h.Amount.Equal(d("101")) {
		t.Fatalf("expected holding of 101, got %+v", h)
	}
	tr, _ := f.st.GetTrack(ctx, "t1")
	if !tr.AvailableSupply.Equal(d("899")) {
		t.Fatalf("expected 899 available, got %s", tr.AvailableSupply)
	}
	assertPostings(t, f.st, 2, 2)
}

// txHookStore runs hook right before the nth WithTx after arm.
type txHookStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls int
	nth   int
	hook  func()
}

func (s *txHookStore) arm(nth int, hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls, s.nth, s.hook = 0, nth, hook
}

func (s *txHookStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	s.calls++
	var run func()
	if s.hook != nil && s.calls == s.nth {
		run, s.hook = s.hook, nil
	}
	s.mu.Unlock()
	if run != nil {
		run()
	}
	return s.MemoryStore.WithTx(ctx, fn)
}

func TestConfirm_RedeliveryBetweenFailedBuyAndFailureMark(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ms := store.NewMemoryStore(store.WithLockTimeout(5 * time.Second))
	for _, u := range []model.User{{ID: "u1"}, {ID: "u2", CashBalance: d("1000")}} {
		u.CreatedAt = now
		if err := ms.CreateUser(ctx, &u); err != nil {
			t.Fatal(err)
		}
	}
	if err := ms.CreateTrack(ctx, &model.Track{
		ID: "t1", ISRC: "BRABC2400001", Title: "Song", CurrentPrice: d("10"),
		TotalSupply: d("10"), AvailableSupply: d("10"), CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	hs := &txHookStore{MemoryStore: ms}
	exec := ledger.NewExecutor(hs)
	gw := payment.NewGateway(exec)

	if _, err := gw.CreateIntent(ctx, payment.IntentRequest{Reference: "pi_r", UserID: "u1", TrackID: "t1", TokenAmount: d("5")}); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Execute(ctx, ledger.BuyRequest{UserID: "u2", TrackID: "t1", TokenAmount: d("10"), UnitPrice: d("10")}); err != nil {
		t.Fatal(err)
	}

	// The first delivery funds the intent, fails its buy for lack of supply,
	// and is about to record the failure. Supply frees up and a redelivery
	// runs to completion in between.
	hs.arm(3, func() {
		if _, err := exec.Divest(ctx, ledger.SellRequest{UserID: "u2", TrackID: "t1", TokenAmount: d("5"), UnitPrice: d("10")}); err != nil {
			t.Errorf("divest: %v", err)
		}
		conf, err := gw.Confirm(ctx, "pi_r")
		if err != nil || conf.Intent.Status != model.IntentCompleted {
			t.Errorf("redelivery: expected COMPLETED, got %+v %v", conf, err)
		}
	})

	first, err := gw.Confirm(ctx, "pi_r")
	if !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Fatalf("expected the first delivery to find the intent settled, got %v", err)
	}
	if first.Intent.Status != model.IntentCompleted || first.Transaction == nil {
		t.Fatalf("expected stored COMPLETED outcome, got %+v", first)
	}

	p, _ := ms.GetIntent(ctx, "pi_r")
	buyTx, err := ms.GetTransactionByKey(ctx, payment.BuyKey("pi_r"))
	if err != nil {
		t.Fatalf("buy not recorded: %v", err)
	}
	if p.Status != model.IntentCompleted || p.TransactionID != buyTx.ID || p.FailureReason != "" {
		t.Fatalf("intent out of step with ledger: %+v", p)
	}
	assertPostings(t, ms, 1, 1)
	h, _ := ms.GetHolding(ctx, "u1", "t1")
	if h == nil || !h.Amount.Equal(d("5")) {
		t.Fatalf("expected holding of 5, got %+v", h)
	}
}
