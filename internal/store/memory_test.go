package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateUser(ctx, &model.User{ID: "u1", CashBalance: d("1000"), Role: "INVESTOR", CreatedAt: now}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateTrack(ctx, &model.Track{
		ID: "t1", ISRC: "BRABC2400001", Title: "One", CurrentPrice: d("10"),
		TotalSupply: d("1000"), AvailableSupply: d("1000"), CreatedAt: now,
	}); err != nil {
		t.Fatalf("create track: %v", err)
	}
}

func TestMemoryStore_CommitAppliesWrites(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateUserBalance(ctx, "u1", d("900")); err != nil {
			return err
		}
		if err := tx.UpdateTrackSupply(ctx, "t1", d("990")); err != nil {
			return err
		}
		if err := tx.InsertHolding(ctx, &model.Holding{UserID: "u1", TrackID: "t1", Amount: d("10"), AvgBuyPrice: d("10"), TotalInvested: d("100")}); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &model.Transaction{ID: "x1", UserID: "u1", TrackID: "t1", Type: model.TxBuy, IdempotencyKey: "k1", CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.CashBalance.Equal(d("900")) {
		t.Errorf("expected balance 900, got %s", u.CashBalance)
	}
	tr, _ := s.GetTrack(ctx, "t1")
	if !tr.AvailableSupply.Equal(d("990")) {
		t.Errorf("expected supply 990, got %s", tr.AvailableSupply)
	}
	if _, err := s.GetHolding(ctx, "u1", "t1"); err != nil {
		t.Errorf("expected holding: %v", err)
	}
	if _, err := s.GetTransactionByKey(ctx, "k1"); err != nil {
		t.Errorf("expected transaction by key: %v", err)
	}
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_ = tx.UpdateUserBalance(ctx, "u1", d("0"))
		_ = tx.UpdateTrackSupply(ctx, "t1", d("0"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.CashBalance.Equal(d("1000")) {
		t.Errorf("rollback leaked balance: %s", u.CashBalance)
	}
	tr, _ := s.GetTrack(ctx, "t1")
	if !tr.AvailableSupply.Equal(d("1000")) {
		t.Errorf("rollback leaked supply: %s", tr.AvailableSupply)
	}
}

func TestMemoryStore_TxReadsOwnWrites(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	_ = s.WithTx(ctx, func(tx store.Tx) error {
		_ = tx.UpdateUserBalance(ctx, "u1", d("1"))
		u, err := tx.LockUser(ctx, "u1")
		if err != nil {
			t.Fatalf("LockUser: %v", err)
		}
		if !u.CashBalance.Equal(d("1")) {
			t.Errorf("expected staged balance 1, got %s", u.CashBalance)
		}
		return nil
	})
}

func TestMemoryStore_DuplicateIdempotencyKey(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	insert := func(id string) error {
		return s.WithTx(ctx, func(tx store.Tx) error {
			return tx.InsertTransaction(ctx, &model.Transaction{ID: id, UserID: "u1", Type: model.TxDeposit, IdempotencyKey: "same"})
		})
	}
	if err := insert("x1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert("x2"); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestMemoryStore_DuplicateISRC(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	err := s.CreateTrack(context.Background(), &model.Track{ID: "t2", ISRC: "BRABC2400001"})
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestMemoryStore_DeleteHolding(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	_ = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertHolding(ctx, &model.Holding{UserID: "u1", TrackID: "t1", Amount: d("1")})
	})
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteHolding(ctx, "u1", "t1"); err != nil {
			return err
		}
		if _, err := tx.LockHolding(ctx, "u1", "t1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected deleted holding to be gone inside tx, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if _, err := s.GetHolding(ctx, "u1", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	s := store.NewMemoryStore(store.WithLockTimeout(20 * time.Millisecond))
	seed(t, s)
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithTx(ctx, func(tx store.Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	err := s.WithTx(ctx, func(tx store.Tx) error { return nil })
	close(done)
	if !errors.Is(err, store.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestMemoryStore_SerializesUnits(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithTx(ctx, func(tx store.Tx) error {
				u, err := tx.LockUser(ctx, "u1")
				if err != nil {
					return err
				}
				return tx.UpdateUserBalance(ctx, "u1", u.CashBalance.Sub(d("1")))
			})
		}()
	}
	wg.Wait()

	u, _ := s.GetUser(ctx, "u1")
	if !u.CashBalance.Equal(d("950")) {
		t.Fatalf("expected 950 after 50 serialized debits, got %s", u.CashBalance)
	}
}

func TestMemoryStore_ListTransactions(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = s.WithTx(ctx, func(tx store.Tx) error {
		for i := 0; i < 5; i++ {
			typ := model.TxBuy
			if i%2 == 1 {
				typ = model.TxSell
			}
			_ = tx.InsertTransaction(ctx, &model.Transaction{
				ID: string(rune('a' + i)), UserID: "u1", TrackID: "t1", Type: typ,
				Status: model.TxCompleted, CreatedAt: base.Add(time.Duration(i) * time.Hour),
			})
		}
		return nil
	})

	page, total, err := s.ListTransactions(ctx, store.TransactionFilter{UserID: "u1", Limit: 2})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("expected 2 of 5, got %d of %d", len(page), total)
	}
	if page[0].ID != "e" || page[1].ID != "d" {
		t.Errorf("expected newest first, got %s,%s", page[0].ID, page[1].ID)
	}

	sells, total, _ := s.ListTransactions(ctx, store.TransactionFilter{UserID: "u1", Type: model.TxSell})
	if total != 2 || len(sells) != 2 {
		t.Errorf("expected 2 sells, got %d", total)
	}

	window, total, _ := s.ListTransactions(ctx, store.TransactionFilter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)})
	if total != 3 || len(window) != 3 {
		t.Errorf("expected 3 in window, got %d", total)
	}

	empty, total, _ := s.ListTransactions(ctx, store.TransactionFilter{UserID: "u1", Offset: 10, Limit: 2})
	if total != 5 || len(empty) != 0 {
		t.Errorf("expected empty page past end, got %d (total %d)", len(empty), total)
	}
}

func TestMemoryStore_ListIntentsExpiring(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	now := time.Now()

	_ = s.CreateIntent(ctx, &model.PaymentIntent{Reference: "old", UserID: "u1", TrackID: "t1", Status: model.IntentPending, ExpiresAt: now.Add(-time.Minute)})
	_ = s.CreateIntent(ctx, &model.PaymentIntent{Reference: "new", UserID: "u1", TrackID: "t1", Status: model.IntentPending, ExpiresAt: now.Add(time.Hour)})
	_ = s.CreateIntent(ctx, &model.PaymentIntent{Reference: "done", UserID: "u1", TrackID: "t1", Status: model.IntentCompleted, ExpiresAt: now.Add(-time.Hour)})

	got, err := s.ListIntentsExpiring(ctx, now)
	if err != nil {
		t.Fatalf("ListIntentsExpiring: %v", err)
	}
	if len(got) != 1 || got[0].Reference != "old" {
		t.Fatalf("expected only the stale pending intent, got %+v", got)
	}
}
