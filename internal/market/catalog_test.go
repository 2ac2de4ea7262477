package market_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/events"
	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/market"
	"github.com/tunevest/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type sink struct{ got []events.Event }

func (s *sink) Publish(_ context.Context, ev events.Event) { s.got = append(s.got, ev) }

func TestCreateTrack(t *testing.T) {
	c := market.NewCatalog(store.NewMemoryStore())
	ctx := context.Background()

	tr, err := c.CreateTrack(ctx, market.TrackRequest{
		ISRC: "br-abc-24-00001", Title: " Song ", Artist: "Band",
		InitialPrice: d("10"), TotalSupply: d("1000"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.ISRC != "BRABC2400001" || tr.Title != "Song" {
		t.Fatalf("expected normalized fields, got %+v", tr)
	}
	if !tr.AvailableSupply.Equal(tr.TotalSupply) {
		t.Fatalf("expected full supply available, got %s", tr.AvailableSupply)
	}

	_, err = c.CreateTrack(ctx, market.TrackRequest{ISRC: "BRABC2400001", Title: "Dup", InitialPrice: d("1"), TotalSupply: d("1")})
	if !errors.Is(err, market.ErrDuplicateISRC) {
		t.Fatalf("expected ErrDuplicateISRC, got %v", err)
	}

	list, _ := c.ListTracks(ctx)
	if len(list) != 1 {
		t.Fatalf("expected 1 track, got %d", len(list))
	}
}

func TestCreateTrack_Validation(t *testing.T) {
	c := market.NewCatalog(store.NewMemoryStore())
	ctx := context.Background()
	tests := []struct {
		name string
		req  market.TrackRequest
		want error
	}{
		{"bad isrc", market.TrackRequest{ISRC: "nope", Title: "x", InitialPrice: d("1"), TotalSupply: d("1")}, market.ErrInvalidISRC},
		{"no title", market.TrackRequest{ISRC: "BRABC2400001", InitialPrice: d("1"), TotalSupply: d("1")}, ledger.ErrInvalidInput},
		{"zero price", market.TrackRequest{ISRC: "BRABC2400001", Title: "x", InitialPrice: d("0"), TotalSupply: d("1")}, ledger.ErrInvalidPrice},
		{"zero supply", market.TrackRequest{ISRC: "BRABC2400001", Title: "x", InitialPrice: d("1"), TotalSupply: d("0")}, ledger.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.CreateTrack(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSetPricePublishes(t *testing.T) {
	st := store.NewMemoryStore()
	s := &sink{}
	c := market.NewCatalog(st, market.WithPublisher(s))
	ctx := context.Background()
	tr, _ := c.CreateTrack(ctx, market.TrackRequest{ISRC: "BRABC2400001", Title: "x", InitialPrice: d("11.90"), TotalSupply: d("10")})

	got, err := c.SetPrice(ctx, tr.ID, d("12.50"))
	if err != nil {
		t.Fatalf("set price: %v", err)
	}
	if !got.CurrentPrice.Equal(d("12.50")) {
		t.Fatalf("expected 12.50, got %s", got.CurrentPrice)
	}
	stored, _ := st.GetTrack(ctx, tr.ID)
	if !stored.CurrentPrice.Equal(d("12.50")) {
		t.Fatalf("price not committed")
	}
	if len(s.got) != 1 {
		t.Fatalf("expected one event, got %d", len(s.got))
	}
	pc := s.got[0].(events.PriceChanged)
	if !pc.OldPrice.Equal(d("11.90")) || !pc.NewPrice.Equal(d("12.50")) || pc.TrackID != tr.ID {
		t.Fatalf("unexpected event %+v", pc)
	}

	if _, err := c.SetPrice(ctx, tr.ID, d("0")); !errors.Is(err, ledger.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if _, err := c.SetPrice(ctx, "missing", d("1")); !errors.Is(err, ledger.ErrTrackNotFound) {
		t.Fatalf("expected ErrTrackNotFound, got %v", err)
	}
	if len(s.got) != 1 {
		t.Fatalf("failed updates must not publish")
	}
}
