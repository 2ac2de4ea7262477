// Package market is the track catalog and the only path that changes a
// track's price.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/events"
	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/store"
)

// TrackRequest lists a new track.
type TrackRequest struct {
	ISRC         string          `json:"isrc"`
	Title        string          `json:"title"`
	Artist       string          `json:"artist"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	TotalSupply  decimal.Decimal `json:"total_supply"`
}

// Catalog manages tracks.
type Catalog struct {
	store  store.Store
	bus    events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Catalog)

// WithPublisher sets where PriceChanged goes.
func WithPublisher(p events.Publisher) Option { return func(c *Catalog) { c.bus = p } }

func WithLogger(l *slog.Logger) Option { return func(c *Catalog) { c.logger = l } }

func NewCatalog(st store.Store, opts ...Option) *Catalog {
	c := &Catalog{store: st, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTrack lists a track with its whole supply available.
func (c *Catalog) CreateTrack(ctx context.Context, req TrackRequest) (*model.Track, error) {
	isrc, err := ParseISRC(req.ISRC)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ledger.ErrInvalidInput)
	}
	if !req.InitialPrice.IsPositive() {
		return nil, ledger.ErrInvalidPrice
	}
	if !req.TotalSupply.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	t := &model.Track{
		ID:              uuid.NewString(),
		ISRC:            isrc.Code,
		Title:           strings.TrimSpace(req.Title),
		Artist:          strings.TrimSpace(req.Artist),
		CurrentPrice:    req.InitialPrice,
		TotalSupply:     req.TotalSupply,
		AvailableSupply: req.TotalSupply,
		CreatedAt:       c.now().UTC(),
	}
	if err := c.store.CreateTrack(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateISRC, isrc)
		}
		return nil, fmt.Errorf("create track: %w", err)
	}
	c.logger.Info("track listed",
		"track_id", t.ID,
		"isrc", t.ISRC,
		"price", t.CurrentPrice.String(),
		"supply", t.TotalSupply.String(),
	)
	return t, nil
}

func (c *Catalog) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	t, err := c.store.GetTrack(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTrackNotFound, id)
	}
	return t, err
}

func (c *Catalog) ListTracks(ctx context.Context) ([]model.Track, error) {
	return c.store.ListTracks(ctx)
}

// SetPrice commits a new market price and then publishes PriceChanged.
// Subscribers run after the price is visible.
func (c *Catalog) SetPrice(ctx context.Context, trackID string, price decimal.Decimal) (*model.Track, error) {
	if !price.IsPositive() {
		return nil, ledger.ErrInvalidPrice
	}
	t, err := c.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	old := t.CurrentPrice
	if err := c.store.SetTrackPrice(ctx, trackID, price); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrTrackNotFound, trackID)
		}
		return nil, fmt.Errorf("set price: %w", err)
	}
	t.CurrentPrice = price

	c.logger.Info("price changed", "track_id", trackID, "old", old.String(), "new", price.String())
	if c.bus != nil {
		c.bus.Publish(ctx, events.PriceChanged{
			TrackID:  trackID,
			OldPrice: old,
			NewPrice: price,
			At:       c.now().UTC(),
		})
	}
	return t, nil
}
