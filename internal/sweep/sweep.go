// Package sweep periodically re-runs order and alert evaluation and expires
// stale orders and payment intents. Every step is idempotent with the
// event-driven path, so a sweep racing a price change is harmless.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/metrics"
	"github.com/tunevest/ledger-engine/internal/model"
)

// Tracks lists the catalog.
type Tracks interface {
	ListTracks(ctx context.Context) ([]model.Track, error)
}

// Evaluator is one price-driven pass.
type Evaluator interface {
	Evaluate(ctx context.Context, trackID string, price decimal.Decimal) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, trackID string, price decimal.Decimal) error

func (f EvaluatorFunc) Evaluate(ctx context.Context, trackID string, price decimal.Decimal) error {
	return f(ctx, trackID, price)
}

// Expirer moves stale rows to a terminal state.
type Expirer interface {
	Expire(ctx context.Context, now time.Time) (int, error)
}

// ExpirerFunc adapts a function to Expirer.
type ExpirerFunc func(ctx context.Context, now time.Time) (int, error)

func (f ExpirerFunc) Expire(ctx context.Context, now time.Time) (int, error) { return f(ctx, now) }

// Sweeper runs the periodic pass.
type Sweeper struct {
	tracks     Tracks
	evaluators []Evaluator
	expirers   []Expirer
	interval   time.Duration
	logger     *slog.Logger
}

// New creates a sweeper ticking every interval. An interval ≤ 0 disables
// Run.
func New(tracks Tracks, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{tracks: tracks, interval: interval, logger: logger}
}

// Evaluate adds a per-track pass.
func (s *Sweeper) Evaluate(e Evaluator) *Sweeper {
	s.evaluators = append(s.evaluators, e)
	return s
}

// Expire adds an expiry pass.
func (s *Sweeper) Expire(e Expirer) *Sweeper {
	s.expirers = append(s.expirers, e)
	return s
}

// Tick runs one full pass at now and returns the joined errors of every
// failed step. Later steps still run when an earlier one fails.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) error {
	var errs []error
	for _, e := range s.expirers {
		n, err := e.Expire(ctx, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			s.logger.Info("sweep expired rows", "count", n)
		}
	}

	tracks, err := s.tracks.ListTracks(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, t := range tracks {
		for _, e := range s.evaluators {
			if err := e.Evaluate(ctx, t.ID, t.CurrentPrice); err != nil {
				errs = append(errs, err)
			}
		}
	}

	err = errors.Join(errs...)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SweepRuns.WithLabelValues(result).Inc()
	return err
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("sweep disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweep started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep stopped")
			return
		case now := <-ticker.C:
			if err := s.Tick(ctx, now.UTC()); err != nil {
				s.logger.Warn("sweep tick failed", "err", err)
			}
		}
	}
}
