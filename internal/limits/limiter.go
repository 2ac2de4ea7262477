// Package limits enforces per-user concentration limits on track holdings.
//
// A single investor holding most of a track's supply distorts the market
// for everyone else, so a holding may be capped both as a share of the
// track's total supply and as an absolute value at the execution price.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/model"
)

var (
	// ErrShareOfSupplyExceeded is returned when a buy would push one user's
	// holding beyond the allowed fraction of the track's total supply.
	ErrShareOfSupplyExceeded = errors.New("limits: share of supply exceeded")

	// ErrPositionValueExceeded is returned when a buy would push the value
	// of one holding, at the execution price, beyond the maximum.
	ErrPositionValueExceeded = errors.New("limits: position value exceeded")
)

// PositionLimiter caps holdings. A zero limit disables that check.
type PositionLimiter struct {
	// MaxShareOfSupply is the largest fraction (0..1] of TotalSupply one
	// user may hold in a track.
	MaxShareOfSupply decimal.Decimal

	// MaxPositionValue is the largest amount × price of a single holding.
	MaxPositionValue decimal.Decimal
}

// NewPositionLimiter creates a limiter. It returns nil when both limits are
// disabled; a nil limiter allows everything.
func NewPositionLimiter(maxShare, maxValue decimal.Decimal) *PositionLimiter {
	if !maxShare.IsPositive() && !maxValue.IsPositive() {
		return nil
	}
	return &PositionLimiter{MaxShareOfSupply: maxShare, MaxPositionValue: maxValue}
}

// CheckLimit validates buying delta more tokens of track at price on top of
// an existing holding of held tokens.
func (l *PositionLimiter) CheckLimit(track model.Track, held, delta, price decimal.Decimal) error {
	if l == nil {
		return nil
	}
	next := held.Add(delta)

	// 1. Concentration against total supply.
	if l.MaxShareOfSupply.IsPositive() && track.TotalSupply.IsPositive() {
		ceiling := track.TotalSupply.Mul(l.MaxShareOfSupply)
		if next.GreaterThan(ceiling) {
			return ErrShareOfSupplyExceeded
		}
	}

	// 2. Absolute exposure at the fill price.
	if l.MaxPositionValue.IsPositive() && next.Mul(price).GreaterThan(l.MaxPositionValue) {
		return ErrPositionValueExceeded
	}

	return nil
}
