package limits

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var track = model.Track{ID: "t1", TotalSupply: d(1000), AvailableSupply: d(1000)}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(0.25), d(5000))

	if err := limiter.CheckLimit(track, d(0), d(100), d(10)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ShareExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(0.25), decimal.Zero)

	// Existing 200 + new 60 = 260 > 250.
	err := limiter.CheckLimit(track, d(200), d(60), d(1))
	if err != ErrShareOfSupplyExceeded {
		t.Errorf("expected ErrShareOfSupplyExceeded, got %v", err)
	}
}

func TestCheckLimit_ShareAtBoundary(t *testing.T) {
	limiter := NewPositionLimiter(d(0.25), decimal.Zero)

	if err := limiter.CheckLimit(track, d(200), d(50), d(1)); err != nil {
		t.Errorf("exactly 25%% should be allowed, got %v", err)
	}
}

func TestCheckLimit_ValueExceeded(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, d(1000))

	err := limiter.CheckLimit(track, d(50), d(51), d(10))
	if err != ErrPositionValueExceeded {
		t.Errorf("expected ErrPositionValueExceeded, got %v", err)
	}
}

func TestNewPositionLimiter_DisabledIsNil(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)
	if limiter != nil {
		t.Fatal("expected nil limiter when both limits are zero")
	}
	if err := limiter.CheckLimit(track, d(1000), d(1000), d(1000)); err != nil {
		t.Errorf("nil limiter must allow, got %v", err)
	}
}
