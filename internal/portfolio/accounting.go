// Package portfolio implements side-effect-free cost-basis and valuation
// math for token holdings.
//
// Derived values (current value, unrealized P&L) are recomputed on every
// read from the holding and the live track price; they are never stored as
// the source of truth.
package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// PercentScale is the number of decimal places kept for percentages.
var PercentScale int32 = 4

// CurrentValue returns amount × currentPrice.
func CurrentValue(h model.Holding, currentPrice decimal.Decimal) decimal.Decimal {
	return h.Amount.Mul(currentPrice)
}

// UnrealizedPnL returns CurrentValue − totalInvested.
func UnrealizedPnL(h model.Holding, currentPrice decimal.Decimal) decimal.Decimal {
	return CurrentValue(h, currentPrice).Sub(h.TotalInvested)
}

// UnrealizedPnLPercent returns UnrealizedPnL / totalInvested × 100, or zero
// when nothing is invested.
func UnrealizedPnLPercent(h model.Holding, currentPrice decimal.Decimal) decimal.Decimal {
	return percent(UnrealizedPnL(h, currentPrice), h.TotalInvested)
}

// WeightedAverage blends an existing position with a new fill:
//
//	(oldAmount × oldAvg + amount × price) / (oldAmount + amount)
//
// When the combined amount is zero the fill price is returned.
func WeightedAverage(oldAmount, oldAvg, amount, price decimal.Decimal) decimal.Decimal {
	total := oldAmount.Add(amount)
	if total.IsZero() {
		return price
	}
	return oldAmount.Mul(oldAvg).Add(amount.Mul(price)).Div(total)
}

// ApplyBuy returns the holding after buying amount tokens at price. A zero
// holding (new position) is accepted.
func ApplyBuy(h model.Holding, amount, price decimal.Decimal) model.Holding {
	cost := amount.Mul(price)
	if h.Amount.IsZero() {
		h.Amount = amount
		h.AvgBuyPrice = price
		h.TotalInvested = cost
		return h
	}
	h.AvgBuyPrice = WeightedAverage(h.Amount, h.AvgBuyPrice, amount, price)
	h.Amount = h.Amount.Add(amount)
	h.TotalInvested = h.TotalInvested.Add(cost)
	return h
}

// ApplySell returns the holding after selling amount tokens. The average
// cost is unchanged; the invested total shrinks by amount × avg. The caller
// guarantees amount <= h.Amount.
func ApplySell(h model.Holding, amount decimal.Decimal) model.Holding {
	h.Amount = h.Amount.Sub(amount)
	if h.Amount.IsZero() {
		h.TotalInvested = decimal.Zero
		return h
	}
	h.TotalInvested = h.TotalInvested.Sub(amount.Mul(h.AvgBuyPrice))
	return h
}

// RealizedPnL is the gain of selling amount tokens at price against the
// holding's average cost, net of fee.
func RealizedPnL(h model.Holding, amount, price, fee decimal.Decimal) decimal.Decimal {
	return amount.Mul(price.Sub(h.AvgBuyPrice)).Sub(fee)
}

// Value marks a holding to market.
func Value(h model.Holding, track model.Track) model.Position {
	return model.Position{
		Holding:              h,
		ISRC:                 track.ISRC,
		Title:                track.Title,
		CurrentPrice:         track.CurrentPrice,
		CurrentValue:         CurrentValue(h, track.CurrentPrice),
		UnrealizedPnL:        UnrealizedPnL(h, track.CurrentPrice),
		UnrealizedPnLPercent: UnrealizedPnLPercent(h, track.CurrentPrice),
	}
}

// Summarize aggregates positions into a portfolio.
func Summarize(userID string, cash decimal.Decimal, positions []model.Position) model.Portfolio {
	p := model.Portfolio{
		UserID:      userID,
		CashBalance: cash,
		Positions:   positions,
	}
	if p.Positions == nil {
		p.Positions = []model.Position{}
	}
	for _, pos := range positions {
		p.TotalInvested = p.TotalInvested.Add(pos.TotalInvested)
		p.TotalValue = p.TotalValue.Add(pos.CurrentValue)
	}
	p.TotalPnL = p.TotalValue.Sub(p.TotalInvested)
	p.TotalPnLPercent = percent(p.TotalPnL, p.TotalInvested)
	return p
}

func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(PercentScale)
}
