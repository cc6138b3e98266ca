// Package costs implements the pure cost model: trading fees, order-book
// slippage, funding-rate market impact and break-even time. No I/O, no shared
// state; every function is deterministic in its inputs.
package costs

import (
	"github.com/shopspring/decimal"
)

// FeeSchedule is a per-exchange maker/taker fee table.
type FeeSchedule struct {
	rates map[string]FeeRate
	def   FeeRate
}

// FeeRate holds maker and taker rates as fractions (0.0002 = 2 bps).
type FeeRate struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// DefaultFeeRate is used for venues without an explicit schedule entry.
var DefaultFeeRate = FeeRate{
	Maker: decimal.NewFromFloat(0.0002),
	Taker: decimal.NewFromFloat(0.0005),
}

// NewFeeSchedule builds a schedule from per-exchange rates.
func NewFeeSchedule(rates map[string]FeeRate) *FeeSchedule {
	cp := make(map[string]FeeRate, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return &FeeSchedule{rates: cp, def: DefaultFeeRate}
}

// Rate returns the fee rate for an exchange, falling back to the default.
func (s *FeeSchedule) Rate(exchange string) FeeRate {
	if r, ok := s.rates[exchange]; ok {
		return r
	}
	return s.def
}

// Fee returns the fee cost in quote currency for trading the given notional.
func (s *FeeSchedule) Fee(notional decimal.Decimal, exchange string, isMaker bool) decimal.Decimal {
	r := s.Rate(exchange)
	if isMaker {
		return notional.Mul(r.Maker)
	}
	return notional.Mul(r.Taker)
}

// depthFraction limits how much of the visible liquidity proxy an order may
// consume before the quadratic impact term dominates.
var depthFraction = decimal.NewFromFloat(0.05)

// SlippageCost estimates execution slippage in quote currency.
//
// The model has two parts: half the quoted spread on the full notional, plus
// an impact term that grows with the square of the order's share of open
// interest. Returns zero for a zero notional and grows monotonically with it.
func SlippageCost(notional, bestBid, bestAsk, openInterest decimal.Decimal, isMaker bool) decimal.Decimal {
	if notional.Sign() <= 0 {
		return decimal.Zero
	}

	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	if mid.Sign() <= 0 {
		return decimal.Zero
	}

	// Maker orders rest in the book and pay no spread.
	spreadCost := decimal.Zero
	if !isMaker {
		halfSpreadFrac := bestAsk.Sub(bestBid).Div(mid).Div(decimal.NewFromInt(2))
		if halfSpreadFrac.Sign() < 0 {
			halfSpreadFrac = decimal.Zero
		}
		spreadCost = notional.Mul(halfSpreadFrac)
	}

	if openInterest.Sign() <= 0 {
		return spreadCost
	}

	share := notional.Div(openInterest)
	impactFrac := share.Mul(share).Div(depthFraction)
	return spreadCost.Add(notional.Mul(impactFrac))
}

// FundingImpact estimates how much the position itself would push the funding
// rate toward neutral. A position equal to the full open interest cancels the
// rate entirely; smaller positions scale linearly.
func FundingImpact(notional, openInterest, rate decimal.Decimal) decimal.Decimal {
	if notional.Sign() <= 0 || openInterest.Sign() <= 0 {
		return decimal.Zero
	}

	share := notional.Div(openInterest)
	if share.GreaterThan(decimal.NewFromInt(1)) {
		share = decimal.NewFromInt(1)
	}
	return rate.Mul(share)
}

// AdjustedSpread applies the funding impact of both legs to a raw spread and
// reports whether the adjustment is material (impact above 1% of the raw
// spread). Callers use the adjusted value only when material.
func AdjustedSpread(rawSpread, notional, longOI, shortOI, longRate, shortRate decimal.Decimal) (decimal.Decimal, bool) {
	if rawSpread.Sign() == 0 {
		return rawSpread, false
	}

	// Our long pushes the long venue's rate up, our short pushes the short
	// venue's rate down; both shrink the spread.
	impact := FundingImpact(notional, shortOI, shortRate).Abs().
		Add(FundingImpact(notional, longOI, longRate).Abs())

	material := impact.GreaterThan(rawSpread.Abs().Mul(decimal.NewFromFloat(0.01)))

	var adjusted decimal.Decimal
	if rawSpread.Sign() > 0 {
		adjusted = rawSpread.Sub(impact)
		if adjusted.Sign() < 0 {
			adjusted = decimal.Zero
		}
	} else {
		adjusted = rawSpread.Add(impact)
		if adjusted.Sign() > 0 {
			adjusted = decimal.Zero
		}
	}
	return adjusted, material
}

// BreakEvenHours returns the hours needed for the expected hourly return to
// cover totalCost. The second return is false when the return per hour is
// zero or negative, meaning the position never breaks even.
func BreakEvenHours(totalCost, expectedReturnPerHour decimal.Decimal) (decimal.Decimal, bool) {
	if expectedReturnPerHour.Sign() <= 0 {
		return decimal.Zero, false
	}
	if totalCost.Sign() <= 0 {
		return decimal.Zero, true
	}
	return totalCost.Div(expectedReturnPerHour), true
}
