// Package plan turns an opportunity plus live market state into a concrete
// two-leg order plan, or a typed rejection. Every gate is deterministic in
// its inputs and business rejections are returned, never panicked.
package plan

import (
	"context"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/costs"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the sizing and gating parameters.
type Config struct {
	BalanceUsagePercent        decimal.Decimal
	Leverage                   decimal.Decimal
	MaxPositionSizeUSD         decimal.Decimal // zero means uncapped
	MinPositionSizeUSD         decimal.Decimal
	MinOpenInterestUSD         decimal.Decimal
	MaxPositionToVolumePercent decimal.Decimal // position may be at most this % of 24h volume
	MaxBreakEvenHours          decimal.Decimal
	ExpectedHoldHours          decimal.Decimal // horizon round-trip costs are amortized over
	FundingIntervalHours       int
	// MarkPricedVenues lists exchanges whose limit fills are most reliable
	// near mark; their legs are priced at mark instead of the touch.
	MarkPricedVenues map[string]bool
}

// Balances carries the free capital on each leg's venue.
type Balances struct {
	Long  decimal.Decimal
	Short decimal.Decimal
}

// Overrides optionally replaces fetched values. Zero fields are ignored.
type Overrides struct {
	LongMarkPrice      decimal.Decimal
	ShortMarkPrice     decimal.Decimal
	MaxPositionSizeUSD decimal.Decimal
	Leverage           decimal.Decimal
}

// Builder builds execution plans against a set of exchange adapters.
type Builder struct {
	adapters map[string]core.Exchange
	fees     *costs.FeeSchedule
	cfg      Config
	logger   core.ILogger
}

// NewBuilder creates a plan builder.
func NewBuilder(adapters map[string]core.Exchange, fees *costs.FeeSchedule, cfg Config, logger core.ILogger) *Builder {
	if cfg.BalanceUsagePercent.IsZero() {
		cfg.BalanceUsagePercent = decimal.NewFromFloat(0.9)
	}
	if cfg.Leverage.IsZero() {
		cfg.Leverage = decimal.NewFromInt(1)
	}
	if cfg.MaxPositionToVolumePercent.IsZero() {
		cfg.MaxPositionToVolumePercent = decimal.NewFromInt(1)
	}
	if cfg.MaxBreakEvenHours.IsZero() {
		cfg.MaxBreakEvenHours = decimal.NewFromInt(24 * 7)
	}
	if cfg.ExpectedHoldHours.IsZero() {
		cfg.ExpectedHoldHours = decimal.NewFromInt(24)
	}
	if cfg.FundingIntervalHours <= 0 {
		cfg.FundingIntervalHours = 1
	}
	return &Builder{
		adapters: adapters,
		fees:     fees,
		cfg:      cfg,
		logger:   logger.WithField("component", "plan_builder"),
	}
}

var (
	oiCapFraction = decimal.NewFromFloat(0.05)
	hundred       = decimal.NewFromInt(100)
	// estimatedHalfSpread approximates the book spread when no top-of-book
	// capability is available: mark +/- 5 bps.
	estimatedHalfSpread = decimal.NewFromFloat(0.0005)
)

// Build runs the gate sequence and returns a plan or a typed rejection.
func (b *Builder) Build(ctx context.Context, opp core.Opportunity, balances Balances, ov *Overrides) (*core.ExecutionPlan, error) {
	p, err := b.build(ctx, opp, balances, ov)
	m := telemetry.GetGlobalMetrics()
	if err != nil {
		telemetry.AddCounter(m.PlansRejected, 1)
		return nil, err
	}
	telemetry.AddCounter(m.PlansBuilt, 1)
	return p, nil
}

func (b *Builder) build(ctx context.Context, opp core.Opportunity, balances Balances, ov *Overrides) (*core.ExecutionPlan, error) {
	if ov == nil {
		ov = &Overrides{}
	}

	// 1. resolve adapters
	longEx, ok := b.adapters[opp.LongExchange]
	if !ok {
		return nil, apperrors.NewExchangeError(opp.LongExchange, "no adapter for long leg", nil)
	}
	shortEx, ok := b.adapters[opp.ShortExchange]
	if !ok {
		return nil, apperrors.NewExchangeError(opp.ShortExchange, "no adapter for short leg", nil)
	}

	// 2. resolve mark prices
	longMark, err := b.markPrice(ctx, longEx, opp.Symbol, ov.LongMarkPrice)
	if err != nil {
		return nil, err
	}
	shortMark, err := b.markPrice(ctx, shortEx, opp.Symbol, ov.ShortMarkPrice)
	if err != nil {
		return nil, err
	}

	// 3. position size from the scarcer side's capital
	leverage := b.cfg.Leverage
	if !ov.Leverage.IsZero() {
		leverage = ov.Leverage
	}
	maxSize := b.cfg.MaxPositionSizeUSD
	if !ov.MaxPositionSizeUSD.IsZero() {
		maxSize = ov.MaxPositionSizeUSD
	}

	availableCapital := decimal.Min(balances.Long, balances.Short)
	size := availableCapital.Mul(b.cfg.BalanceUsagePercent).Mul(leverage)
	if !maxSize.IsZero() && size.GreaterThan(maxSize) {
		size = maxSize
	}
	if size.LessThan(b.cfg.MinPositionSizeUSD) {
		return nil, apperrors.NewInsufficientBalanceError(b.cfg.MinPositionSizeUSD, size, "USD")
	}

	// 4. open-interest gates
	if opp.LongOI.Sign() <= 0 || opp.ShortOI.Sign() <= 0 {
		return nil, apperrors.NewValidationError(apperrors.CodeMissingOpenInterest,
			"open interest missing on at least one leg", map[string]interface{}{
				"symbol": opp.Symbol, "long_oi": opp.LongOI.String(), "short_oi": opp.ShortOI.String(),
			})
	}
	minOI := decimal.Min(opp.LongOI, opp.ShortOI)
	if minOI.LessThan(b.cfg.MinOpenInterestUSD) {
		return nil, apperrors.NewValidationError(apperrors.CodeInsufficientOI,
			"open interest below configured floor", map[string]interface{}{
				"symbol": opp.Symbol, "min_oi": minOI.String(), "floor": b.cfg.MinOpenInterestUSD.String(),
			})
	}
	if oiCap := minOI.Mul(oiCapFraction); size.GreaterThan(oiCap) {
		size = oiCap
	}

	// 5. dynamic volume gate: required 24h volume scales with intended size
	minVolume := decimal.Min(opp.LongVolume24h, opp.ShortVolume24h)
	if minVolume.Sign() <= 0 {
		return nil, apperrors.NewValidationError(apperrors.CodeMissingVolumeData,
			"no 24h volume data", map[string]interface{}{"symbol": opp.Symbol})
	}
	volumeCap := minVolume.Mul(b.cfg.MaxPositionToVolumePercent).Div(hundred)
	if volumeCap.LessThan(b.cfg.MinPositionSizeUSD) {
		return nil, apperrors.NewValidationError(apperrors.CodeInsufficientVolume,
			"24h volume cannot support even the minimum position", map[string]interface{}{
				"symbol": opp.Symbol, "volume": minVolume.String(),
				"required": b.cfg.MinPositionSizeUSD.Mul(hundred).Div(b.cfg.MaxPositionToVolumePercent).String(),
			})
	}
	if size.GreaterThan(volumeCap) {
		size = volumeCap
	}

	// 6. top of book and entry costs
	longBook := b.bestBidAsk(ctx, longEx, opp.Symbol, longMark)
	shortBook := b.bestBidAsk(ctx, shortEx, opp.Symbol, shortMark)

	longMaker := b.cfg.MarkPricedVenues[opp.LongExchange]
	shortMaker := b.cfg.MarkPricedVenues[opp.ShortExchange]

	slippage := costs.SlippageCost(size, longBook.Bid, longBook.Ask, opp.LongOI, longMaker).
		Add(costs.SlippageCost(size, shortBook.Bid, shortBook.Ask, opp.ShortOI, shortMaker))

	entryFees := b.fees.Fee(size, opp.LongExchange, longMaker).
		Add(b.fees.Fee(size, opp.ShortExchange, shortMaker))
	exitFees := b.fees.Fee(size, opp.LongExchange, false).
		Add(b.fees.Fee(size, opp.ShortExchange, false))
	totalCost := entryFees.Add(exitFees).Add(slippage)

	// 7. funding-impact-adjusted spread, used only when material
	spread := opp.Spread
	if adjusted, material := costs.AdjustedSpread(spread, size, opp.LongOI, opp.ShortOI, opp.LongRate, opp.ShortRate); material {
		spread = adjusted
	}

	// 8. profitability gate, with an accept-and-wait path for finite
	// break-even within the configured horizon
	interval := decimal.NewFromInt(int64(b.cfg.FundingIntervalHours))
	grossPerPeriod := spread.Mul(size)
	periodsPerHold := b.cfg.ExpectedHoldHours.Div(interval)
	netPerPeriod := grossPerPeriod.Sub(totalCost.Div(periodsPerHold))

	breakEven, finite := costs.BreakEvenHours(totalCost, grossPerPeriod.Div(interval))
	if netPerPeriod.Sign() <= 0 {
		acceptAndWait := finite &&
			breakEven.LessThanOrEqual(b.cfg.MaxBreakEvenHours) &&
			grossPerPeriod.Sign() > 0
		if !acceptAndWait {
			return nil, apperrors.NewValidationError(apperrors.CodeUnprofitable,
				"expected return does not cover round-trip costs", map[string]interface{}{
					"symbol":       opp.Symbol,
					"net_return":   netPerPeriod.String(),
					"total_cost":   totalCost.String(),
					"break_even_h": breakEven.String(),
				})
		}
	}

	// 9. price the legs; never improve beyond the book
	longPrice := longBook.Ask
	if longMaker {
		longPrice = decimal.Min(longMark, longBook.Ask)
	}
	shortPrice := shortBook.Bid
	if shortMaker {
		shortPrice = decimal.Max(shortMark, shortBook.Bid)
	}

	now := time.Now()
	return &core.ExecutionPlan{
		Opportunity:     opp,
		PositionSizeUSD: size,
		LongOrder: core.OrderIntent{
			Exchange:      opp.LongExchange,
			Symbol:        opp.Symbol,
			Side:          core.SideBuy,
			Type:          core.OrderTypeLimit,
			Price:         longPrice,
			Quantity:      size.Div(longPrice),
			NotionalUSD:   size,
			ClientOrderID: uuid.NewString(),
		},
		ShortOrder: core.OrderIntent{
			Exchange:      opp.ShortExchange,
			Symbol:        opp.Symbol,
			Side:          core.SideSell,
			Type:          core.OrderTypeLimit,
			Price:         shortPrice,
			Quantity:      size.Div(shortPrice),
			NotionalUSD:   size,
			ClientOrderID: uuid.NewString(),
		},
		EstimatedCosts: core.CostBreakdown{
			Fees:     entryFees.Add(exitFees),
			Slippage: slippage,
			Total:    totalCost,
		},
		ExpectedNetReturn: netPerPeriod,
		CreatedAt:         now,
	}, nil
}

func (b *Builder) markPrice(ctx context.Context, ex core.Exchange, symbol string, override decimal.Decimal) (decimal.Decimal, error) {
	if !override.IsZero() {
		return override, nil
	}
	price, err := ex.GetMarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, apperrors.NewExchangeError(ex.GetName(), "mark price fetch failed", err)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, apperrors.NewExchangeError(ex.GetName(), "mark price not positive", nil)
	}
	return price, nil
}

// bestBidAsk uses the adapter's top-of-book capability when it declares one,
// falling back to an estimated spread around mark.
func (b *Builder) bestBidAsk(ctx context.Context, ex core.Exchange, symbol string, mark decimal.Decimal) core.BidAsk {
	if provider, ok := ex.(core.BestBidAskProvider); ok {
		if book, err := provider.GetBestBidAsk(ctx, symbol); err == nil && book.Bid.Sign() > 0 && book.Ask.Sign() > 0 {
			return *book
		} else if err != nil {
			b.logger.Debug("Top-of-book fetch failed, estimating from mark", "exchange", ex.GetName(), "symbol", symbol, "error", err)
		}
	}
	half := mark.Mul(estimatedHalfSpread)
	return core.BidAsk{Bid: mark.Sub(half), Ask: mark.Add(half)}
}
