package plan_test

import (
	"context"
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/logging"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/costs"
	"funding_arb/internal/trading/plan"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newTestOpportunity() core.Opportunity {
	return core.Opportunity{
		Symbol:         "BTCUSDT",
		Strategy:       core.StrategyPerpPerp,
		LongExchange:   "alpha",
		ShortExchange:  "beta",
		LongRate:       d(0.0001),
		ShortRate:      d(0.0031),
		Spread:         d(0.003),
		LongOI:         d(100000),
		ShortOI:        d(100000),
		LongVolume24h:  d(1000000),
		ShortVolume24h: d(1000000),
	}
}

func newTestBuilder(t *testing.T, cfg plan.Config) (*plan.Builder, *mock.Exchange, *mock.Exchange) {
	t.Helper()
	alpha := mock.NewExchange("alpha")
	beta := mock.NewExchange("beta")
	alpha.SetMarkPrice("BTCUSDT", d(100))
	beta.SetMarkPrice("BTCUSDT", d(100))
	alpha.SetBook("BTCUSDT", d(99.95), d(100.05))
	beta.SetBook("BTCUSDT", d(99.95), d(100.05))
	adapters := map[string]core.Exchange{"alpha": alpha, "beta": beta}
	b := plan.NewBuilder(adapters, costs.NewFeeSchedule(nil), cfg, logging.NewNop())
	return b, alpha, beta
}

func baseConfig() plan.Config {
	return plan.Config{
		BalanceUsagePercent: d(0.9),
		Leverage:            d(2),
		MinPositionSizeUSD:  d(5),
	}
}

func TestBuildSizesFromScarcerBalance(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())

	p, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(10)}, nil)
	require.NoError(t, err)

	// min(10, 10) * 0.9 * 2
	assert.True(t, p.PositionSizeUSD.Equal(decimal.NewFromInt(18)),
		"got %s", p.PositionSizeUSD)
	assert.Equal(t, core.SideBuy, p.LongOrder.Side)
	assert.Equal(t, core.SideSell, p.ShortOrder.Side)
	assert.Equal(t, core.OrderTypeLimit, p.LongOrder.Type)
	assert.True(t, p.LongOrder.Quantity.Equal(p.PositionSizeUSD.Div(p.LongOrder.Price)))
	assert.NotEmpty(t, p.LongOrder.ClientOrderID)
	assert.NotEqual(t, p.LongOrder.ClientOrderID, p.ShortOrder.ClientOrderID)
}

func TestBuildUnevenBalancesUseMinimum(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())

	p, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(50)}, nil)
	require.NoError(t, err)
	assert.True(t, p.PositionSizeUSD.Equal(decimal.NewFromInt(18)))
}

func TestBuildRejectsBelowMinimumSize(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())

	_, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(1), Short: d(1)}, nil)

	var insufficient *apperrors.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(d(5)))
	assert.True(t, insufficient.Available.Equal(d(1.8)))
}

func TestBuildRejectsMissingOpenInterest(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())
	opp := newTestOpportunity()
	opp.LongOI = decimal.Zero

	_, err := b.Build(context.Background(), opp,
		plan.Balances{Long: d(10), Short: d(10)}, nil)

	var v *apperrors.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, apperrors.CodeMissingOpenInterest, v.Code)
}

func TestBuildRejectsOpenInterestBelowFloor(t *testing.T) {
	cfg := baseConfig()
	cfg.MinOpenInterestUSD = d(500000)
	b, _, _ := newTestBuilder(t, cfg)

	_, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(10)}, nil)

	var v *apperrors.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, apperrors.CodeInsufficientOI, v.Code)
}

func TestBuildCapsSizeToOpenInterestShare(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())
	opp := newTestOpportunity()
	opp.ShortRate = d(0.0101)
	opp.Spread = d(0.01)
	opp.LongOI = d(200)
	opp.ShortOI = d(400)

	p, err := b.Build(context.Background(), opp,
		plan.Balances{Long: d(10), Short: d(10)}, nil)
	require.NoError(t, err)

	// capped at 5% of the smaller side's open interest
	assert.True(t, p.PositionSizeUSD.Equal(decimal.NewFromInt(10)),
		"got %s", p.PositionSizeUSD)
}

func TestBuildRejectsMissingVolume(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())
	opp := newTestOpportunity()
	opp.LongVolume24h = decimal.Zero
	opp.ShortVolume24h = decimal.Zero

	_, err := b.Build(context.Background(), opp,
		plan.Balances{Long: d(10), Short: d(10)}, nil)

	var v *apperrors.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, apperrors.CodeMissingVolumeData, v.Code)
}

func TestBuildRejectsInsufficientVolume(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())
	opp := newTestOpportunity()
	opp.LongVolume24h = d(100)
	opp.ShortVolume24h = d(100)

	_, err := b.Build(context.Background(), opp,
		plan.Balances{Long: d(10), Short: d(10)}, nil)

	var v *apperrors.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, apperrors.CodeInsufficientVolume, v.Code)
}

func TestBuildCapsSizeToVolumeShare(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())
	opp := newTestOpportunity()
	opp.LongVolume24h = d(1000)
	opp.ShortVolume24h = d(5000)

	p, err := b.Build(context.Background(), opp,
		plan.Balances{Long: d(10), Short: d(10)}, nil)
	require.NoError(t, err)

	// default 1% of the smaller side's 24h volume
	assert.True(t, p.PositionSizeUSD.Equal(decimal.NewFromInt(10)),
		"got %s", p.PositionSizeUSD)
}

func TestBuildMaxSizeCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPositionSizeUSD = d(12)
	b, _, _ := newTestBuilder(t, cfg)

	p, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(10)}, nil)
	require.NoError(t, err)
	assert.True(t, p.PositionSizeUSD.Equal(decimal.NewFromInt(12)))
}

func TestBuildRejectsUnprofitableSpread(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())
	opp := newTestOpportunity()
	opp.Spread = d(0.000001)

	_, err := b.Build(context.Background(), opp,
		plan.Balances{Long: d(10), Short: d(10)}, nil)

	var v *apperrors.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, apperrors.CodeUnprofitable, v.Code)
}

func TestBuildAcceptsNegativeNetWithFiniteBreakEven(t *testing.T) {
	// Net per period is negative once costs are amortized over the expected
	// hold, but the position breaks even well inside the configured horizon.
	b, _, _ := newTestBuilder(t, baseConfig())
	opp := newTestOpportunity()
	opp.Spread = d(0.0001)

	p, err := b.Build(context.Background(), opp,
		plan.Balances{Long: d(10), Short: d(10)}, nil)
	require.NoError(t, err)
	assert.True(t, p.ExpectedNetReturn.Sign() < 0)
}

func TestBuildPricesMarkVenueAtMark(t *testing.T) {
	cfg := baseConfig()
	cfg.MarkPricedVenues = map[string]bool{"alpha": true}
	b, _, _ := newTestBuilder(t, cfg)

	p, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(10)}, nil)
	require.NoError(t, err)

	assert.True(t, p.LongOrder.Price.Equal(d(100)), "got %s", p.LongOrder.Price)
	// non-mark venue sells at the bid
	assert.True(t, p.ShortOrder.Price.Equal(d(99.95)), "got %s", p.ShortOrder.Price)
}

func TestBuildNeverPricesBeyondTheBook(t *testing.T) {
	cfg := baseConfig()
	cfg.MarkPricedVenues = map[string]bool{"alpha": true, "beta": true}
	b, alpha, beta := newTestBuilder(t, cfg)
	alpha.SetMarkPrice("BTCUSDT", d(100.10)) // mark above the ask
	beta.SetMarkPrice("BTCUSDT", d(99.90))   // mark below the bid

	p, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(10)}, nil)
	require.NoError(t, err)

	assert.True(t, p.LongOrder.Price.Equal(d(100.05)), "buy capped at ask, got %s", p.LongOrder.Price)
	assert.True(t, p.ShortOrder.Price.Equal(d(99.95)), "sell floored at bid, got %s", p.ShortOrder.Price)
}

func TestBuildFallsBackToEstimatedBook(t *testing.T) {
	// exchanges with no book set, so the builder estimates from mark
	alpha := mock.NewExchange("alpha")
	beta := mock.NewExchange("beta")
	alpha.SetMarkPrice("BTCUSDT", d(100))
	beta.SetMarkPrice("BTCUSDT", d(100))
	adapters := map[string]core.Exchange{"alpha": alpha, "beta": beta}
	b := plan.NewBuilder(adapters, costs.NewFeeSchedule(nil), baseConfig(), logging.NewNop())

	p, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(10)}, nil)
	require.NoError(t, err)

	// estimated ask is mark plus five basis points
	assert.True(t, p.LongOrder.Price.Equal(d(100.05)), "got %s", p.LongOrder.Price)
	assert.True(t, p.ShortOrder.Price.Equal(d(99.95)), "got %s", p.ShortOrder.Price)
}

func TestBuildFailsWhenMarkPriceUnavailable(t *testing.T) {
	b, alpha, _ := newTestBuilder(t, baseConfig())
	alpha.FailMarkPrice(assert.AnError)

	_, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(10)}, nil)

	var ex *apperrors.ExchangeError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "alpha", ex.Exchange)
}

func TestBuildOverridesReplaceFetchedValues(t *testing.T) {
	b, _, _ := newTestBuilder(t, baseConfig())

	p, err := b.Build(context.Background(), newTestOpportunity(),
		plan.Balances{Long: d(10), Short: d(10)},
		&plan.Overrides{MaxPositionSizeUSD: d(7), Leverage: d(1)})
	require.NoError(t, err)

	// min(10,10) * 0.9 * 1 = 9, capped by the override at 7
	assert.True(t, p.PositionSizeUSD.Equal(decimal.NewFromInt(7)),
		"got %s", p.PositionSizeUSD)
}
