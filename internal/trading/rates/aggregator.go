package rates

import (
	"context"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// CooldownFilter lets the position lifecycle veto symbol pairs that recently
// exhausted their single-leg retries.
type CooldownFilter interface {
	InCooldown(key core.PairKey) bool
}

// AggregatorConfig throttles the scan. Batching plus the inter-batch delay is
// the engine's backpressure against per-exchange rate limits.
type AggregatorConfig struct {
	BatchSize            int
	BatchDelay           time.Duration
	FundingIntervalHours int
	SpotBorrowRateHourly decimal.Decimal
}

// Aggregator fans out to per-exchange funding providers and generates
// all-pairs opportunities.
type Aggregator struct {
	providers map[string]core.FundingProvider
	universe  *SymbolUniverse
	cfg       AggregatorConfig
	logger    core.ILogger

	limiter *rate.Limiter
	filter  CooldownFilter
}

// NewAggregator creates an aggregator over the given providers.
func NewAggregator(providers map[string]core.FundingProvider, universe *SymbolUniverse, cfg AggregatorConfig, logger core.ILogger) *Aggregator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 1500 * time.Millisecond
	}
	if cfg.FundingIntervalHours <= 0 {
		cfg.FundingIntervalHours = 1
	}

	return &Aggregator{
		providers: providers,
		universe:  universe,
		cfg:       cfg,
		logger:    logger.WithField("component", "rate_aggregator"),
		limiter:   rate.NewLimiter(rate.Every(cfg.BatchDelay), 1),
	}
}

// SetCooldownFilter installs the scanner-side cooldown veto.
func (a *Aggregator) SetCooldownFilter(f CooldownFilter) {
	a.filter = f
}

// PeriodsPerYear returns the number of funding periods in a year.
func (a *Aggregator) PeriodsPerYear() decimal.Decimal {
	return decimal.NewFromInt(int64(24 * 365 / a.cfg.FundingIntervalHours))
}

// GetFundingRates fans out in parallel to every provider listing the symbol.
// Per-provider failures are logged and excluded; partial results are returned
// rather than aborting the call.
func (a *Aggregator) GetFundingRates(ctx context.Context, symbol string) []*core.FundingRate {
	exchanges := a.universe.ExchangesFor(symbol)
	if len(exchanges) == 0 {
		return nil
	}

	var mu sync.Mutex
	var results []*core.FundingRate

	g, gctx := errgroup.WithContext(ctx)
	for name, venueSymbol := range exchanges {
		provider, ok := a.providers[name]
		if !ok {
			continue
		}
		name, venueSymbol := name, venueSymbol
		g.Go(func() error {
			fr, err := provider.GetFundingData(gctx, symbol, venueSymbol)
			if err != nil {
				a.logger.Debug("Funding fetch failed", "exchange", name, "symbol", symbol, "error", err)
				return nil // partial results by design
			}
			mu.Lock()
			results = append(results, fr)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// FindArbitrageOpportunities scans the symbol list in fixed-size batches with
// a fixed delay between batches. Every ordered exchange pair whose spread
// meets minSpread becomes one opportunity, so downstream allocation can react
// to per-exchange capital availability. Output is sorted by annualized
// expected return, descending.
func (a *Aggregator) FindArbitrageOpportunities(ctx context.Context, symbols []string, minSpread decimal.Decimal) ([]core.Opportunity, error) {
	var opportunities []core.Opportunity

	for start := 0; start < len(symbols); start += a.cfg.BatchSize {
		// the limiter's stored token makes the first wait immediate and every
		// later one pay the full inter-batch delay
		if err := a.limiter.Wait(ctx); err != nil {
			return opportunities, err
		}

		end := start + a.cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		for _, symbol := range symbols[start:end] {
			rates := a.GetFundingRates(ctx, symbol)
			opportunities = append(opportunities, a.expandPairs(symbol, rates, minSpread)...)
		}
	}

	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].ExpectedAPR.GreaterThan(opportunities[j].ExpectedAPR)
	})

	m := telemetry.GetGlobalMetrics()
	telemetry.AddCounter(m.OpportunitiesFound, int64(len(opportunities)))
	if len(opportunities) > 0 {
		best := opportunities[0]
		apr, _ := best.ExpectedAPR.Float64()
		m.SetBestSpreadAPR(best.Symbol, apr)
	}

	return opportunities, nil
}

// expandPairs generates an opportunity for every ordered (long, short)
// exchange pair meeting minSpread. A pair can only clear the threshold in one
// direction for a positive minSpread.
func (a *Aggregator) expandPairs(symbol string, rates []*core.FundingRate, minSpread decimal.Decimal) []core.Opportunity {
	var out []core.Opportunity
	now := time.Now()
	periods := a.PeriodsPerYear()

	for _, long := range rates {
		for _, short := range rates {
			if long.Exchange == short.Exchange {
				continue
			}
			spread := short.Rate.Sub(long.Rate)
			if spread.LessThan(minSpread) {
				continue
			}
			if a.filter != nil && a.filter.InCooldown(core.NewPairKey(symbol, long.Exchange, short.Exchange)) {
				continue
			}
			out = append(out, core.Opportunity{
				Symbol:         symbol,
				Strategy:       core.StrategyPerpPerp,
				LongExchange:   long.Exchange,
				ShortExchange:  short.Exchange,
				LongRate:       long.Rate,
				ShortRate:      short.Rate,
				Spread:         spread,
				ExpectedAPR:    spread.Mul(periods),
				LongOI:         long.OpenInterest,
				ShortOI:        short.OpenInterest,
				LongVolume24h:  long.Volume24h,
				ShortVolume24h: short.Volume24h,
				Timestamp:      now,
			})
		}
	}
	return out
}

// FindPerpSpotOpportunities scans for perp-spot carry. Positive funding means
// long spot / short perp with no borrow; negative funding means long perp /
// short spot, netting the configured spot borrow cost.
func (a *Aggregator) FindPerpSpotOpportunities(ctx context.Context, symbols []string, spotExchange string, minSpread decimal.Decimal) ([]core.Opportunity, error) {
	var opportunities []core.Opportunity
	now := time.Now()
	periods := a.PeriodsPerYear()

	for start := 0; start < len(symbols); start += a.cfg.BatchSize {
		if err := a.limiter.Wait(ctx); err != nil {
			return opportunities, err
		}

		end := start + a.cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		for _, symbol := range symbols[start:end] {
			for _, fr := range a.GetFundingRates(ctx, symbol) {
				if fr.Exchange == spotExchange {
					continue
				}

				spread := fr.Rate.Abs()
				opp := core.Opportunity{
					Symbol:       symbol,
					Strategy:     core.StrategyPerpSpot,
					SpotExchange: spotExchange,
					Timestamp:    now,
				}

				if fr.Rate.Sign() >= 0 {
					// shorts collect funding: short perp, long spot
					opp.LongExchange = spotExchange
					opp.ShortExchange = fr.Exchange
					opp.ShortRate = fr.Rate
				} else {
					// longs collect funding: long perp, short (borrowed) spot
					opp.LongExchange = fr.Exchange
					opp.ShortExchange = spotExchange
					opp.LongRate = fr.Rate
					spread = spread.Sub(a.cfg.SpotBorrowRateHourly.Mul(decimal.NewFromInt(int64(a.cfg.FundingIntervalHours))))
				}

				if spread.LessThan(minSpread) {
					continue
				}
				opp.Spread = spread
				opp.ExpectedAPR = spread.Mul(periods)
				opp.LongOI = fr.OpenInterest
				opp.ShortOI = fr.OpenInterest
				opp.LongVolume24h = fr.Volume24h
				opp.ShortVolume24h = fr.Volume24h
				opportunities = append(opportunities, opp)
			}
		}
	}

	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].ExpectedAPR.GreaterThan(opportunities[j].ExpectedAPR)
	})
	return opportunities, nil
}
