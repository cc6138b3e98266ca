// Package engine runs the scan-and-act cycle: recover orphan legs, discover
// opportunities, re-evaluate open pairs against the best candidate, and open
// the best new pair when capital and risk limits allow.
package engine

import (
	"context"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/risk"
	"funding_arb/internal/trading/evaluate"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/plan"
	"funding_arb/internal/trading/position"
	"funding_arb/internal/trading/rates"
	"funding_arb/internal/trading/twap"

	"github.com/shopspring/decimal"
)

// RateRecorder persists funding snapshots so the evaluator's history fills
// itself in over time.
type RateRecorder interface {
	RecordRate(ctx context.Context, rate *core.FundingRate) error
}

// PriceSource serves streamed mark prices, fresher than a REST round trip.
// Plans built with a streamed price skip the per-leg mark fetch.
type PriceSource interface {
	Latest(exchange, symbol string) (decimal.Decimal, bool)
}

// Config tunes the cycle cadence and candidate selection.
type Config struct {
	ScanInterval  time.Duration
	MinSpread     decimal.Decimal
	MaxCandidates int // plans built per cycle, from the top of the sorted scan
	MaxPairs      int // open paired positions cap, zero means unlimited
}

func (c *Config) applyDefaults() {
	if c.ScanInterval == 0 {
		c.ScanInterval = time.Minute
	}
	if c.MaxCandidates == 0 {
		c.MaxCandidates = 5
	}
}

// Deps are the collaborators the engine drives. Breaker, Recorder, Prices and
// Slicer are optional.
type Deps struct {
	Adapters   map[string]core.Exchange
	Universe   *rates.SymbolUniverse
	Aggregator *rates.Aggregator
	Builder    *plan.Builder
	Evaluator  *evaluate.Evaluator
	Executor   *execution.Executor
	Manager    *position.Manager
	Breaker    *risk.LossBreaker
	Recorder   RateRecorder
	Prices     PriceSource
	Slicer     *twap.Optimizer
}

// Engine owns the main loop. It holds no cross-cycle state of its own; all
// durable state lives in the manager, the lock service and the history store.
type Engine struct {
	deps   Deps
	cfg    Config
	logger core.ILogger
}

// New creates an engine.
func New(deps Deps, cfg Config, logger core.ILogger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logger.WithField("component", "engine"),
	}
}

// Run executes cycles at the configured interval until the context ends. The
// first cycle runs immediately.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if err := e.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Scan cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle performs one full pass. Errors from individual positions or
// candidates are logged and skipped; only a scan-wide failure is returned.
func (e *Engine) RunCycle(ctx context.Context) error {
	pairs, singles := e.deps.Manager.Snapshot(ctx)

	for _, leg := range singles {
		state, err := e.deps.Manager.HandleSingleLeg(ctx, leg)
		if err != nil {
			e.logger.Warn("Single-leg recovery failed",
				"symbol", leg.Symbol, "exchange", leg.Exchange, "state", state, "error", err)
			continue
		}
		e.logger.Info("Single leg handled",
			"symbol", leg.Symbol, "exchange", leg.Exchange, "state", state)
	}

	opportunities, err := e.deps.Aggregator.FindArbitrageOpportunities(
		ctx, e.deps.Universe.Symbols(), e.cfg.MinSpread)
	if err != nil {
		return err
	}
	e.recordRates(ctx, opportunities)

	best := e.bestCandidate(ctx, opportunities, pairs)

	pairs = e.reviewPairs(ctx, pairs, best)

	if best == nil {
		return nil
	}
	if e.cfg.MaxPairs > 0 && len(pairs) >= e.cfg.MaxPairs {
		e.logger.Debug("Pair limit reached, skipping entry", "open_pairs", len(pairs))
		return nil
	}
	if e.deps.Breaker != nil && !e.deps.Breaker.AllowEntry() {
		e.logger.Warn("Loss breaker open, skipping entry", "symbol", best.Opportunity.Symbol)
		return nil
	}
	e.openPair(ctx, best.Plan)
	return nil
}

// bestCandidate builds plans for the top of the sorted scan and picks the
// best surviving evaluation. Symbols with an open pair are not candidates for
// a fresh entry; they compete through the stickiness review instead.
func (e *Engine) bestCandidate(ctx context.Context, opportunities []core.Opportunity, pairs []core.PairedPosition) *evaluate.Evaluation {
	open := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		open[p.Symbol] = true
	}

	balances := e.balances(ctx)

	var evaluations []evaluate.Evaluation
	for _, opp := range opportunities {
		if len(evaluations) >= e.cfg.MaxCandidates {
			break
		}
		if open[opp.Symbol] {
			continue
		}
		p, err := e.deps.Builder.Build(ctx, opp, plan.Balances{
			Long:  balances[opp.LongExchange],
			Short: balances[opp.ShortExchange],
		}, e.priceOverrides(opp))
		if err != nil {
			e.logger.Debug("Plan rejected",
				"symbol", opp.Symbol, "long", opp.LongExchange, "short", opp.ShortExchange, "error", err)
			continue
		}
		evaluations = append(evaluations, e.deps.Evaluator.EvaluateWithHistory(ctx, opp, p))
	}
	return e.deps.Evaluator.SelectWorstCase(evaluations)
}

// reviewPairs applies the stickiness policy to every open pair and returns
// the pairs still open afterwards.
func (e *Engine) reviewPairs(ctx context.Context, pairs []core.PairedPosition, best *evaluate.Evaluation) []core.PairedPosition {
	kept := pairs[:0]
	for i := range pairs {
		pair := &pairs[i]
		liveSpread, ok := e.liveSpread(ctx, pair)
		if !ok {
			e.logger.Warn("Live spread unavailable, keeping pair", "symbol", pair.Symbol)
			kept = append(kept, *pair)
			continue
		}

		var candidate *position.ReplacementCandidate
		if best != nil && best.Plan != nil && best.Opportunity.Symbol != pair.Symbol {
			candidate = &position.ReplacementCandidate{
				Opportunity: best.Opportunity,
				SizeUSD:     best.Plan.PositionSizeUSD,
				EntryCost:   best.Plan.EstimatedCosts.Total,
			}
		}

		action, reason := e.deps.Manager.EvaluateStickiness(pair, liveSpread, candidate)
		switch action {
		case position.ActionClose:
			e.closePair(ctx, pair, reason)
		case position.ActionReplace:
			key := core.NewPairKey(pair.Symbol, pair.Long.Exchange, pair.Short.Exchange)
			if approve, why := e.deps.Evaluator.ShouldRebalance(key, best.Plan); approve {
				e.closePair(ctx, pair, reason+": "+why)
			} else {
				e.logger.Debug("Replacement vetoed", "symbol", pair.Symbol, "reason", why)
				kept = append(kept, *pair)
			}
		default:
			kept = append(kept, *pair)
		}
	}
	return kept
}

func (e *Engine) closePair(ctx context.Context, pair *core.PairedPosition, reason string) {
	e.logger.Info("Closing pair",
		"symbol", pair.Symbol,
		"long", pair.Long.Exchange, "short", pair.Short.Exchange,
		"reason", reason)
	if err := e.deps.Manager.CloseLeg(ctx, pair.Long, pair.Short.Exchange, reason); err != nil {
		e.logger.Error("Long leg close failed", "symbol", pair.Symbol, "error", err)
	}
	if err := e.deps.Manager.CloseLeg(ctx, pair.Short, pair.Long.Exchange, reason); err != nil {
		e.logger.Error("Short leg close failed", "symbol", pair.Symbol, "error", err)
	}
	if e.deps.Breaker != nil {
		e.deps.Breaker.RecordPnL(pair.Long.UnrealizedPnL.Add(pair.Short.UnrealizedPnL))
	}
}

// openPair submits a plan. A fully placed pair is marked paired; a single-leg
// outcome keeps its retry record so the next cycle's snapshot recovers it.
func (e *Engine) openPair(ctx context.Context, p *core.ExecutionPlan) {
	e.logEntryPacing(p)
	key := e.deps.Manager.RegisterPlan(p)

	result, err := e.deps.Executor.Execute(ctx, p)
	if err != nil {
		e.logger.Warn("Plan submission refused",
			"symbol", p.Opportunity.Symbol, "error", err)
		e.deps.Manager.Retries().Delete(key)
		return
	}

	if result.BothFilledOrPlaced() {
		e.deps.Manager.MarkPaired(key)
		e.logger.Info("Pair opened",
			"symbol", p.Opportunity.Symbol,
			"long", p.Opportunity.LongExchange, "short", p.Opportunity.ShortExchange,
			"size_usd", p.PositionSizeUSD,
			"spread", p.Opportunity.Spread)
		return
	}
	if _, single := result.SingleLeg(); single {
		e.logger.Warn("Pair opened single-legged, recovery pending",
			"symbol", p.Opportunity.Symbol)
		return
	}
	// both legs failed: nothing is open, drop the record
	e.deps.Manager.Retries().Delete(key)
	e.logger.Error("Both legs failed",
		"symbol", p.Opportunity.Symbol,
		"long_error", result.Long.Err, "short_error", result.Short.Err)
}

// logEntryPacing reports the slice schedule an entry of this size would need
// on each venue. Legs are still submitted as one order each; the schedule is
// operator guidance for sizes that exceed a venue's calibrated depth.
func (e *Engine) logEntryPacing(p *core.ExecutionPlan) {
	if e.deps.Slicer == nil {
		return
	}
	for _, venue := range []string{p.Opportunity.LongExchange, p.Opportunity.ShortExchange} {
		schedule := e.deps.Slicer.Plan(venue, p.PositionSizeUSD, 0)
		if schedule.SliceCount <= 1 || schedule.Confidence == twap.ConfidenceLow {
			// an uncalibrated venue schedules at the configured floor, which
			// says nothing about its actual depth
			continue
		}
		e.logger.Info("Entry exceeds single-slice depth",
			"symbol", p.Opportunity.Symbol,
			"exchange", venue,
			"size_usd", p.PositionSizeUSD,
			"slices", schedule.SliceCount,
			"slice_usd", schedule.SliceUSD,
			"interval", schedule.SliceInterval,
			"confidence", schedule.Confidence)
	}
}

// liveSpread recomputes the pair's spread from a fresh rate fan-out. The
// sorted scan cannot serve here: it drops spreads below minSpread, which is
// exactly where the close decision lives.
func (e *Engine) liveSpread(ctx context.Context, pair *core.PairedPosition) (decimal.Decimal, bool) {
	var longRate, shortRate decimal.Decimal
	var haveLong, haveShort bool
	for _, fr := range e.deps.Aggregator.GetFundingRates(ctx, pair.Symbol) {
		switch fr.Exchange {
		case pair.Long.Exchange:
			longRate, haveLong = fr.Rate, true
		case pair.Short.Exchange:
			shortRate, haveShort = fr.Rate, true
		}
	}
	if !haveLong || !haveShort {
		return decimal.Zero, false
	}
	return shortRate.Sub(longRate), true
}

// priceOverrides lifts streamed mark prices into plan overrides when a feed
// is attached and has fresh data for a leg.
func (e *Engine) priceOverrides(opp core.Opportunity) *plan.Overrides {
	if e.deps.Prices == nil {
		return nil
	}
	var ov plan.Overrides
	if p, ok := e.deps.Prices.Latest(opp.LongExchange, opp.Symbol); ok {
		ov.LongMarkPrice = p
	}
	if p, ok := e.deps.Prices.Latest(opp.ShortExchange, opp.Symbol); ok {
		ov.ShortMarkPrice = p
	}
	if ov.LongMarkPrice.IsZero() && ov.ShortMarkPrice.IsZero() {
		return nil
	}
	return &ov
}

// balances fetches free capital per venue once per cycle. A failed fetch
// reads as zero, which sizes that venue's candidates to nothing.
func (e *Engine) balances(ctx context.Context) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(e.deps.Adapters))
	for name, ex := range e.deps.Adapters {
		bal, err := ex.GetBalance(ctx)
		if err != nil {
			e.logger.Warn("Balance fetch failed, assuming zero", "exchange", name, "error", err)
			continue
		}
		out[name] = bal
	}
	return out
}

// recordRates persists one snapshot per (symbol, exchange) seen this cycle.
func (e *Engine) recordRates(ctx context.Context, opportunities []core.Opportunity) {
	if e.deps.Recorder == nil {
		return
	}
	seen := make(map[string]bool)
	for _, o := range opportunities {
		for _, leg := range []struct {
			exchange string
			rate     decimal.Decimal
		}{
			{o.LongExchange, o.LongRate},
			{o.ShortExchange, o.ShortRate},
		} {
			if leg.exchange == "" {
				continue
			}
			id := o.Symbol + ":" + leg.exchange
			if seen[id] {
				continue
			}
			seen[id] = true
			err := e.deps.Recorder.RecordRate(ctx, &core.FundingRate{
				Exchange:  leg.exchange,
				Symbol:    o.Symbol,
				Rate:      leg.rate,
				Timestamp: o.Timestamp,
			})
			if err != nil {
				e.logger.Debug("Rate recording failed", "symbol", o.Symbol, "exchange", leg.exchange, "error", err)
			}
		}
	}
}
