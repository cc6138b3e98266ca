// Package evaluate scores discovered opportunities against recorded funding
// history and decides whether replacing an open position is worth the churn.
package evaluate

import (
	"context"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/costs"

	"github.com/shopspring/decimal"
)

// Config bounds the evaluator's decisions.
type Config struct {
	// MaxWorstCaseBreakEvenHours filters candidates whose conservative
	// break-even runs too long. Default one week.
	MaxWorstCaseBreakEvenHours decimal.Decimal
	FundingIntervalHours       int
}

// Evaluation is an opportunity enriched with historical context.
type Evaluation struct {
	Opportunity core.Opportunity
	Plan        *core.ExecutionPlan

	ConsistencyScore decimal.Decimal
	Score            decimal.Decimal

	// WorstCaseBreakEvenHours is only meaningful when HasWorstCase is true;
	// WorstCaseFinite is false when the conservative spread never pays back.
	WorstCaseBreakEvenHours decimal.Decimal
	WorstCaseFinite         bool
	HasWorstCase            bool
}

// Evaluator consumes aggregator output plus the historical-metrics and
// loss-tracking collaborators.
type Evaluator struct {
	history core.HistoricalMetricsProvider
	tracker core.LossTracker
	cfg     Config
	logger  core.ILogger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(history core.HistoricalMetricsProvider, tracker core.LossTracker, cfg Config, logger core.ILogger) *Evaluator {
	if cfg.MaxWorstCaseBreakEvenHours.IsZero() {
		cfg.MaxWorstCaseBreakEvenHours = decimal.NewFromInt(24 * 7)
	}
	if cfg.FundingIntervalHours <= 0 {
		cfg.FundingIntervalHours = 1
	}
	return &Evaluator{
		history: history,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.WithField("component", "opportunity_evaluator"),
	}
}

// EvaluateWithHistory pulls historical metrics for both legs and computes the
// consistency score and the conservative break-even. History lookups degrade
// to zero scores when unavailable; they never fail the evaluation.
func (e *Evaluator) EvaluateWithHistory(ctx context.Context, opp core.Opportunity, plan *core.ExecutionPlan) Evaluation {
	longM := e.lookup(ctx, opp.Symbol, opp.LongExchange)
	shortM := e.lookup(ctx, opp.Symbol, opp.ShortExchange)

	ev := Evaluation{Opportunity: opp, Plan: plan}

	if longM != nil && shortM != nil {
		two := decimal.NewFromInt(2)
		ev.ConsistencyScore = longM.ConsistencyScore.Add(shortM.ConsistencyScore).Div(two)
	}

	// Score weights the raw annualized return by how reliable the history
	// says the spread is. No history halves the weight rather than zeroing
	// the candidate.
	half := decimal.NewFromFloat(0.5)
	weight := half.Add(half.Mul(ev.ConsistencyScore))
	ev.Score = opp.ExpectedAPR.Mul(weight)

	if plan != nil {
		ev.HasWorstCase = true
		worstSpread := e.worstCaseSpread(opp, longM, shortM)
		hourly := worstSpread.Mul(plan.PositionSizeUSD).Div(decimal.NewFromInt(int64(e.cfg.FundingIntervalHours)))
		hours, finite := costs.BreakEvenHours(plan.EstimatedCosts.Total, hourly)
		ev.WorstCaseBreakEvenHours = hours
		ev.WorstCaseFinite = finite
	}

	return ev
}

func (e *Evaluator) lookup(ctx context.Context, symbol, exchange string) *core.HistoricalMetrics {
	if e.history == nil || exchange == "" {
		return nil
	}
	m, err := e.history.GetHistoricalMetrics(ctx, symbol, exchange)
	if err != nil {
		e.logger.Debug("Historical metrics unavailable", "symbol", symbol, "exchange", exchange, "error", err)
		return nil
	}
	return m
}

// worstCaseSpread rebuilds the spread from each leg's least favorable
// historical rate: the short leg earning its minimum while the long leg pays
// its maximum. Without history the current spread stands.
func (e *Evaluator) worstCaseSpread(opp core.Opportunity, longM, shortM *core.HistoricalMetrics) decimal.Decimal {
	shortRate := opp.ShortRate
	longRate := opp.LongRate
	if shortM != nil {
		shortRate = shortM.MinRate
	}
	if longM != nil {
		longRate = longM.MaxRate
	}
	return shortRate.Sub(longRate)
}

// SelectWorstCase filters out candidates whose conservative break-even
// exceeds the configured maximum, then picks the best score among survivors.
// Returns nil when nothing qualifies.
func (e *Evaluator) SelectWorstCase(candidates []Evaluation) *Evaluation {
	var best *Evaluation
	for i := range candidates {
		c := &candidates[i]
		if c.HasWorstCase {
			if !c.WorstCaseFinite {
				continue
			}
			if c.WorstCaseBreakEvenHours.GreaterThan(e.cfg.MaxWorstCaseBreakEvenHours) {
				continue
			}
		}
		if best == nil || c.Score.GreaterThan(best.Score) {
			best = c
		}
	}
	return best
}

// ShouldRebalance decides whether to replace the current paired position with
// a new opportunity. Decision rule, in priority order:
//
//  1. approve when the new plan is instantly net-profitable;
//  2. reject when the current position is already past break-even — churn is
//     never justified then;
//  3. otherwise approve only when the new position, switching costs included,
//     breaks even strictly faster than the current one. A current position
//     that never breaks even loses this comparison to any finite candidate.
func (e *Evaluator) ShouldRebalance(currentKey core.PairKey, newPlan *core.ExecutionPlan) (bool, string) {
	if newPlan == nil {
		return false, "no replacement plan"
	}

	if newPlan.ExpectedNetReturn.Sign() > 0 {
		return true, "replacement instantly profitable"
	}

	currentHours, currentFinite := e.tracker.RemainingBreakEvenHours(currentKey)
	if currentFinite && currentHours.Sign() <= 0 {
		return false, "current position already profitable"
	}

	switchCost := e.tracker.SwitchingCosts(currentKey, newPlan.EstimatedCosts.Total)
	hourly := newPlan.Opportunity.Spread.Mul(newPlan.PositionSizeUSD).
		Div(decimal.NewFromInt(int64(e.cfg.FundingIntervalHours)))

	newHours, newFinite := costs.BreakEvenHours(switchCost, hourly)
	if !newFinite {
		return false, "replacement never breaks even"
	}
	if !currentFinite {
		return true, "current position never breaks even"
	}
	if newHours.LessThan(currentHours) {
		return true, "replacement breaks even faster"
	}
	return false, "current position breaks even faster"
}
