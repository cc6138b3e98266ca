package evaluate_test

import (
	"context"
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/logging"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/evaluate"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testOpp() core.Opportunity {
	return core.Opportunity{
		Symbol:        "BTCUSDT",
		Strategy:      core.StrategyPerpPerp,
		LongExchange:  "A",
		ShortExchange: "B",
		LongRate:      d(0.0001),
		ShortRate:     d(0.0003),
		Spread:        d(0.0002),
		ExpectedAPR:   d(1.752),
	}
}

func testPlan(opp core.Opportunity, size, totalCost float64) *core.ExecutionPlan {
	return &core.ExecutionPlan{
		Opportunity:     opp,
		PositionSizeUSD: d(size),
		EstimatedCosts:  core.CostBreakdown{Total: d(totalCost)},
	}
}

func newEvaluator(history *mock.HistoryProvider, tracker *mock.LossTracker) *evaluate.Evaluator {
	return evaluate.NewEvaluator(history, tracker, evaluate.Config{FundingIntervalHours: 1}, logging.NewNop())
}

func TestEvaluateWithHistory_ConsistencyScore(t *testing.T) {
	history := mock.NewHistoryProvider()
	history.Set("BTCUSDT", "A", &core.HistoricalMetrics{ConsistencyScore: d(0.8), MinRate: d(0), MaxRate: d(0.0002)})
	history.Set("BTCUSDT", "B", &core.HistoricalMetrics{ConsistencyScore: d(0.6), MinRate: d(0.0001), MaxRate: d(0.0005)})

	ev := newEvaluator(history, mock.NewLossTracker()).
		EvaluateWithHistory(context.Background(), testOpp(), nil)

	assert.True(t, ev.ConsistencyScore.Equal(d(0.7)), "mean of leg consistencies, got %s", ev.ConsistencyScore)
	assert.False(t, ev.HasWorstCase, "no plan supplied")
}

func TestEvaluateWithHistory_NoMetricsMeansZeroConsistency(t *testing.T) {
	ev := newEvaluator(mock.NewHistoryProvider(), mock.NewLossTracker()).
		EvaluateWithHistory(context.Background(), testOpp(), nil)
	assert.True(t, ev.ConsistencyScore.IsZero())
	assert.True(t, ev.Score.IsPositive(), "missing history discounts but does not disqualify")
}

func TestEvaluateWithHistory_WorstCaseUsesHistoricalExtremes(t *testing.T) {
	history := mock.NewHistoryProvider()
	// worst case: short leg earns its minimum, long leg pays its maximum
	history.Set("BTCUSDT", "A", &core.HistoricalMetrics{MaxRate: d(0.0001)})
	history.Set("BTCUSDT", "B", &core.HistoricalMetrics{MinRate: d(0.0002)})

	plan := testPlan(testOpp(), 10000, 10)
	ev := newEvaluator(history, mock.NewLossTracker()).
		EvaluateWithHistory(context.Background(), testOpp(), plan)

	require.True(t, ev.HasWorstCase)
	require.True(t, ev.WorstCaseFinite)
	// worst spread 0.0001/h on 10k = 1 USD/h; 10 USD costs -> 10h
	assert.True(t, ev.WorstCaseBreakEvenHours.Equal(d(10)), "got %s", ev.WorstCaseBreakEvenHours)
}

func TestEvaluateWithHistory_NegativeWorstCaseNeverBreaksEven(t *testing.T) {
	history := mock.NewHistoryProvider()
	history.Set("BTCUSDT", "A", &core.HistoricalMetrics{MaxRate: d(0.0005)})
	history.Set("BTCUSDT", "B", &core.HistoricalMetrics{MinRate: d(-0.0001)})

	ev := newEvaluator(history, mock.NewLossTracker()).
		EvaluateWithHistory(context.Background(), testOpp(), testPlan(testOpp(), 10000, 10))

	require.True(t, ev.HasWorstCase)
	assert.False(t, ev.WorstCaseFinite)
}

func TestSelectWorstCase_FiltersAndPicksBestScore(t *testing.T) {
	e := newEvaluator(mock.NewHistoryProvider(), mock.NewLossTracker())

	good := evaluate.Evaluation{Score: d(1), HasWorstCase: true, WorstCaseFinite: true, WorstCaseBreakEvenHours: d(24)}
	better := evaluate.Evaluation{Score: d(2), HasWorstCase: true, WorstCaseFinite: true, WorstCaseBreakEvenHours: d(48)}
	tooSlow := evaluate.Evaluation{Score: d(9), HasWorstCase: true, WorstCaseFinite: true, WorstCaseBreakEvenHours: d(24*7 + 1)}
	never := evaluate.Evaluation{Score: d(9), HasWorstCase: true, WorstCaseFinite: false}

	picked := e.SelectWorstCase([]evaluate.Evaluation{good, better, tooSlow, never})
	require.NotNil(t, picked)
	assert.True(t, picked.Score.Equal(d(2)))

	assert.Nil(t, e.SelectWorstCase(nil), "empty candidate list")
	assert.Nil(t, e.SelectWorstCase([]evaluate.Evaluation{tooSlow, never}))
}

func TestShouldRebalance_InstantProfitApproves(t *testing.T) {
	e := newEvaluator(mock.NewHistoryProvider(), mock.NewLossTracker())
	plan := testPlan(testOpp(), 10000, 10)
	plan.ExpectedNetReturn = d(0.5)

	ok, reason := e.ShouldRebalance(core.NewPairKey("BTCUSDT", "A", "B"), plan)
	assert.True(t, ok, reason)
}

func TestShouldRebalance_CurrentAlreadyProfitableRejects(t *testing.T) {
	tracker := mock.NewLossTracker()
	key := core.NewPairKey("BTCUSDT", "A", "B")
	tracker.SetRemaining(key, d(-1))

	e := newEvaluator(mock.NewHistoryProvider(), tracker)
	plan := testPlan(testOpp(), 10000, 10)
	plan.ExpectedNetReturn = d(-0.1)

	ok, _ := e.ShouldRebalance(key, plan)
	assert.False(t, ok)
}

func TestShouldRebalance_SlowerBreakEvenRejects(t *testing.T) {
	tracker := mock.NewLossTracker()
	key := core.NewPairKey("BTCUSDT", "A", "B")
	tracker.SetRemaining(key, d(20))
	tracker.SetSwitchingCosts(key, d(20))

	// hourly return 0.2 USD: spread 0.0002 on 1000 USD
	opp := testOpp()
	plan := testPlan(opp, 1000, 5)
	plan.ExpectedNetReturn = d(-0.1)

	e := newEvaluator(mock.NewHistoryProvider(), tracker)
	ok, reason := e.ShouldRebalance(key, plan)
	assert.False(t, ok, "new break-even 20/0.2 = 100h > current 20h")
	assert.Equal(t, "current position breaks even faster", reason)
}

func TestShouldRebalance_FasterBreakEvenApproves(t *testing.T) {
	tracker := mock.NewLossTracker()
	key := core.NewPairKey("BTCUSDT", "A", "B")
	tracker.SetRemaining(key, d(200))
	tracker.SetSwitchingCosts(key, d(20))

	opp := testOpp()
	plan := testPlan(opp, 1000, 5)
	plan.ExpectedNetReturn = d(-0.1)

	e := newEvaluator(mock.NewHistoryProvider(), tracker)
	ok, _ := e.ShouldRebalance(key, plan)
	assert.True(t, ok, "new break-even 100h < current 200h")
}

func TestShouldRebalance_InfiniteCurrentDefersToComparison(t *testing.T) {
	tracker := mock.NewLossTracker() // untracked -> never breaks even
	key := core.NewPairKey("BTCUSDT", "A", "B")
	tracker.SetSwitchingCosts(key, d(20))

	opp := testOpp()
	plan := testPlan(opp, 1000, 5)
	plan.ExpectedNetReturn = d(-0.1)

	e := newEvaluator(mock.NewHistoryProvider(), tracker)
	ok, reason := e.ShouldRebalance(key, plan)
	assert.True(t, ok, "finite replacement beats a position that never breaks even")
	assert.Equal(t, "current position never breaks even", reason)

	// a replacement that also never breaks even is rejected
	plan.Opportunity.Spread = decimal.Zero
	ok, _ = e.ShouldRebalance(key, plan)
	assert.False(t, ok)
}
