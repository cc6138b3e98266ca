package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/history"
	"funding_arb/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"), 0, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(t *testing.T, s *history.Store, exchange string, rates ...float64) {
	t.Helper()
	for _, r := range rates {
		require.NoError(t, s.RecordRate(context.Background(), &core.FundingRate{
			Symbol:   "BTCUSDT",
			Exchange: exchange,
			Rate:     d(r),
		}))
	}
}

func TestGetHistoricalMetricsEmpty(t *testing.T) {
	s := newStore(t)

	m, err := s.GetHistoricalMetrics(context.Background(), "BTCUSDT", "alpha")
	require.NoError(t, err)
	assert.Nil(t, m, "no samples means no metrics, not an error")
}

func TestGetHistoricalMetricsAggregation(t *testing.T) {
	s := newStore(t)
	record(t, s, "alpha", 0.0001, 0.0002, 0.0003, 0.0002)

	m, err := s.GetHistoricalMetrics(context.Background(), "BTCUSDT", "alpha")
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.True(t, m.AverageRate.Equal(d(0.0002)), "got %s", m.AverageRate)
	assert.True(t, m.MinRate.Equal(d(0.0001)))
	assert.True(t, m.MaxRate.Equal(d(0.0003)))
	assert.True(t, m.ConsistencyScore.Equal(decimal.NewFromInt(1)), "all samples positive")
	assert.True(t, m.Volatility.Sign() > 0)
}

func TestConsistencyScoreWithMixedSigns(t *testing.T) {
	s := newStore(t)
	record(t, s, "alpha", 0.0003, 0.0003, 0.0003, -0.0001)

	m, err := s.GetHistoricalMetrics(context.Background(), "BTCUSDT", "alpha")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.ConsistencyScore.Equal(d(0.75)), "got %s", m.ConsistencyScore)
}

func TestMetricsAreScopedToExchange(t *testing.T) {
	s := newStore(t)
	record(t, s, "alpha", 0.0001)
	record(t, s, "beta", 0.0005)

	m, err := s.GetHistoricalMetrics(context.Background(), "BTCUSDT", "beta")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.AverageRate.Equal(d(0.0005)))
}

func TestLossTrackerLifecycle(t *testing.T) {
	s := newStore(t)
	key := core.NewPairKey("BTCUSDT", "alpha", "beta")

	// untracked pair
	_, ok := s.RemainingBreakEvenHours(key)
	assert.False(t, ok)
	assert.True(t, s.SwitchingCosts(key, d(5)).Equal(d(5)))

	// cost 20 at 0.2/hour: 100 hours to break even
	s.RecordPositionEntry(key, d(20), d(0.2))
	remaining, ok := s.RemainingBreakEvenHours(key)
	require.True(t, ok)
	assert.InDelta(t, 100, remaining.InexactFloat64(), 0.1)

	// switching away now forfeits the full unrecovered cost
	churn := s.SwitchingCosts(key, d(5))
	assert.InDelta(t, 25, churn.InexactFloat64(), 0.1)

	s.RecordPositionExit(key, d(1))
	_, ok = s.RemainingBreakEvenHours(key)
	assert.False(t, ok, "closed positions are no longer tracked")
}

func TestZeroHourlyReturnNeverBreaksEven(t *testing.T) {
	s := newStore(t)
	key := core.NewPairKey("BTCUSDT", "alpha", "beta")
	s.RecordPositionEntry(key, d(20), decimal.Zero)

	_, ok := s.RemainingBreakEvenHours(key)
	assert.False(t, ok)
}

func TestRecordRateHonorsTimestamp(t *testing.T) {
	s := newStore(t)
	// sample far outside the window must not contribute
	require.NoError(t, s.RecordRate(context.Background(), &core.FundingRate{
		Symbol:    "BTCUSDT",
		Exchange:  "alpha",
		Rate:      d(0.5),
		Timestamp: time.Now().Add(-30 * 24 * time.Hour),
	}))
	record(t, s, "alpha", 0.0002)

	m, err := s.GetHistoricalMetrics(context.Background(), "BTCUSDT", "alpha")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.AverageRate.Equal(d(0.0002)))
}
