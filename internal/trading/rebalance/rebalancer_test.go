package rebalance_test

import (
	"context"
	"testing"

	"funding_arb/internal/logging"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/execlock"
	"funding_arb/internal/trading/rebalance"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newVenue(perpBal, spotBal float64) (rebalance.Venue, *mock.SpotExchange) {
	perp := mock.NewExchange("alpha")
	perp.SetBalance(d(perpBal))
	spot := mock.NewSpotExchange("alpha-spot")
	spot.SetBalance(d(spotBal))
	return rebalance.Venue{Name: "alpha", Perp: perp, Spot: spot}, spot
}

func newRebalancer(venue rebalance.Venue) (*rebalance.Rebalancer, *execlock.Service) {
	locks := execlock.NewService(logging.NewNop())
	r := rebalance.NewRebalancer([]rebalance.Venue{venue}, locks,
		rebalance.Config{}, logging.NewNop())
	return r, locks
}

func TestRebalanceMovesTowardPerp(t *testing.T) {
	venue, spot := newVenue(100, 900)
	r, _ := newRebalancer(venue)

	require.NoError(t, r.CheckAndRebalance(context.Background(), venue))

	transfers := spot.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].ToPerp)
	// perp share 0.1, target 0.5, deviation 0.4 of 1000
	assert.True(t, transfers[0].Amount.Equal(d(400)), "got %s", transfers[0].Amount)
}

func TestRebalanceMovesTowardSpot(t *testing.T) {
	venue, spot := newVenue(900, 100)
	r, _ := newRebalancer(venue)

	require.NoError(t, r.CheckAndRebalance(context.Background(), venue))

	transfers := spot.Transfers()
	require.Len(t, transfers, 1)
	assert.False(t, transfers[0].ToPerp)
	assert.True(t, transfers[0].Amount.Equal(d(400)))
}

func TestRebalanceWithinToleranceDoesNothing(t *testing.T) {
	venue, spot := newVenue(550, 450)
	r, _ := newRebalancer(venue)

	require.NoError(t, r.CheckAndRebalance(context.Background(), venue))
	assert.Empty(t, spot.Transfers())
}

func TestRebalanceSkipsDustTransfers(t *testing.T) {
	venue, spot := newVenue(2, 8) // deviation 0.3 of 10 USD = 3, below the floor
	r, _ := newRebalancer(venue)

	require.NoError(t, r.CheckAndRebalance(context.Background(), venue))
	assert.Empty(t, spot.Transfers())
}

func TestRebalanceSkipsWhenAccountLocked(t *testing.T) {
	venue, spot := newVenue(100, 900)
	r, locks := newRebalancer(venue)
	require.True(t, locks.TryAcquireSymbolLock("account:alpha", "executor", "open_pair"))

	require.NoError(t, r.CheckAndRebalance(context.Background(), venue))
	assert.Empty(t, spot.Transfers())
}

func TestRebalanceZeroBalances(t *testing.T) {
	venue, spot := newVenue(0, 0)
	r, _ := newRebalancer(venue)

	require.NoError(t, r.CheckAndRebalance(context.Background(), venue))
	assert.Empty(t, spot.Transfers())
}
