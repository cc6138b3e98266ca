package execution_test

import (
	"context"
	"fmt"
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/logging"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/execlock"
	"funding_arb/internal/trading/execution"
	apperrors "funding_arb/pkg/errors"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlan() *core.ExecutionPlan {
	price := decimal.NewFromInt(100)
	size := decimal.NewFromInt(18)
	return &core.ExecutionPlan{
		Opportunity: core.Opportunity{
			Symbol:        "BTCUSDT",
			LongExchange:  "alpha",
			ShortExchange: "beta",
		},
		PositionSizeUSD: size,
		LongOrder: core.OrderIntent{
			Exchange: "alpha", Symbol: "BTCUSDT", Side: core.SideBuy,
			Type: core.OrderTypeLimit, Price: price, Quantity: size.Div(price),
			ClientOrderID: "client-long",
		},
		ShortOrder: core.OrderIntent{
			Exchange: "beta", Symbol: "BTCUSDT", Side: core.SideSell,
			Type: core.OrderTypeLimit, Price: price, Quantity: size.Div(price),
			ClientOrderID: "client-short",
		},
	}
}

func newTestExecutor() (*execution.Executor, *execlock.Service, *mock.Exchange, *mock.Exchange) {
	alpha := mock.NewExchange("alpha")
	beta := mock.NewExchange("beta")
	locks := execlock.NewService(logging.NewNop())
	ex := execution.NewExecutor(
		map[string]core.Exchange{"alpha": alpha, "beta": beta},
		locks,
		execution.Config{OrdersPerSecond: 10000},
		logging.NewNop(),
	)
	return ex, locks, alpha, beta
}

func TestExecutePlacesBothLegs(t *testing.T) {
	ex, locks, alpha, beta := newTestExecutor()

	result, err := ex.Execute(context.Background(), newTestPlan())
	require.NoError(t, err)
	require.True(t, result.BothFilledOrPlaced())

	require.Len(t, alpha.PlacedOrders(), 1)
	require.Len(t, beta.PlacedOrders(), 1)
	assert.Equal(t, core.SideBuy, alpha.PlacedOrders()[0].Side)
	assert.Equal(t, core.SideSell, beta.PlacedOrders()[0].Side)

	// lock released, slots terminal
	_, _, held := locks.LockHolder("BTCUSDT")
	assert.False(t, held)
	assert.False(t, locks.HasActiveOrder("alpha", "BTCUSDT", core.SideBuy))
	assert.False(t, locks.HasActiveOrder("beta", "BTCUSDT", core.SideSell))
}

func TestExecuteReportsSingleLeg(t *testing.T) {
	ex, locks, alpha, beta := newTestExecutor()
	beta.FailPlaceOrders(apperrors.ErrOrderRejected)

	result, err := ex.Execute(context.Background(), newTestPlan())
	require.NoError(t, err)

	assert.False(t, result.BothFilledOrPlaced())
	leg, single := result.SingleLeg()
	require.True(t, single)
	assert.Equal(t, "alpha", leg.Exchange)

	var orderErr *apperrors.OrderExecutionError
	require.ErrorAs(t, result.Short.Err, &orderErr)
	assert.Equal(t, "beta", orderErr.Exchange)

	require.Len(t, alpha.PlacedOrders(), 1)
	assert.Empty(t, beta.PlacedOrders())

	// the lock must be free for the recovery path
	_, _, held := locks.LockHolder("BTCUSDT")
	assert.False(t, held)
}

func TestExecuteWrapsRejection(t *testing.T) {
	ex, _, alpha, _ := newTestExecutor()
	alpha.FailPlaceOrders(apperrors.ErrOrderRejected)

	result, err := ex.Execute(context.Background(), newTestPlan())
	require.NoError(t, err)
	require.Error(t, result.Long.Err)
	assert.ErrorIs(t, result.Long.Err, apperrors.ErrOrderRejected)
	assert.Empty(t, alpha.PlacedOrders())
}

func TestExecuteRefusesLockedSymbol(t *testing.T) {
	ex, locks, alpha, beta := newTestExecutor()
	require.True(t, locks.TryAcquireSymbolLock("BTCUSDT", "other", "close"))

	_, err := ex.Execute(context.Background(), newTestPlan())
	require.Error(t, err)
	assert.Empty(t, alpha.PlacedOrders())
	assert.Empty(t, beta.PlacedOrders())
}

func TestExecuteRefusesBusyOrderSlot(t *testing.T) {
	ex, locks, alpha, beta := newTestExecutor()
	require.NoError(t, locks.RegisterOrderPlacing("beta", "BTCUSDT", core.SideSell))

	_, err := ex.Execute(context.Background(), newTestPlan())
	require.Error(t, err)
	assert.Empty(t, alpha.PlacedOrders())
	assert.Empty(t, beta.PlacedOrders())

	// the long slot claimed during preflight must not stay active
	assert.False(t, locks.HasActiveOrder("alpha", "BTCUSDT", core.SideBuy))
}

func TestPlaceOrderRegistersSlot(t *testing.T) {
	ex, locks, alpha, _ := newTestExecutor()

	intent := &core.OrderIntent{
		Exchange: "alpha", Symbol: "ETHUSDT", Side: core.SideSell,
		Type: core.OrderTypeLimit, Price: decimal.NewFromInt(2000),
		Quantity: decimal.NewFromFloat(0.01), ReduceOnly: true,
		ClientOrderID: "close-1",
	}
	order, err := ex.PlaceOrder(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, order.ReduceOnly)
	require.Len(t, alpha.PlacedOrders(), 1)

	// filled immediately by the mock, slot no longer active
	assert.False(t, locks.HasActiveOrder("alpha", "ETHUSDT", core.SideSell))
}

func TestPlaceOrderUnknownExchange(t *testing.T) {
	ex, _, _, _ := newTestExecutor()

	_, err := ex.PlaceOrder(context.Background(), &core.OrderIntent{
		Exchange: "gamma", Symbol: "BTCUSDT", Side: core.SideBuy,
	})
	var exErr *apperrors.ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, "gamma", exErr.Exchange)
}

// tripBreaker burns enough consecutive failures on one venue to open its
// circuit breaker.
func tripBreaker(t *testing.T, ex *execution.Executor, venue *mock.Exchange, name string) {
	t.Helper()
	venue.FailPlaceOrders(apperrors.ErrOrderRejected)
	for i := 0; i < 5; i++ {
		_, err := ex.PlaceOrder(context.Background(), &core.OrderIntent{
			Exchange: name, Symbol: "BTCUSDT", Side: core.SideSell,
			Type: core.OrderTypeLimit, Price: decimal.NewFromInt(100),
			Quantity: decimal.NewFromFloat(0.1),
			ClientOrderID: fmt.Sprintf("trip-%d", i),
		})
		require.Error(t, err)
	}
}

func TestBreakerScopedPerVenue(t *testing.T) {
	ex, _, alpha, beta := newTestExecutor()
	tripBreaker(t, ex, beta, "beta")

	// beta's breaker is open now
	_, err := ex.PlaceOrder(context.Background(), &core.OrderIntent{
		Exchange: "beta", Symbol: "BTCUSDT", Side: core.SideSell,
		Type: core.OrderTypeLimit, Price: decimal.NewFromInt(100),
		Quantity: decimal.NewFromFloat(0.1), ClientOrderID: "post-trip",
	})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	// alpha order flow is unaffected
	order, err := ex.PlaceOrder(context.Background(), &core.OrderIntent{
		Exchange: "alpha", Symbol: "BTCUSDT", Side: core.SideBuy,
		Type: core.OrderTypeLimit, Price: decimal.NewFromInt(100),
		Quantity: decimal.NewFromFloat(0.1), ClientOrderID: "healthy",
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", order.Exchange)
	require.Len(t, alpha.PlacedOrders(), 1)
}

func TestReduceOnlyCloseIgnoresOpenBreaker(t *testing.T) {
	ex, _, _, beta := newTestExecutor()
	tripBreaker(t, ex, beta, "beta")
	beta.FailPlaceOrders(nil)

	// entries stay blocked while the breaker is open
	_, err := ex.PlaceOrder(context.Background(), &core.OrderIntent{
		Exchange: "beta", Symbol: "BTCUSDT", Side: core.SideSell,
		Type: core.OrderTypeLimit, Price: decimal.NewFromInt(100),
		Quantity: decimal.NewFromFloat(0.1), ClientOrderID: "blocked-entry",
	})
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)

	// but flattening exposure must still go through
	order, err := ex.PlaceOrder(context.Background(), &core.OrderIntent{
		Exchange: "beta", Symbol: "BTCUSDT", Side: core.SideBuy,
		Type: core.OrderTypeLimit, Price: decimal.NewFromInt(100),
		Quantity: decimal.NewFromFloat(0.1), ReduceOnly: true,
		ClientOrderID: "flatten",
	})
	require.NoError(t, err)
	assert.True(t, order.ReduceOnly)
	require.Len(t, beta.PlacedOrders(), 1)
}

func TestExecuteConcurrentPlansSameSymbol(t *testing.T) {
	ex, _, alpha, beta := newTestExecutor()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		plan := newTestPlan()
		plan.LongOrder.ClientOrderID = fmt.Sprintf("long-%d", i)
		plan.ShortOrder.ClientOrderID = fmt.Sprintf("short-%d", i)
		go func(p *core.ExecutionPlan) {
			_, err := ex.Execute(context.Background(), p)
			done <- err
		}(plan)
	}
	errs := 0
	for i := 0; i < 2; i++ {
		if <-done != nil {
			errs++
		}
	}

	// either the second plan lost the lock race, or it ran after the first
	// and hit the occupied order slots; both legs are never doubled
	assert.LessOrEqual(t, len(alpha.PlacedOrders()), 2)
	assert.LessOrEqual(t, len(beta.PlacedOrders()), 2)
	assert.Equal(t, len(alpha.PlacedOrders()), len(beta.PlacedOrders()))
}
