package execlock_test

import (
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/logging"
	"funding_arb/internal/trading/execlock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() *execlock.Service {
	return execlock.NewService(logging.NewNop())
}

func TestTryAcquireSymbolLock(t *testing.T) {
	s := newService()

	assert.True(t, s.TryAcquireSymbolLock("BTCUSDT", "worker-1", "open"))
	assert.False(t, s.TryAcquireSymbolLock("BTCUSDT", "worker-2", "close"),
		"second holder must be rejected without blocking")
	assert.True(t, s.TryAcquireSymbolLock("BTCUSDT", "worker-1", "open"),
		"re-acquire by the holder succeeds")
	assert.True(t, s.TryAcquireSymbolLock("ETHUSDT", "worker-2", "open"),
		"different symbols are independent")
}

func TestReleaseSymbolLock(t *testing.T) {
	s := newService()
	require.True(t, s.TryAcquireSymbolLock("BTCUSDT", "worker-1", "open"))

	// release by a non-holder is ignored
	s.ReleaseSymbolLock("BTCUSDT", "worker-2")
	_, _, held := s.LockHolder("BTCUSDT")
	assert.True(t, held)

	s.ReleaseSymbolLock("BTCUSDT", "worker-1")
	_, _, held = s.LockHolder("BTCUSDT")
	assert.False(t, held)

	// double release is a no-op
	s.ReleaseSymbolLock("BTCUSDT", "worker-1")

	assert.True(t, s.TryAcquireSymbolLock("BTCUSDT", "worker-2", "close"))
}

func TestLockHolder(t *testing.T) {
	s := newService()
	require.True(t, s.TryAcquireSymbolLock("BTCUSDT", "worker-1", "open"))

	holder, op, held := s.LockHolder("BTCUSDT")
	assert.True(t, held)
	assert.Equal(t, "worker-1", holder)
	assert.Equal(t, "open", op)
}

func TestRegisterOrderPlacing(t *testing.T) {
	s := newService()

	require.NoError(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideBuy))
	assert.Error(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideBuy),
		"active slot must reject a second registration")

	// same symbol, different side or venue is free
	assert.NoError(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideSell))
	assert.NoError(t, s.RegisterOrderPlacing("beta", "BTCUSDT", core.SideBuy))
}

func TestOrderStateTransitions(t *testing.T) {
	s := newService()
	require.NoError(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideBuy))

	s.UpdateOrderStatus("alpha", "BTCUSDT", core.SideBuy, execlock.OrderStateWaitingFill)
	assert.True(t, s.HasActiveOrder("alpha", "BTCUSDT", core.SideBuy))
	assert.Error(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideBuy))

	s.UpdateOrderStatus("alpha", "BTCUSDT", core.SideBuy, execlock.OrderStateFilled)
	assert.False(t, s.HasActiveOrder("alpha", "BTCUSDT", core.SideBuy))
	assert.NoError(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideBuy),
		"terminal state frees the slot")
}

func TestFailedOrderFreesSlot(t *testing.T) {
	s := newService()
	require.NoError(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideSell))

	s.UpdateOrderStatus("alpha", "BTCUSDT", core.SideSell, execlock.OrderStateFailed)
	assert.False(t, s.HasActiveOrder("alpha", "BTCUSDT", core.SideSell))
	assert.NoError(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideSell))
}

func TestClearOrder(t *testing.T) {
	s := newService()
	require.NoError(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideBuy))

	s.ClearOrder("alpha", "BTCUSDT", core.SideBuy)
	assert.False(t, s.HasActiveOrder("alpha", "BTCUSDT", core.SideBuy))
	assert.NoError(t, s.RegisterOrderPlacing("alpha", "BTCUSDT", core.SideBuy))
}
