// Package position owns the lifecycle of paired positions: pairing detection,
// single-leg recovery with a bounded retry budget, cooldown of failed pairs
// and the stickiness policy for already-open pairs.
package position

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/execlock"
	"funding_arb/internal/trading/execution"
	"funding_arb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a (symbol, exchange-pair).
type State string

const (
	StateNoPosition State = "NO_POSITION"
	StateOpening    State = "OPENING"
	StatePaired     State = "PAIRED"
	StateSingleLeg  State = "SINGLE_LEG"
	StateRetrying   State = "RETRYING"
	StateClosed     State = "CLOSED"
)

// Config tunes the recovery and stickiness policies.
type Config struct {
	PendingOrderGrace    time.Duration
	YoungPositionGrace   time.Duration
	SevereNegativeSpread decimal.Decimal
	SwitchCostMultiplier decimal.Decimal
	ExpectedHoldHours    decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.PendingOrderGrace == 0 {
		c.PendingOrderGrace = 5 * time.Minute
	}
	if c.YoungPositionGrace == 0 {
		c.YoungPositionGrace = time.Hour
	}
	if c.SevereNegativeSpread.IsZero() {
		c.SevereNegativeSpread = decimal.NewFromFloat(-0.0005)
	}
	if c.SwitchCostMultiplier.IsZero() {
		c.SwitchCostMultiplier = decimal.NewFromFloat(1.5)
	}
	if c.ExpectedHoldHours.IsZero() {
		c.ExpectedHoldHours = decimal.NewFromInt(24)
	}
}

// Manager drives position state transitions. All state it owns is instance
// state; two managers in one process never interfere.
type Manager struct {
	adapters    map[string]core.Exchange
	executor    *execution.Executor
	locks       *execlock.Service
	retries     *RetryRegistry
	cooldowns   *CooldownRegistry
	lossTracker core.LossTracker
	cfg         Config
	logger      core.ILogger

	mu          sync.Mutex
	closedLegs  map[string]bool
	closedCount int
}

// NewManager wires a lifecycle manager.
func NewManager(
	adapters map[string]core.Exchange,
	executor *execution.Executor,
	locks *execlock.Service,
	cooldowns *CooldownRegistry,
	lossTracker core.LossTracker,
	cfg Config,
	logger core.ILogger,
) *Manager {
	cfg.applyDefaults()
	return &Manager{
		adapters:    adapters,
		executor:    executor,
		locks:       locks,
		retries:     NewRetryRegistry(),
		cooldowns:   cooldowns,
		lossTracker: lossTracker,
		cfg:         cfg,
		logger:      logger.WithField("component", "position_lifecycle"),
		closedLegs:  make(map[string]bool),
	}
}

// Retries exposes the registry for inspection in recovery flows.
func (m *Manager) Retries() *RetryRegistry { return m.retries }

// RegisterPlan records the retry intent and entry costs for a submitted plan.
func (m *Manager) RegisterPlan(plan *core.ExecutionPlan) core.PairKey {
	key := m.retries.Create(plan.Opportunity)
	if m.lossTracker != nil {
		hourly := plan.Opportunity.Spread.Mul(plan.PositionSizeUSD)
		m.lossTracker.RecordPositionEntry(key, plan.EstimatedCosts.Total, hourly)
	}
	return key
}

// MarkPaired clears the retry record once both legs are confirmed open.
func (m *Manager) MarkPaired(key core.PairKey) {
	m.retries.Delete(key)
}

// ClosedPositions returns how many distinct legs have been force-closed.
func (m *Manager) ClosedPositions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedCount
}

// Snapshot queries every adapter for open positions and groups them into
// paired positions and orphan single legs. Adapter failures degrade to an
// empty list for that venue; a scan must never abort on one venue's outage.
func (m *Manager) Snapshot(ctx context.Context) ([]core.PairedPosition, []*core.Position) {
	bySymbol := make(map[string][]*core.Position)
	for name, ex := range m.adapters {
		positions, err := ex.GetPositions(ctx, "")
		if err != nil {
			m.logger.Warn("Position fetch failed, assuming none", "exchange", name, "error", err)
			continue
		}
		for _, p := range positions {
			if p.Size.Sign() > 0 {
				bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
			}
		}
	}

	var pairs []core.PairedPosition
	var singles []*core.Position
	for symbol, legs := range bySymbol {
		var long, short *core.Position
		for _, leg := range legs {
			switch leg.Side {
			case core.PositionLong:
				long = leg
			case core.PositionShort:
				short = leg
			}
		}
		if long != nil && short != nil && long.Exchange != short.Exchange {
			pairs = append(pairs, core.PairedPosition{Symbol: symbol, Long: long, Short: short})
			continue
		}
		for _, leg := range legs {
			singles = append(singles, leg)
		}
	}
	telemetry.GetGlobalMetrics().SetPairedPositions(int64(len(pairs)))
	return pairs, singles
}

// HandleSingleLeg runs the recovery decision for one orphan leg. It returns
// the resulting state: PAIRED when the missing leg was placed, RETRYING when
// a retry is pending or budget remains, CLOSED when the leg was closed out.
func (m *Manager) HandleSingleLeg(ctx context.Context, leg *core.Position) (State, error) {
	holderID := "single-leg-" + uuid.NewString()
	if !m.locks.TryAcquireSymbolLock(leg.Symbol, holderID, "single_leg_recovery") {
		return StateSingleLeg, nil
	}
	defer m.locks.ReleaseSymbolLock(leg.Symbol, holderID)

	key, info, found := m.retries.Find(leg.Symbol, leg.Exchange)
	if !found {
		orphanKey := core.NewPairKey(leg.Symbol, leg.Exchange, "")
		err := m.closeLeg(ctx, leg, orphanKey, "no retry record")
		return StateClosed, err
	}
	if info.RetryCount >= maxSingleLegRetries {
		m.retries.Delete(key)
		m.cooldowns.Add(key)
		err := m.closeLeg(ctx, leg, key, "retry budget exhausted")
		return StateClosed, err
	}

	target := info.TargetExchange(leg.Exchange)
	if target == leg.Exchange {
		m.logger.Error("Invariant violation: missing leg targets its own exchange",
			"symbol", leg.Symbol, "exchange", leg.Exchange,
			"long_exchange", info.LongExchange, "short_exchange", info.ShortExchange)
		m.retries.Delete(key)
		err := m.closeLeg(ctx, leg, key, "invariant violation")
		return StateClosed, err
	}

	targetEx, ok := m.adapters[target]
	if !ok {
		m.retries.Delete(key)
		err := m.closeLeg(ctx, leg, key, fmt.Sprintf("no adapter for %s", target))
		return StateClosed, err
	}

	// an order already in flight for the missing leg means wait, not resubmit;
	// stale orders past the grace period are cancelled first
	pending, stale := m.pendingOrder(ctx, targetEx, leg.Symbol, missingSide(leg.Side))
	if pending != nil {
		if !stale {
			return StateRetrying, nil
		}
		if err := targetEx.CancelOrder(ctx, leg.Symbol, pending.ID); err != nil {
			m.logger.Warn("Stale order cancel failed", "exchange", target, "symbol", leg.Symbol, "error", err)
			return StateRetrying, nil
		}
		m.locks.ClearOrder(target, leg.Symbol, missingSide(leg.Side))
	}

	intent, err := m.missingLegIntent(ctx, targetEx, leg)
	if err != nil {
		return m.recordRetryFailure(ctx, key, leg, err)
	}

	telemetry.AddCounter(telemetry.GetGlobalMetrics().SingleLegRetries, 1)
	if _, err := m.executor.PlaceOrder(ctx, intent); err != nil {
		return m.recordRetryFailure(ctx, key, leg, err)
	}

	m.retries.Delete(key)
	return StatePaired, nil
}

func (m *Manager) recordRetryFailure(ctx context.Context, key core.PairKey, leg *core.Position, cause error) (State, error) {
	count := m.retries.RecordFailure(key)
	m.logger.Warn("Missing leg retry failed",
		"symbol", leg.Symbol, "exchange", leg.Exchange, "retry_count", count, "error", cause)
	if count >= maxSingleLegRetries {
		m.retries.Delete(key)
		m.cooldowns.Add(key)
		err := m.closeLeg(ctx, leg, key, "retry budget exhausted")
		return StateClosed, err
	}
	return StateRetrying, nil
}

// pendingOrder returns an open order for the missing leg, if any, and whether
// it is older than the grace period.
func (m *Manager) pendingOrder(ctx context.Context, ex core.Exchange, symbol string, side core.OrderSide) (*core.Order, bool) {
	orders, err := ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		m.logger.Warn("Open order fetch failed, assuming none", "exchange", ex.GetName(), "symbol", symbol, "error", err)
		return nil, false
	}
	for _, o := range orders {
		if o.Side == side {
			return o, time.Since(o.CreatedAt) > m.cfg.PendingOrderGrace
		}
	}
	return nil, false
}

func (m *Manager) missingLegIntent(ctx context.Context, target core.Exchange, leg *core.Position) (*core.OrderIntent, error) {
	mark, err := target.GetMarkPrice(ctx, leg.Symbol)
	if err != nil {
		return nil, err
	}
	return &core.OrderIntent{
		Exchange:      target.GetName(),
		Symbol:        leg.Symbol,
		Side:          missingSide(leg.Side),
		Type:          core.OrderTypeLimit,
		Price:         mark,
		Quantity:      leg.Size,
		NotionalUSD:   leg.Size.Mul(mark),
		ClientOrderID: uuid.NewString(),
	}, nil
}

// CloseLeg closes one leg with a reduce-only limit order at mark. Closing an
// already-closed leg is a no-op and does not double-count.
func (m *Manager) CloseLeg(ctx context.Context, leg *core.Position, pairedWith, reason string) error {
	holderID := "close-" + uuid.NewString()
	if !m.locks.TryAcquireSymbolLock(leg.Symbol, holderID, "close_leg") {
		return fmt.Errorf("symbol %s locked", leg.Symbol)
	}
	defer m.locks.ReleaseSymbolLock(leg.Symbol, holderID)
	return m.closeLeg(ctx, leg, core.NewPairKey(leg.Symbol, leg.Exchange, pairedWith), reason)
}

// legIdentity names one position instance. The open time is part of the
// identity: a later position on the same exchange, symbol and side is a new
// leg and must close independently of any earlier one.
func legIdentity(leg *core.Position) string {
	return leg.Exchange + "|" + leg.Symbol + "|" + string(leg.Side) + "|" +
		strconv.FormatInt(leg.OpenedAt.UnixNano(), 10)
}

func (m *Manager) closeLeg(ctx context.Context, leg *core.Position, key core.PairKey, reason string) error {
	legID := legIdentity(leg)

	m.mu.Lock()
	if m.closedLegs[legID] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ex, ok := m.adapters[leg.Exchange]
	if !ok {
		return fmt.Errorf("no adapter for %s", leg.Exchange)
	}

	price := leg.MarkPrice
	if mark, err := ex.GetMarkPrice(ctx, leg.Symbol); err == nil && mark.Sign() > 0 {
		price = mark
	}

	intent := &core.OrderIntent{
		Exchange:      leg.Exchange,
		Symbol:        leg.Symbol,
		Side:          missingSide(leg.Side),
		Type:          core.OrderTypeLimit,
		Price:         price,
		Quantity:      leg.Size,
		NotionalUSD:   leg.Size.Mul(price),
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	}
	if _, err := m.executor.PlaceOrder(ctx, intent); err != nil {
		return err
	}

	m.mu.Lock()
	m.closedLegs[legID] = true
	m.closedCount++
	m.mu.Unlock()

	telemetry.AddCounter(telemetry.GetGlobalMetrics().SingleLegClosures, 1)
	m.logger.Info("Leg closed", "symbol", leg.Symbol, "exchange", leg.Exchange, "side", leg.Side, "reason", reason)
	if m.lossTracker != nil {
		m.lossTracker.RecordPositionExit(key, leg.UnrealizedPnL)
	}
	return nil
}

// missingSide is the order side that opens the opposite leg of a position,
// and equally the side that closes the position itself.
func missingSide(side core.PositionSide) core.OrderSide {
	if side == core.PositionLong {
		return core.SideSell
	}
	return core.SideBuy
}
