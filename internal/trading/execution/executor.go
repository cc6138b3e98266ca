// Package execution submits execution plans to exchanges: both legs placed
// concurrently under the per-symbol lock, each through its venue's retry and
// circuit-breaker pipeline. A failed leg is reported, never retried here
// beyond the transient-error policy; recovery of half-open pairs belongs to
// the position lifecycle.
package execution

import (
	"context"
	"fmt"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/execlock"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config tunes the resilience pipeline and submission rate.
type Config struct {
	MaxRetries       int
	RetryBackoffMin  time.Duration
	RetryBackoffMax  time.Duration
	BreakerFailures  uint
	BreakerCapacity  uint
	BreakerDelay     time.Duration
	OrdersPerSecond  float64
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffMin == 0 {
		c.RetryBackoffMin = 100 * time.Millisecond
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = 2 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCapacity == 0 {
		c.BreakerCapacity = 10
	}
	if c.BreakerDelay == 0 {
		c.BreakerDelay = 10 * time.Second
	}
	if c.OrdersPerSecond == 0 {
		c.OrdersPerSecond = 5
	}
}

// LegResult is the outcome of one leg of a plan.
type LegResult struct {
	Order *core.Order
	Err   error
}

// Result reports both legs of an executed plan. Exactly one failed leg is the
// single-leg case the lifecycle handler owns.
type Result struct {
	Long  LegResult
	Short LegResult
}

// BothFilledOrPlaced reports whether both legs were accepted by their venues.
func (r *Result) BothFilledOrPlaced() bool {
	return r.Long.Err == nil && r.Short.Err == nil
}

// SingleLeg returns the surviving leg's order when exactly one leg failed.
func (r *Result) SingleLeg() (*core.Order, bool) {
	if r.Long.Err == nil && r.Short.Err != nil {
		return r.Long.Order, true
	}
	if r.Short.Err == nil && r.Long.Err != nil {
		return r.Short.Order, true
	}
	return nil, false
}

// venuePipeline is one exchange's resilience stack. Entries go through retry
// plus circuit breaker; reduce-only closes go through retry alone, so an open
// breaker on a venue never blocks flattening exposure there.
type venuePipeline struct {
	entry failsafe.Executor[*core.Order]
	close failsafe.Executor[*core.Order]
}

// Executor places plan legs against exchange adapters.
type Executor struct {
	adapters  map[string]core.Exchange
	locks     *execlock.Service
	pipelines map[string]venuePipeline
	limiter   *rate.Limiter
	logger    core.ILogger
}

func newRetryPolicy(cfg Config) retrypolicy.RetryPolicy[*core.Order] {
	return retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(cfg.RetryBackoffMin, cfg.RetryBackoffMax).
		WithMaxRetries(cfg.MaxRetries).
		Build()
}

func newBreaker(cfg Config) circuitbreaker.CircuitBreaker[*core.Order] {
	return circuitbreaker.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil
		}).
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerCapacity).
		WithDelay(cfg.BreakerDelay).
		Build()
}

// NewExecutor builds an executor over the given adapters. Each venue carries
// its own circuit breaker: a failing venue must not trip order flow to the
// healthy one.
func NewExecutor(adapters map[string]core.Exchange, locks *execlock.Service, cfg Config, logger core.ILogger) *Executor {
	cfg.applyDefaults()

	pipelines := make(map[string]venuePipeline, len(adapters))
	for name := range adapters {
		pipelines[name] = venuePipeline{
			entry: failsafe.With[*core.Order](newRetryPolicy(cfg), newBreaker(cfg)),
			close: failsafe.With[*core.Order](newRetryPolicy(cfg)),
		}
	}

	return &Executor{
		adapters:  adapters,
		locks:     locks,
		pipelines: pipelines,
		limiter:   rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), 1),
		logger:    logger.WithField("component", "executor"),
	}
}

// Execute submits both legs of a plan concurrently. The per-symbol lock and
// both order slots must be free; otherwise Execute returns an error before
// touching any exchange. Leg failures are reported in the Result, not as an
// error.
func (e *Executor) Execute(ctx context.Context, plan *core.ExecutionPlan) (*Result, error) {
	symbol := plan.Opportunity.Symbol
	holderID := plan.LongOrder.ClientOrderID

	if !e.locks.TryAcquireSymbolLock(symbol, holderID, "open_pair") {
		return nil, fmt.Errorf("symbol %s locked by another operation", symbol)
	}
	defer e.locks.ReleaseSymbolLock(symbol, holderID)

	if err := e.locks.RegisterOrderPlacing(plan.LongOrder.Exchange, symbol, plan.LongOrder.Side); err != nil {
		return nil, err
	}
	if err := e.locks.RegisterOrderPlacing(plan.ShortOrder.Exchange, symbol, plan.ShortOrder.Side); err != nil {
		e.locks.UpdateOrderStatus(plan.LongOrder.Exchange, symbol, plan.LongOrder.Side, execlock.OrderStateFailed)
		return nil, err
	}

	result := &Result{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result.Long.Order, result.Long.Err = e.placeRegistered(gctx, &plan.LongOrder)
		return nil
	})
	g.Go(func() error {
		result.Short.Order, result.Short.Err = e.placeRegistered(gctx, &plan.ShortOrder)
		return nil
	})
	_ = g.Wait()

	if _, single := result.SingleLeg(); single {
		e.logger.Warn("Single-leg execution",
			"symbol", symbol,
			"long_error", result.Long.Err,
			"short_error", result.Short.Err)
	}
	return result, nil
}

// PlaceOrder submits one order through the resilience pipeline with slot
// registration. Used for closes and retries outside a full plan.
func (e *Executor) PlaceOrder(ctx context.Context, intent *core.OrderIntent) (*core.Order, error) {
	if err := e.locks.RegisterOrderPlacing(intent.Exchange, intent.Symbol, intent.Side); err != nil {
		return nil, err
	}
	return e.placeRegistered(ctx, intent)
}

// placeRegistered submits an order whose slot is already claimed and keeps
// the slot's state in step with the outcome.
func (e *Executor) placeRegistered(ctx context.Context, intent *core.OrderIntent) (*core.Order, error) {
	ex, ok := e.adapters[intent.Exchange]
	if !ok {
		e.locks.UpdateOrderStatus(intent.Exchange, intent.Symbol, intent.Side, execlock.OrderStateFailed)
		return nil, apperrors.NewExchangeError(intent.Exchange, "no adapter", nil)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		e.locks.UpdateOrderStatus(intent.Exchange, intent.Symbol, intent.Side, execlock.OrderStateFailed)
		return nil, err
	}

	pipeline := e.pipelines[intent.Exchange].entry
	if intent.ReduceOnly {
		pipeline = e.pipelines[intent.Exchange].close
	}
	order, err := pipeline.GetWithExecution(func(_ failsafe.Execution[*core.Order]) (*core.Order, error) {
		return ex.PlaceOrder(ctx, intent)
	})
	if err != nil {
		e.locks.UpdateOrderStatus(intent.Exchange, intent.Symbol, intent.Side, execlock.OrderStateFailed)
		return nil, apperrors.NewOrderExecutionError(intent.Exchange, intent.Symbol, string(intent.Side), err)
	}

	state := execlock.OrderStateWaitingFill
	if order.Status == core.OrderStatusFilled {
		state = execlock.OrderStateFilled
	}
	e.locks.UpdateOrderStatus(intent.Exchange, intent.Symbol, intent.Side, state)
	telemetry.AddCounter(telemetry.GetGlobalMetrics().OrdersPlaced, 1)
	return order, nil
}
