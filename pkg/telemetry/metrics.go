package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOpportunitiesFound  = "funding_arb_opportunities_found_total"
	MetricBestSpreadAPR       = "funding_arb_best_spread_apr"
	MetricPlansBuilt          = "funding_arb_plans_built_total"
	MetricPlansRejected       = "funding_arb_plans_rejected_total"
	MetricOrdersPlacedTotal   = "funding_arb_orders_placed_total"
	MetricSingleLegRetries    = "funding_arb_single_leg_retries_total"
	MetricSingleLegClosures   = "funding_arb_single_leg_closures_total"
	MetricEmergencyCloses     = "funding_arb_emergency_closes_total"
	MetricPairedPositions     = "funding_arb_paired_positions"
	MetricLockContention      = "funding_arb_lock_contention_total"
	MetricLiquidationDistance = "funding_arb_liquidation_proximity"
)

// MetricsHolder holds the initialized instruments plus state backing the
// observable gauges.
type MetricsHolder struct {
	OpportunitiesFound metric.Int64Counter
	PlansBuilt         metric.Int64Counter
	PlansRejected      metric.Int64Counter
	OrdersPlaced       metric.Int64Counter
	SingleLegRetries   metric.Int64Counter
	SingleLegClosures  metric.Int64Counter
	EmergencyCloses    metric.Int64Counter
	LockContention     metric.Int64Counter
	BestSpreadAPR      metric.Float64ObservableGauge
	PairedPositions    metric.Int64ObservableGauge
	LiquidationProx    metric.Float64ObservableGauge

	mu             sync.RWMutex
	bestSpreadMap  map[string]float64
	pairedCount    int64
	liqProximity   map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			bestSpreadMap: make(map[string]float64),
			liqProximity:  make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics registers the instruments on the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OpportunitiesFound, err = meter.Int64Counter(MetricOpportunitiesFound,
		metric.WithDescription("Total arbitrage opportunities discovered")); err != nil {
		return err
	}
	if m.PlansBuilt, err = meter.Int64Counter(MetricPlansBuilt,
		metric.WithDescription("Total execution plans built")); err != nil {
		return err
	}
	if m.PlansRejected, err = meter.Int64Counter(MetricPlansRejected,
		metric.WithDescription("Total execution plans rejected by a gate")); err != nil {
		return err
	}
	if m.OrdersPlaced, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Total leg orders placed")); err != nil {
		return err
	}
	if m.SingleLegRetries, err = meter.Int64Counter(MetricSingleLegRetries,
		metric.WithDescription("Total single-leg recovery retries")); err != nil {
		return err
	}
	if m.SingleLegClosures, err = meter.Int64Counter(MetricSingleLegClosures,
		metric.WithDescription("Total single-leg forced closures")); err != nil {
		return err
	}
	if m.EmergencyCloses, err = meter.Int64Counter(MetricEmergencyCloses,
		metric.WithDescription("Total liquidation-risk emergency closes")); err != nil {
		return err
	}
	if m.LockContention, err = meter.Int64Counter(MetricLockContention,
		metric.WithDescription("Total failed symbol lock acquisitions")); err != nil {
		return err
	}

	if m.BestSpreadAPR, err = meter.Float64ObservableGauge(MetricBestSpreadAPR,
		metric.WithDescription("Best annualized funding spread per symbol"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for symbol, v := range m.bestSpreadMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("symbol", symbol)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.PairedPositions, err = meter.Int64ObservableGauge(MetricPairedPositions,
		metric.WithDescription("Currently open paired positions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pairedCount)
			return nil
		})); err != nil {
		return err
	}
	if m.LiquidationProx, err = meter.Float64ObservableGauge(MetricLiquidationDistance,
		metric.WithDescription("Liquidation proximity per leg (1.0 = at liquidation)"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, v := range m.liqProximity {
				obs.Observe(v, metric.WithAttributes(attribute.String("leg", key)))
			}
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// SetBestSpreadAPR records the best annualized spread observed for a symbol.
func (m *MetricsHolder) SetBestSpreadAPR(symbol string, apr float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bestSpreadMap[symbol] = apr
}

// SetPairedPositions records the current paired-position count.
func (m *MetricsHolder) SetPairedPositions(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairedCount = n
}

// SetLiquidationProximity records the proximity for one leg.
func (m *MetricsHolder) SetLiquidationProximity(exchange, symbol string, proximity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liqProximity[exchange+":"+symbol] = proximity
}

// AddCounter is a nil-safe counter increment helper for components that may
// run before telemetry setup (tests).
func AddCounter(c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(context.Background(), n)
	}
}
