// Package risk watches open pairs for liquidation proximity and force-closes
// endangered legs, and gates new entries behind a realized-loss circuit
// breaker.
package risk

import (
	"context"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/infrastructure/concurrency"
	"funding_arb/internal/trading/position"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Config tunes the liquidation monitor.
type Config struct {
	Interval           time.Duration
	EmergencyThreshold decimal.Decimal
	WarningThreshold   decimal.Decimal
	MaxCloseRetries    int
	DryRun             bool
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.EmergencyThreshold.IsZero() {
		c.EmergencyThreshold = decimal.NewFromFloat(0.9)
	}
	if c.WarningThreshold.IsZero() {
		c.WarningThreshold = decimal.NewFromFloat(0.7)
	}
	if c.MaxCloseRetries <= 0 {
		c.MaxCloseRetries = 2
	}
}

// CloseOutcome records one leg of an emergency close attempt.
type CloseOutcome struct {
	Exchange string
	Symbol   string
	Side     core.PositionSide
	Success  bool
	Error    string
}

// Monitor periodically scans paired positions for liquidation risk.
type Monitor struct {
	manager *position.Manager
	pool    *concurrency.WorkerPool
	cfg     Config
	logger  core.ILogger
}

// NewMonitor wires a liquidation monitor over the lifecycle manager.
func NewMonitor(manager *position.Manager, pool *concurrency.WorkerPool, cfg Config, logger core.ILogger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		manager: manager,
		pool:    pool,
		cfg:     cfg,
		logger:  logger.WithField("component", "liquidation_monitor"),
	}
}

// Run scans on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan checks every paired position once. Pairs are evaluated concurrently on
// the worker pool; one slow venue never delays the others' checks.
func (m *Monitor) Scan(ctx context.Context) {
	pairs, _ := m.manager.Snapshot(ctx)

	group := m.pool.Group()
	for _, pair := range pairs {
		pair := pair
		group.Submit(func() {
			m.checkPair(ctx, &pair)
		})
	}
	group.Wait()
}

func (m *Monitor) checkPair(ctx context.Context, pair *core.PairedPosition) {
	emergency := false
	for _, leg := range []*core.Position{pair.Long, pair.Short} {
		if leg == nil {
			continue
		}
		proximity := LegProximity(leg)
		prox, _ := proximity.Float64()
		telemetry.GetGlobalMetrics().SetLiquidationProximity(leg.Exchange, leg.Symbol, prox)

		switch {
		case proximity.GreaterThanOrEqual(m.cfg.EmergencyThreshold):
			m.logger.Error("Liquidation proximity critical",
				"symbol", leg.Symbol, "exchange", leg.Exchange, "side", leg.Side,
				"proximity", proximity.String())
			emergency = true
		case proximity.GreaterThanOrEqual(m.cfg.WarningThreshold):
			m.logger.Warn("Liquidation proximity elevated",
				"symbol", leg.Symbol, "exchange", leg.Exchange, "side", leg.Side,
				"proximity", proximity.String())
		}
	}
	if emergency {
		m.EmergencyClose(ctx, pair)
	}
}

// EmergencyClose closes both legs independently; a failed leg never blocks
// the attempt on the other. Each leg gets a bounded number of attempts. In
// dry-run mode outcomes are computed and logged but no order is placed.
func (m *Monitor) EmergencyClose(ctx context.Context, pair *core.PairedPosition) []CloseOutcome {
	var outcomes []CloseOutcome
	legs := []struct {
		leg   *core.Position
		other string
	}{
		{pair.Long, exchangeOf(pair.Short)},
		{pair.Short, exchangeOf(pair.Long)},
	}
	for _, l := range legs {
		if l.leg == nil {
			continue
		}
		outcome := CloseOutcome{Exchange: l.leg.Exchange, Symbol: l.leg.Symbol, Side: l.leg.Side}
		if m.cfg.DryRun {
			outcome.Success = true
			m.logger.Warn("Dry-run emergency close", "symbol", l.leg.Symbol, "exchange", l.leg.Exchange)
			outcomes = append(outcomes, outcome)
			continue
		}

		var err error
		for attempt := 0; attempt < m.cfg.MaxCloseRetries; attempt++ {
			if err = m.manager.CloseLeg(ctx, l.leg, l.other, "liquidation risk"); err == nil {
				break
			}
		}
		if err != nil {
			outcome.Error = err.Error()
			m.logger.Error("Emergency close failed",
				"symbol", l.leg.Symbol, "exchange", l.leg.Exchange, "error", err)
		} else {
			outcome.Success = true
			telemetry.AddCounter(telemetry.GetGlobalMetrics().EmergencyCloses, 1)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func exchangeOf(leg *core.Position) string {
	if leg == nil {
		return ""
	}
	return leg.Exchange
}

// LegProximity measures how far a leg has travelled from its entry toward its
// liquidation price: 0 at entry, 1 at liquidation, clamped to [0, 1]. Legs
// without a reported liquidation price score 0.
func LegProximity(leg *core.Position) decimal.Decimal {
	if leg.LiquidationPrice.Sign() <= 0 || leg.MarkPrice.Sign() <= 0 {
		return decimal.Zero
	}
	span := leg.EntryPrice.Sub(leg.LiquidationPrice)
	if span.Sign() == 0 {
		return decimal.NewFromInt(1)
	}
	// remaining carries the sign of the entry-to-liquidation direction; once
	// the mark crosses the liquidation price it flips negative.
	remaining := leg.MarkPrice.Sub(leg.LiquidationPrice)
	if remaining.Sign() == 0 || remaining.Sign() != span.Sign() {
		return decimal.NewFromInt(1)
	}
	travelled := decimal.NewFromInt(1).Sub(remaining.Div(span))
	if travelled.Sign() < 0 {
		return decimal.Zero
	}
	if travelled.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return travelled
}
