// Package rebalance keeps free capital split between a venue's spot and perp
// wallets near a target ratio, moving funds with the venue's internal
// transfer so both legs of future pairs can be sized from either side.
package rebalance

import (
	"context"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/execlock"

	"github.com/shopspring/decimal"
)

// Config tunes when and how much to move.
type Config struct {
	CheckInterval  time.Duration
	TargetRatio    decimal.Decimal // desired perp share of the venue's capital
	Tolerance      decimal.Decimal // deviation from target that triggers a move
	MinTransferUSD decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.TargetRatio.IsZero() {
		c.TargetRatio = decimal.NewFromFloat(0.5)
	}
	if c.Tolerance.IsZero() {
		c.Tolerance = decimal.NewFromFloat(0.1)
	}
	if c.MinTransferUSD.IsZero() {
		c.MinTransferUSD = decimal.NewFromInt(10)
	}
}

// Venue pairs the two wallet views of one exchange account.
type Venue struct {
	Name string
	Perp core.Exchange
	Spot core.SpotExchange
}

// Rebalancer periodically evens out wallet balances per venue.
type Rebalancer struct {
	venues []Venue
	locks  *execlock.Service
	cfg    Config
	logger core.ILogger
}

// NewRebalancer wires a rebalancer over the given venues.
func NewRebalancer(venues []Venue, locks *execlock.Service, cfg Config, logger core.ILogger) *Rebalancer {
	cfg.applyDefaults()
	return &Rebalancer{
		venues: venues,
		locks:  locks,
		cfg:    cfg,
		logger: logger.WithField("component", "rebalancer"),
	}
}

// Run checks all venues on the configured interval until the context ends.
func (r *Rebalancer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, v := range r.venues {
				if err := r.CheckAndRebalance(ctx, v); err != nil {
					r.logger.Warn("Rebalance failed", "venue", v.Name, "error", err)
				}
			}
		}
	}
}

// CheckAndRebalance moves funds for one venue when its perp share drifts
// beyond the tolerance. Balance read failures degrade to zero and therefore
// to no transfer; a transfer error is returned to the caller.
func (r *Rebalancer) CheckAndRebalance(ctx context.Context, v Venue) error {
	// the account-wide pseudo symbol serializes against executions that
	// draw on the same balances
	lockKey := "account:" + v.Name
	if !r.locks.TryAcquireSymbolLock(lockKey, "rebalancer", "rebalance") {
		return nil
	}
	defer r.locks.ReleaseSymbolLock(lockKey, "rebalancer")

	perpBal := r.balance(ctx, v.Perp)
	spotBal := r.balance(ctx, v.Spot)
	total := perpBal.Add(spotBal)
	if total.Sign() <= 0 {
		return nil
	}

	perpShare := perpBal.Div(total)
	deviation := perpShare.Sub(r.cfg.TargetRatio)
	if deviation.Abs().LessThanOrEqual(r.cfg.Tolerance) {
		return nil
	}

	amount := deviation.Abs().Mul(total)
	if amount.LessThan(r.cfg.MinTransferUSD) {
		return nil
	}

	toPerp := deviation.Sign() < 0
	if err := v.Spot.InternalTransfer(ctx, amount, toPerp); err != nil {
		return err
	}
	r.logger.Info("Rebalanced venue capital",
		"venue", v.Name, "amount", amount.String(), "to_perp", toPerp,
		"perp_share", perpShare.String())
	return nil
}

func (r *Rebalancer) balance(ctx context.Context, ex core.Exchange) decimal.Decimal {
	if ex == nil {
		return decimal.Zero
	}
	bal, err := ex.GetBalance(ctx)
	if err != nil {
		r.logger.Warn("Balance read failed, assuming zero", "exchange", ex.GetName(), "error", err)
		return decimal.Zero
	}
	return bal
}
