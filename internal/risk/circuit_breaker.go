package risk

import (
	"sync"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// LossBreaker halts new entries after realized losses in a rolling window
// exceed a threshold. It recovers on its own once the cooldown passes.
type LossBreaker struct {
	mu        sync.Mutex
	losses    []lossEvent
	window    time.Duration
	threshold decimal.Decimal
	cooldown  time.Duration
	openUntil time.Time
	logger    core.ILogger
	now       func() time.Time
}

type lossEvent struct {
	at     time.Time
	amount decimal.Decimal
}

// NewLossBreaker creates a breaker that opens when losses within window
// reach threshold, and stays open for cooldown.
func NewLossBreaker(threshold decimal.Decimal, window, cooldown time.Duration, logger core.ILogger) *LossBreaker {
	if window == 0 {
		window = time.Hour
	}
	if cooldown == 0 {
		cooldown = 30 * time.Minute
	}
	return &LossBreaker{
		window:    window,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.WithField("component", "loss_breaker"),
		now:       time.Now,
	}
}

// RecordPnL feeds a realized result into the breaker. Profits are ignored.
func (b *LossBreaker) RecordPnL(pnl decimal.Decimal) {
	if pnl.Sign() >= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.losses = append(b.losses, lossEvent{at: now, amount: pnl.Abs()})
	b.prune(now)

	total := decimal.Zero
	for _, l := range b.losses {
		total = total.Add(l.amount)
	}
	if b.threshold.Sign() > 0 && total.GreaterThanOrEqual(b.threshold) {
		b.openUntil = now.Add(b.cooldown)
		b.logger.Error("Loss breaker opened",
			"window_loss", total.String(), "threshold", b.threshold.String(),
			"until", b.openUntil.Format(time.RFC3339))
	}
}

// AllowEntry reports whether new positions may be opened.
func (b *LossBreaker) AllowEntry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

func (b *LossBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.losses[:0]
	for _, l := range b.losses {
		if l.at.After(cutoff) {
			kept = append(kept, l)
		}
	}
	b.losses = kept
}
