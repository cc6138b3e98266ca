package position

import (
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// StickinessAction is the verdict for an already-paired position.
type StickinessAction string

const (
	ActionKeep    StickinessAction = "KEEP"
	ActionClose   StickinessAction = "CLOSE"
	ActionReplace StickinessAction = "REPLACE"
)

// ReplacementCandidate describes a competing opportunity for the same capital.
type ReplacementCandidate struct {
	Opportunity core.Opportunity
	SizeUSD     decimal.Decimal
	EntryCost   decimal.Decimal
}

// EvaluateStickiness applies the hold-or-churn policy to a live pair:
// close on a severely negative spread, keep young positions through noise,
// and replace only when the candidate's edge over the current pair pays for
// the round-trip churn with margin.
func (m *Manager) EvaluateStickiness(pair *core.PairedPosition, liveSpread decimal.Decimal, candidate *ReplacementCandidate) (StickinessAction, string) {
	if liveSpread.LessThanOrEqual(m.cfg.SevereNegativeSpread) {
		return ActionClose, "spread severely negative"
	}

	if m.positionAge(pair) < m.cfg.YoungPositionGrace {
		return ActionKeep, "young position grace"
	}

	if candidate == nil {
		return ActionKeep, "no competing opportunity"
	}

	improvement := candidate.Opportunity.Spread.Sub(liveSpread)
	if improvement.Sign() <= 0 {
		return ActionKeep, "candidate not better"
	}

	pairKey := core.NewPairKey(pair.Symbol, pair.Long.Exchange, pair.Short.Exchange)
	churn := candidate.EntryCost
	if m.lossTracker != nil {
		churn = m.lossTracker.SwitchingCosts(pairKey, candidate.EntryCost)
	}

	// the candidate's extra income over the expected hold must beat the
	// churn cost by the configured multiplier
	gain := improvement.Mul(candidate.SizeUSD).Mul(m.cfg.ExpectedHoldHours)
	if gain.GreaterThan(churn.Mul(m.cfg.SwitchCostMultiplier)) {
		return ActionReplace, "candidate beats churn cost"
	}
	return ActionKeep, "improvement below churn threshold"
}

// positionAge is the age of the younger leg; a pair is young until both legs
// have outlived the grace period. Legs without a timestamp count as old.
func (m *Manager) positionAge(pair *core.PairedPosition) time.Duration {
	age := time.Duration(1<<62 - 1)
	for _, leg := range []*core.Position{pair.Long, pair.Short} {
		if leg == nil || leg.OpenedAt.IsZero() {
			continue
		}
		if a := time.Since(leg.OpenedAt); a < age {
			age = a
		}
	}
	return age
}
