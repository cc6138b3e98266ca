package position_test

import (
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/position"

	"github.com/stretchr/testify/assert"
)

func pairedPosition(openedAgo time.Duration) *core.PairedPosition {
	openedAt := time.Time{}
	if openedAgo > 0 {
		openedAt = time.Now().Add(-openedAgo)
	}
	return &core.PairedPosition{
		Symbol: "BTCUSDT",
		Long:   &core.Position{Exchange: "alpha", Symbol: "BTCUSDT", Side: core.PositionLong, Size: d(0.18), OpenedAt: openedAt},
		Short:  &core.Position{Exchange: "beta", Symbol: "BTCUSDT", Side: core.PositionShort, Size: d(0.18), OpenedAt: openedAt},
	}
}

func TestStickinessClosesSeverelyNegativeSpread(t *testing.T) {
	h := newHarness(t)

	action, reason := h.manager.EvaluateStickiness(pairedPosition(2*time.Hour), d(-0.001), nil)
	assert.Equal(t, position.ActionClose, action, reason)
}

func TestStickinessSevereSpreadOverridesYouth(t *testing.T) {
	h := newHarness(t)

	action, _ := h.manager.EvaluateStickiness(pairedPosition(time.Minute), d(-0.001), nil)
	assert.Equal(t, position.ActionClose, action)
}

func TestStickinessKeepsYoungPosition(t *testing.T) {
	h := newHarness(t)
	candidate := &position.ReplacementCandidate{
		Opportunity: core.Opportunity{Symbol: "BTCUSDT", Spread: d(0.01)},
		SizeUSD:     d(18),
		EntryCost:   d(0.01),
	}

	action, reason := h.manager.EvaluateStickiness(pairedPosition(time.Minute), d(0.0001), candidate)
	assert.Equal(t, position.ActionKeep, action)
	assert.Equal(t, "young position grace", reason)
}

func TestStickinessKeepsMildlyNegativeSpread(t *testing.T) {
	h := newHarness(t)

	action, _ := h.manager.EvaluateStickiness(pairedPosition(2*time.Hour), d(-0.0001), nil)
	assert.Equal(t, position.ActionKeep, action)
}

func TestStickinessKeepsWhenImprovementBelowChurn(t *testing.T) {
	h := newHarness(t)
	// improvement 0.00001/period on 18 USD over 24h = 0.00432, churn 0.05 * 1.5
	candidate := &position.ReplacementCandidate{
		Opportunity: core.Opportunity{Symbol: "BTCUSDT", Spread: d(0.00021)},
		SizeUSD:     d(18),
		EntryCost:   d(0.05),
	}

	action, _ := h.manager.EvaluateStickiness(pairedPosition(2*time.Hour), d(0.0002), candidate)
	assert.Equal(t, position.ActionKeep, action)
}

func TestStickinessReplacesWhenGainBeatsChurn(t *testing.T) {
	h := newHarness(t)
	// improvement 0.0008/period on 18 USD over 24h = 0.3456, churn 0.05 * 1.5
	candidate := &position.ReplacementCandidate{
		Opportunity: core.Opportunity{Symbol: "BTCUSDT", Spread: d(0.001)},
		SizeUSD:     d(18),
		EntryCost:   d(0.05),
	}

	action, _ := h.manager.EvaluateStickiness(pairedPosition(2*time.Hour), d(0.0002), candidate)
	assert.Equal(t, position.ActionReplace, action)
}

func TestStickinessKeepsWithoutCandidate(t *testing.T) {
	h := newHarness(t)

	action, _ := h.manager.EvaluateStickiness(pairedPosition(2*time.Hour), d(0.0003), nil)
	assert.Equal(t, position.ActionKeep, action)
}
