// Package twap splits a target notional into timed slices sized to each
// venue's calibrated liquidity, so large entries neither move the book nor
// straddle a funding boundary.
package twap

import (
	"time"

	"github.com/shopspring/decimal"
)

// Confidence reflects how much calibration data backed a schedule.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// LiquidityProfile is an externally calibrated view of one venue's book.
type LiquidityProfile struct {
	Exchange          string
	AvgBookDepthUSD   decimal.Decimal // near-touch depth a slice can draw on
	ReplenishInterval time.Duration   // time for the book to refill after a take
	SlippagePerUnit   decimal.Decimal // marginal slippage per USD of slice
	SampleCount       int             // observations behind the calibration
	CalibratedAt      time.Time
}

// Constraints bound a schedule.
type Constraints struct {
	MaxBookUsage     decimal.Decimal // fraction of depth one slice may take
	MinSliceUSD      decimal.Decimal
	MaxSliceUSD      decimal.Decimal
	MinSliceInterval time.Duration
	MaxSliceInterval time.Duration
	FundingBuffer    time.Duration // finish this long before the next funding
}

func (c *Constraints) applyDefaults() {
	if c.MaxBookUsage.IsZero() {
		c.MaxBookUsage = decimal.NewFromFloat(0.1)
	}
	if c.MinSliceUSD.IsZero() {
		c.MinSliceUSD = decimal.NewFromInt(10)
	}
	if c.MaxSliceUSD.IsZero() {
		c.MaxSliceUSD = decimal.NewFromInt(10000)
	}
	if c.MinSliceInterval == 0 {
		c.MinSliceInterval = 2 * time.Second
	}
	if c.MaxSliceInterval == 0 {
		c.MaxSliceInterval = time.Minute
	}
	if c.FundingBuffer == 0 {
		c.FundingBuffer = 5 * time.Minute
	}
}

// Schedule is the computed execution plan for one venue.
type Schedule struct {
	SliceCount    int
	SliceUSD      decimal.Decimal
	SliceInterval time.Duration
	TotalDuration time.Duration
	Confidence    Confidence
}

// staleness beyond which a calibration only earns MEDIUM confidence
const calibrationMaxAge = 24 * time.Hour

// minSamplesHigh is the observation count needed for HIGH confidence.
const minSamplesHigh = 50

// Optimizer computes slice schedules from calibration profiles.
type Optimizer struct {
	profiles    map[string]LiquidityProfile
	constraints Constraints
}

// NewOptimizer creates an optimizer. profiles may be nil; every venue then
// falls back to conservative defaults with LOW confidence.
func NewOptimizer(profiles map[string]LiquidityProfile, constraints Constraints) *Optimizer {
	constraints.applyDefaults()
	cp := make(map[string]LiquidityProfile, len(profiles))
	for k, v := range profiles {
		cp[k] = v
	}
	return &Optimizer{profiles: cp, constraints: constraints}
}

// Plan computes a slice schedule for the target notional on one venue.
// timeToFunding bounds the total duration; zero means no funding deadline.
func (o *Optimizer) Plan(exchange string, targetUSD decimal.Decimal, timeToFunding time.Duration) Schedule {
	c := o.constraints

	profile, calibrated := o.profiles[exchange]
	sliceUSD := c.MinSliceUSD
	interval := c.MaxSliceInterval
	confidence := ConfidenceLow

	if calibrated && profile.AvgBookDepthUSD.Sign() > 0 {
		sliceUSD = profile.AvgBookDepthUSD.Mul(c.MaxBookUsage)
		interval = profile.ReplenishInterval
		confidence = ConfidenceMedium
		if profile.SampleCount >= minSamplesHigh && time.Since(profile.CalibratedAt) <= calibrationMaxAge {
			confidence = ConfidenceHigh
		}
	}

	if sliceUSD.LessThan(c.MinSliceUSD) {
		sliceUSD = c.MinSliceUSD
	}
	if sliceUSD.GreaterThan(c.MaxSliceUSD) {
		sliceUSD = c.MaxSliceUSD
	}
	if interval < c.MinSliceInterval {
		interval = c.MinSliceInterval
	}
	if interval > c.MaxSliceInterval {
		interval = c.MaxSliceInterval
	}

	if targetUSD.LessThanOrEqual(sliceUSD) {
		return Schedule{SliceCount: 1, SliceUSD: targetUSD, SliceInterval: 0, Confidence: confidence}
	}

	count := int(targetUSD.Div(sliceUSD).Ceil().IntPart())

	// compress the schedule to finish before the funding boundary, down to
	// the minimum interval; past that the slices grow instead
	if timeToFunding > 0 {
		deadline := timeToFunding - c.FundingBuffer
		if deadline <= 0 {
			deadline = c.MinSliceInterval
		}
		for count > 1 && time.Duration(count-1)*interval > deadline {
			if interval > c.MinSliceInterval {
				interval = maxDuration(deadline/time.Duration(count-1), c.MinSliceInterval)
				continue
			}
			count--
		}
		sliceUSD = targetUSD.Div(decimal.NewFromInt(int64(count)))
		if sliceUSD.GreaterThan(c.MaxSliceUSD) {
			// the deadline cannot be honored within the slice cap; take the
			// cap and accept finishing closer to the boundary
			sliceUSD = c.MaxSliceUSD
			count = int(targetUSD.Div(sliceUSD).Ceil().IntPart())
			if confidence == ConfidenceHigh {
				confidence = ConfidenceMedium
			}
		}
	} else {
		sliceUSD = targetUSD.Div(decimal.NewFromInt(int64(count)))
	}

	return Schedule{
		SliceCount:    count,
		SliceUSD:      sliceUSD,
		SliceInterval: interval,
		TotalDuration: time.Duration(count-1) * interval,
		Confidence:    confidence,
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
