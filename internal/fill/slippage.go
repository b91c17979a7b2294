package fill

import (
	"fmt"
	"math/rand"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/order"
)

// SlippageModel adjusts a fill price in the adverse direction: buyers pay
// more, sellers receive less. Gapped fills pay twice the base amount. Limit
// fills bypass the model entirely; the limit contract guarantees the price.
type SlippageModel interface {
	Name() string
	// Adjust returns the adjusted price and the slippage amount applied.
	Adjust(price float64, side order.Side, b bar.Bar, gapped bool) (float64, float64)
}

// NoSlippage fills at the raw simulation price.
type NoSlippage struct{}

func (NoSlippage) Name() string { return "none" }

func (NoSlippage) Adjust(price float64, _ order.Side, _ bar.Bar, _ bool) (float64, float64) {
	return price, 0
}

// PercentSlippage charges a fixed percentage of the fill price.
type PercentSlippage struct {
	Percent float64 // e.g. 0.05 for 0.05%
}

func (s PercentSlippage) Name() string { return fmt.Sprintf("percent(%.4f)", s.Percent) }

func (s PercentSlippage) Adjust(price float64, side order.Side, _ bar.Bar, gapped bool) (float64, float64) {
	amt := price * s.Percent / 100.0
	if gapped {
		amt *= 2
	}
	return price + float64(side)*amt, amt
}

// RangeSlippage charges a fraction of the bar's high-low range, so wide bars
// cost more to cross than quiet ones. The fraction is configuration, not a
// constant; see the execution presets.
type RangeSlippage struct {
	Fraction float64 // e.g. 0.1 for 10% of the bar range
}

func (s RangeSlippage) Name() string { return fmt.Sprintf("range(%.4f)", s.Fraction) }

func (s RangeSlippage) Adjust(price float64, side order.Side, b bar.Bar, gapped bool) (float64, float64) {
	amt := (b.High - b.Low) * s.Fraction
	if amt < 0 {
		amt = 0
	}
	if gapped {
		amt *= 2
	}
	return price + float64(side)*amt, amt
}

// NoiseSlippage adds a uniformly jittered percentage on top of a base
// percentage, drawn from the run's sub-seeded RNG. Two runs with the same
// (config, dataset, seed) draw identical sequences, keeping results
// bit-identical.
type NoiseSlippage struct {
	Percent float64
	Jitter  float64 // max extra percent, uniform in [0, Jitter)
	Rng     *rand.Rand
}

func (s NoiseSlippage) Name() string { return fmt.Sprintf("noise(%.4f±%.4f)", s.Percent, s.Jitter) }

func (s NoiseSlippage) Adjust(price float64, side order.Side, _ bar.Bar, gapped bool) (float64, float64) {
	pct := s.Percent
	if s.Rng != nil && s.Jitter > 0 {
		pct += s.Rng.Float64() * s.Jitter
	}
	amt := price * pct / 100.0
	if gapped {
		amt *= 2
	}
	return price + float64(side)*amt, amt
}
