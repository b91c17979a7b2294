// Package indicator precomputes the numeric series position managers read.
// Everything here runs exactly once before the bar loop starts; values at
// index i depend only on bars 0..i.
package indicator

import (
	"math"

	"github.com/amirphl/trend-sim/internal/bar"
)

// Set holds the precomputed series one run needs. Slices are aligned with the
// bar series; entries before the respective warmup are NaN.
type Set struct {
	ATR      []float64
	HighN    []float64
	LowN     []float64
	ATRBased bool
}

// CalculateTrueRange returns the per-bar true range. The first element uses
// high-low only. Closed bars repeat the previous value so downstream series
// stay aligned without reading unusable prices.
func CalculateTrueRange(bars []bar.Bar) []float64 {
	if len(bars) == 0 {
		return nil
	}
	tr := make([]float64, len(bars))
	prevClose := math.NaN()
	for i, b := range bars {
		if !b.Tradable() {
			if i > 0 {
				tr[i] = tr[i-1]
			} else {
				tr[i] = math.NaN()
			}
			continue
		}
		hl := b.High - b.Low
		if math.IsNaN(prevClose) {
			tr[i] = hl
		} else {
			hc := math.Abs(b.High - prevClose)
			lc := math.Abs(b.Low - prevClose)
			tr[i] = math.Max(hl, math.Max(hc, lc))
		}
		prevClose = b.Close
	}
	return tr
}

// CalculateATR computes Wilder-smoothed average true range.
func CalculateATR(bars []bar.Bar, period int) []float64 {
	if period <= 0 || len(bars) < period {
		return nil
	}
	tr := CalculateTrueRange(bars)
	atr := make([]float64, len(bars))
	for i := 0; i < period-1; i++ {
		atr[i] = math.NaN()
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += tr[i]
	}
	atr[period-1] = sum / float64(period)
	for i := period; i < len(bars); i++ {
		atr[i] = (atr[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return atr
}

// RollingHigh returns the highest high over the trailing window ending at
// each bar (inclusive).
func RollingHigh(bars []bar.Bar, period int) []float64 {
	return rollingExtreme(bars, period, true)
}

// RollingLow returns the lowest low over the trailing window ending at each
// bar (inclusive).
func RollingLow(bars []bar.Bar, period int) []float64 {
	return rollingExtreme(bars, period, false)
}

func rollingExtreme(bars []bar.Bar, period int, high bool) []float64 {
	if period <= 0 || len(bars) < period {
		return nil
	}
	out := make([]float64, len(bars))
	for i := range bars {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		ext := math.NaN()
		for j := i - period + 1; j <= i; j++ {
			if !bars[j].Tradable() {
				continue
			}
			v := bars[j].High
			if !high {
				v = bars[j].Low
			}
			if math.IsNaN(ext) || (high && v > ext) || (!high && v < ext) {
				ext = v
			}
		}
		if math.IsNaN(ext) && i > 0 {
			ext = out[i-1]
		}
		out[i] = ext
	}
	return out
}

// Precompute builds the full indicator set for a run. atrPeriod and
// extremePeriod come from the active position-manager configuration.
func Precompute(bars []bar.Bar, atrPeriod, extremePeriod int) Set {
	return Set{
		ATR:      CalculateATR(bars, atrPeriod),
		HighN:    RollingHigh(bars, extremePeriod),
		LowN:     RollingLow(bars, extremePeriod),
		ATRBased: true,
	}
}
