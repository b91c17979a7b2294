package sim

import (
	"math"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/indicator"
)

// Signal is one precomputed entry signal per bar, supplied by the external
// signal collaborator. The kernel never recomputes signals mid-loop.
type Signal int8

const (
	SignalNone  Signal = 0
	SignalLong  Signal = 1
	SignalShort Signal = -1
)

// GenerateBreakoutSignals is a reference signal generator for runs driven
// from the CLI: long when the close breaks the trailing N-bar high, short on
// a break of the trailing N-bar low. It reads only bars 0..i for the value
// at i, so there is no look-ahead. Research callers normally bring their own
// series instead.
func GenerateBreakoutSignals(bars []bar.Bar, period int) []Signal {
	signals := make([]Signal, len(bars))
	if period <= 0 || len(bars) <= period {
		return signals
	}
	highs := indicator.RollingHigh(bars, period)
	lows := indicator.RollingLow(bars, period)
	for i := period; i < len(bars); i++ {
		if !bars[i].Tradable() {
			continue
		}
		// Compare against the extreme of the window ending at i-1 so the
		// current bar cannot confirm its own breakout.
		h, l := highs[i-1], lows[i-1]
		if math.IsNaN(h) || math.IsNaN(l) {
			continue
		}
		switch {
		case bars[i].Close > h:
			signals[i] = SignalLong
		case bars[i].Close < l:
			signals[i] = SignalShort
		}
	}
	return signals
}
