package position

import "sort"

// Stickiness summarizes how readily a configuration's exits actually fire.
// A trailing stop that perpetually chases price without triggering shows up
// here as a long tail of holding periods and a low trigger rate. Computed
// over the realized trade set after a run completes.
type Stickiness struct {
	Trades          int             `json:"trades"`
	MedianHold      float64         `json:"median_hold"`
	P95Hold         float64         `json:"p95_hold"`
	FracPastHorizon map[int]float64 `json:"frac_past_horizon"`
	ExitTriggerRate float64         `json:"exit_trigger_rate"`
}

// DefaultHorizons are the fixed holding horizons reported by ComputeStickiness
// when the caller does not supply any.
var DefaultHorizons = []int{20, 60, 120}

// ComputeStickiness builds diagnostics from closed trades. horizons may be
// nil. The exit trigger rate is exits fired per bar spent in a position.
func ComputeStickiness(trades []Trade, horizons []int) Stickiness {
	if len(horizons) == 0 {
		horizons = DefaultHorizons
	}
	s := Stickiness{
		Trades:          len(trades),
		FracPastHorizon: make(map[int]float64, len(horizons)),
	}
	if len(trades) == 0 {
		return s
	}

	holds := make([]int, len(trades))
	totalBars := 0
	for i, t := range trades {
		holds[i] = t.BarsHeld
		totalBars += t.BarsHeld
	}
	sort.Ints(holds)

	s.MedianHold = percentile(holds, 0.5)
	s.P95Hold = percentile(holds, 0.95)
	for _, h := range horizons {
		past := 0
		for _, v := range holds {
			if v > h {
				past++
			}
		}
		s.FracPastHorizon[h] = float64(past) / float64(len(holds))
	}
	if totalBars > 0 {
		s.ExitTriggerRate = float64(len(trades)) / float64(totalBars)
	}
	return s
}

// percentile over a sorted int slice, linear interpolation between ranks.
func percentile(sorted []int, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return float64(sorted[len(sorted)-1])
	}
	return float64(sorted[lo]) + frac*float64(sorted[lo+1]-sorted[lo])
}
