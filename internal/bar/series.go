package bar

import (
	"fmt"
	"sort"
	"time"
)

// Sanitize prepares a raw per-symbol sequence for simulation: sorts by
// timestamp, drops duplicate timestamps (first occurrence wins), and degrades
// malformed bars to closed-market status instead of rejecting the dataset.
// Returns the cleaned series and the number of degraded bars.
func Sanitize(bars []Bar) ([]Bar, int) {
	if len(bars) == 0 {
		return bars, 0
	}

	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	seen := make(map[time.Time]struct{}, len(sorted))
	out := sorted[:0]
	degraded := 0
	for _, b := range sorted {
		if _, ok := seen[b.Timestamp]; ok {
			continue
		}
		seen[b.Timestamp] = struct{}{}

		if err := b.Validate(); err != nil {
			b.Status = MarketClosed
			degraded++
		}
		out = append(out, b)
	}

	return out, degraded
}

// ValidateSeries checks the structural contract an ingested series must meet
// before a run starts: non-empty, one symbol, strictly increasing timestamps.
func ValidateSeries(bars []Bar) error {
	if len(bars) == 0 {
		return fmt.Errorf("empty bar series")
	}
	symbol := bars[0].Symbol
	for i, b := range bars {
		if b.Symbol != symbol {
			return fmt.Errorf("mixed symbols in series: %s and %s at index %d", symbol, b.Symbol, i)
		}
		if i > 0 && !bars[i-1].Timestamp.Before(b.Timestamp) {
			return fmt.Errorf("timestamps not strictly increasing at index %d (%s)", i, b.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}
