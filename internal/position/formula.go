package position

import (
	"fmt"
	"math"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/indicator"
)

// BarContext is the read-only per-bar view handed to stop formulas: the bar,
// its index, and the precomputed indicator series.
type BarContext struct {
	Bar   bar.Bar
	Index int
	Ind   *indicator.Set
}

// atr returns the ATR at the current bar, NaN when not yet available.
func (c BarContext) atr() float64 {
	if c.Ind == nil || c.Index >= len(c.Ind.ATR) {
		return math.NaN()
	}
	return c.Ind.ATR[c.Index]
}

// StopFormula computes the raw (un-ratcheted) protective stop level for an
// open position. The nine concrete strategies differ only here; activation,
// the ratchet, and intent emission are shared by the Manager.
type StopFormula interface {
	Name() string
	// Lookback is the indicator history the formula needs before it can
	// produce a level; the warmup gate uses the maximum across the config.
	Lookback() int
	// Level returns the stop level and whether one is available this bar.
	Level(pos *Position, ctx BarContext) (float64, bool)
}

// TimeExiter is the optional capability of formulas that force an exit after
// a holding period, independent of price.
type TimeExiter interface {
	ExitNow(pos *Position, ctx BarContext) bool
}

// Params selects and parameterizes one stop formula.
type Params struct {
	Strategy         string  `yaml:"strategy"`
	ATRPeriod        int     `yaml:"atr_period"`
	ATRMult          float64 `yaml:"atr_mult"`
	ExtremePeriod    int     `yaml:"extreme_period"`
	Percent          float64 `yaml:"percent"`
	BreakevenTrigger float64 `yaml:"breakeven_trigger"`
	DecayPerBar      float64 `yaml:"decay_per_bar"`
	MinMult          float64 `yaml:"min_mult"`
	MaxHoldBars      int     `yaml:"max_hold_bars"`
}

// Strategies is the closed set of formula variants. The coverage test
// instantiates every one of them.
var Strategies = []string{
	"trail-recent-high",
	"trail-entry-high",
	"percent-trail",
	"frozen-entry",
	"time-decay",
	"max-hold",
	"fixed-stop",
	"breakeven-trail",
	"close-trail",
}

// Validate rejects parameter combinations before any bar is processed.
func (p Params) Validate() error {
	known := false
	for _, s := range Strategies {
		if p.Strategy == s {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	if p.ATRPeriod < 0 || p.ExtremePeriod < 0 || p.MaxHoldBars < 0 {
		return fmt.Errorf("strategy %s: lookbacks must be non-negative", p.Strategy)
	}
	if p.Percent < 0 || p.ATRMult < 0 || p.DecayPerBar < 0 || p.MinMult < 0 {
		return fmt.Errorf("strategy %s: widths must be non-negative", p.Strategy)
	}
	switch p.Strategy {
	case "trail-recent-high":
		if p.ATRPeriod == 0 || p.ExtremePeriod == 0 {
			return fmt.Errorf("strategy %s requires atr_period and extreme_period", p.Strategy)
		}
	case "trail-entry-high", "frozen-entry", "close-trail", "time-decay":
		if p.ATRPeriod == 0 {
			return fmt.Errorf("strategy %s requires atr_period", p.Strategy)
		}
	case "percent-trail", "fixed-stop":
		if p.Percent == 0 {
			return fmt.Errorf("strategy %s requires percent", p.Strategy)
		}
	case "breakeven-trail":
		if p.Percent == 0 || p.BreakevenTrigger == 0 {
			return fmt.Errorf("strategy %s requires percent and breakeven_trigger", p.Strategy)
		}
	case "max-hold":
		if p.ATRPeriod == 0 || p.MaxHoldBars == 0 {
			return fmt.Errorf("strategy %s requires atr_period and max_hold_bars", p.Strategy)
		}
	}
	return nil
}

// NewFormula builds the formula variant named by the params.
func NewFormula(p Params) (StopFormula, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Strategy {
	case "trail-recent-high":
		return &trailRecentHigh{p}, nil
	case "trail-entry-high":
		return &trailEntryHigh{p}, nil
	case "percent-trail":
		return &percentTrail{p}, nil
	case "frozen-entry":
		return &frozenEntry{p}, nil
	case "time-decay":
		return &timeDecay{p}, nil
	case "max-hold":
		return &maxHold{frozenEntry{p}, p.MaxHoldBars}, nil
	case "fixed-stop":
		return &fixedStop{p}, nil
	case "breakeven-trail":
		return &breakevenTrail{p}, nil
	case "close-trail":
		return &closeTrail{p}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", p.Strategy)
}

// trailRecentHigh trails the rolling extreme of the last N bars by an ATR
// multiple.
type trailRecentHigh struct{ p Params }

func (f *trailRecentHigh) Name() string { return "trail-recent-high" }

func (f *trailRecentHigh) Lookback() int {
	if f.p.ATRPeriod > f.p.ExtremePeriod {
		return f.p.ATRPeriod
	}
	return f.p.ExtremePeriod
}

func (f *trailRecentHigh) Level(pos *Position, ctx BarContext) (float64, bool) {
	atr := ctx.atr()
	if math.IsNaN(atr) || ctx.Ind == nil || ctx.Index >= len(ctx.Ind.HighN) {
		return 0, false
	}
	if pos.Long() {
		ref := ctx.Ind.HighN[ctx.Index]
		if math.IsNaN(ref) {
			return 0, false
		}
		return ref - f.p.ATRMult*atr, true
	}
	ref := ctx.Ind.LowN[ctx.Index]
	if math.IsNaN(ref) {
		return 0, false
	}
	return ref + f.p.ATRMult*atr, true
}

// trailEntryHigh trails the best price seen since entry by an ATR multiple
// (chandelier-style).
type trailEntryHigh struct{ p Params }

func (f *trailEntryHigh) Name() string  { return "trail-entry-high" }
func (f *trailEntryHigh) Lookback() int { return f.p.ATRPeriod }

func (f *trailEntryHigh) Level(pos *Position, ctx BarContext) (float64, bool) {
	atr := ctx.atr()
	if math.IsNaN(atr) {
		return 0, false
	}
	if pos.Long() {
		return pos.HighestSinceEntry - f.p.ATRMult*atr, true
	}
	return pos.LowestSinceEntry + f.p.ATRMult*atr, true
}

// percentTrail trails the close by a fixed percentage.
type percentTrail struct{ p Params }

func (f *percentTrail) Name() string  { return "percent-trail" }
func (f *percentTrail) Lookback() int { return 1 }

func (f *percentTrail) Level(pos *Position, ctx BarContext) (float64, bool) {
	if pos.Long() {
		return ctx.Bar.Close * (1 - f.p.Percent/100), true
	}
	return ctx.Bar.Close * (1 + f.p.Percent/100), true
}

// frozenEntry computes one level from the ATR at entry and never moves it.
type frozenEntry struct{ p Params }

func (f *frozenEntry) Name() string  { return "frozen-entry" }
func (f *frozenEntry) Lookback() int { return f.p.ATRPeriod }

func (f *frozenEntry) Level(pos *Position, ctx BarContext) (float64, bool) {
	if math.IsNaN(pos.EntryATR) || pos.EntryATR == 0 {
		return 0, false
	}
	if pos.Long() {
		return pos.AvgEntry - f.p.ATRMult*pos.EntryATR, true
	}
	return pos.AvgEntry + f.p.ATRMult*pos.EntryATR, true
}

// timeDecay trails the extreme since entry with a width that shrinks as the
// position ages, tightening stale trades toward an exit.
type timeDecay struct{ p Params }

func (f *timeDecay) Name() string  { return "time-decay" }
func (f *timeDecay) Lookback() int { return f.p.ATRPeriod }

func (f *timeDecay) Level(pos *Position, ctx BarContext) (float64, bool) {
	atr := ctx.atr()
	if math.IsNaN(atr) {
		return 0, false
	}
	mult := f.p.ATRMult - f.p.DecayPerBar*float64(pos.BarsHeld)
	if mult < f.p.MinMult {
		mult = f.p.MinMult
	}
	if pos.Long() {
		return pos.HighestSinceEntry - mult*atr, true
	}
	return pos.LowestSinceEntry + mult*atr, true
}

// maxHold keeps a frozen stop and forces an exit once the holding period is
// reached.
type maxHold struct {
	frozenEntry
	maxBars int
}

func (f *maxHold) Name() string { return "max-hold" }

func (f *maxHold) ExitNow(pos *Position, _ BarContext) bool {
	return pos.BarsHeld >= f.maxBars
}

// fixedStop is a classic stop-loss at a fixed percentage from entry.
type fixedStop struct{ p Params }

func (f *fixedStop) Name() string  { return "fixed-stop" }
func (f *fixedStop) Lookback() int { return 1 }

func (f *fixedStop) Level(pos *Position, ctx BarContext) (float64, bool) {
	if pos.Long() {
		return pos.AvgEntry * (1 - f.p.Percent/100), true
	}
	return pos.AvgEntry * (1 + f.p.Percent/100), true
}

// breakevenTrail starts as a fixed stop, jumps to entry once price moves the
// trigger percentage in favor, then trails by percent.
type breakevenTrail struct{ p Params }

func (f *breakevenTrail) Name() string  { return "breakeven-trail" }
func (f *breakevenTrail) Lookback() int { return 1 }

func (f *breakevenTrail) Level(pos *Position, ctx BarContext) (float64, bool) {
	if pos.Long() {
		trigger := pos.AvgEntry * (1 + f.p.BreakevenTrigger/100)
		if pos.HighestSinceEntry < trigger {
			return pos.AvgEntry * (1 - f.p.Percent/100), true
		}
		return math.Max(pos.AvgEntry, ctx.Bar.Close*(1-f.p.Percent/100)), true
	}
	trigger := pos.AvgEntry * (1 - f.p.BreakevenTrigger/100)
	if pos.LowestSinceEntry > trigger {
		return pos.AvgEntry * (1 + f.p.Percent/100), true
	}
	return math.Min(pos.AvgEntry, ctx.Bar.Close*(1+f.p.Percent/100)), true
}

// closeTrail trails the close by an ATR multiple.
type closeTrail struct{ p Params }

func (f *closeTrail) Name() string  { return "close-trail" }
func (f *closeTrail) Lookback() int { return f.p.ATRPeriod }

func (f *closeTrail) Level(pos *Position, ctx BarContext) (float64, bool) {
	atr := ctx.atr()
	if math.IsNaN(atr) {
		return 0, false
	}
	if pos.Long() {
		return ctx.Bar.Close - f.p.ATRMult*atr, true
	}
	return ctx.Bar.Close + f.p.ATRMult*atr, true
}
