package sim

import (
	"time"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/order"
	"github.com/amirphl/trend-sim/internal/position"
)

// EquityPoint is one bar-boundary observation of the equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	BarIndex  int       `json:"bar_index"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
}

// Result is everything one symbol's run produces: ordered fills, closed
// trades, and the equity curve, each carrying enough provenance (order ids,
// signal references) for external reporting to consume. The kernel does not
// format or persist any of it.
type Result struct {
	Symbol       string              `json:"symbol"`
	Strategy     string              `json:"strategy"`
	Seed         int64               `json:"seed"`
	Bars         int                 `json:"bars"`
	StartingCash float64             `json:"starting_cash"`
	FinalEquity  float64             `json:"final_equity"`
	MaxEquity    float64             `json:"max_equity"`
	MaxDrawdown  float64             `json:"max_drawdown"`
	Wins         int                 `json:"wins"`
	Losses       int                 `json:"losses"`
	Fills        []order.Fill        `json:"fills"`
	Trades       []position.Trade    `json:"trades"`
	Equity       []EquityPoint       `json:"equity"`
	Stickiness   position.Stickiness `json:"stickiness"`
	StartTime    time.Time           `json:"start_time"`
	EndTime      time.Time           `json:"end_time"`
}

func (l *Loop) buildResult(bars []bar.Bar) Result {
	r := Result{
		Symbol:       l.cfg.Symbol,
		Strategy:     l.manager.Name(),
		Bars:         len(bars),
		StartingCash: l.cfg.StartingCash,
		FinalEquity:  l.cfg.StartingCash,
		MaxEquity:    l.cfg.StartingCash,
		Fills:        l.book.Fills(),
		Trades:       l.trades,
		Equity:       l.equity,
		Stickiness:   position.ComputeStickiness(l.trades, nil),
	}
	if l.rc != nil {
		r.Seed = l.rc.Seed
	}
	if len(bars) > 0 {
		r.StartTime = bars[0].Timestamp
		r.EndTime = bars[len(bars)-1].Timestamp
	}
	for _, p := range l.equity {
		if p.Equity > r.MaxEquity {
			r.MaxEquity = p.Equity
		}
		if dd := r.MaxEquity - p.Equity; dd > r.MaxDrawdown {
			r.MaxDrawdown = dd
		}
		r.FinalEquity = p.Equity
	}
	for _, t := range l.trades {
		if t.RealizedPnL > 0 {
			r.Wins++
		} else {
			r.Losses++
		}
	}
	return r
}
