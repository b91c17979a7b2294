// Package position
package position

import (
	"math"
	"time"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/order"
)

// Position is one open position. Created on the first fill, mutated on every
// subsequent fill, cleared when quantity returns to zero. It also carries the
// reference prices position managers need (extremes since entry, the ATR at
// entry, the ratchet memory).
type Position struct {
	Symbol       string
	Quantity     float64 // signed: positive long, negative short
	AvgEntry     float64
	EntryBar     int
	EntryTime    time.Time
	EntryOrderID int64
	SignalRef    string

	HighestSinceEntry float64
	LowestSinceEntry  float64
	EntryATR          float64
	BarsHeld          int
	CommissionPaid    float64
	ClosedQty         float64 // quantity already closed by partial reductions
	RealizedGross     float64 // gross PnL realized by partial reductions

	// Protective-stop bookkeeping, maintained by the manager and the loop.
	StopOrderID int64
	LastStop    float64
	HasStop     bool
}

// Long reports position direction.
func (p *Position) Long() bool { return p.Quantity > 0 }

// Side returns the direction of the position.
func (p *Position) Side() order.Side {
	if p.Quantity < 0 {
		return order.Sell
	}
	return order.Buy
}

// ExitSide returns the order side that reduces the position.
func (p *Position) ExitSide() order.Side { return p.Side().Opposite() }

// AbsQuantity returns the unsigned size.
func (p *Position) AbsQuantity() float64 { return math.Abs(p.Quantity) }

// Update advances per-bar reference state. Closed bars advance the holding
// counter (time-based exits keep counting) but never touch price extremes.
func (p *Position) Update(b bar.Bar) {
	p.BarsHeld++
	if !b.Tradable() {
		return
	}
	if b.High > p.HighestSinceEntry {
		p.HighestSinceEntry = b.High
	}
	if b.Low < p.LowestSinceEntry {
		p.LowestSinceEntry = b.Low
	}
}

// Trade is one closed round trip.
type Trade struct {
	Symbol       string     `json:"symbol"`
	Side         order.Side `json:"side"`
	Quantity     float64    `json:"quantity"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    float64    `json:"exit_price"`
	EntryTime    time.Time  `json:"entry_time"`
	ExitTime     time.Time  `json:"exit_time"`
	EntryBar     int        `json:"entry_bar"`
	ExitBar      int        `json:"exit_bar"`
	BarsHeld     int        `json:"bars_held"`
	RealizedPnL  float64    `json:"realized_pnl"`
	Commission   float64    `json:"commission"`
	EntryOrderID int64      `json:"entry_order_id"`
	ExitOrderID  int64      `json:"exit_order_id"`
	SignalRef    string     `json:"signal_ref"`
	ExitGapped   bool       `json:"exit_gapped"`
}

// Portfolio holds cash and open positions for one run.
type Portfolio struct {
	Cash      float64
	Positions map[string]*Position
}

// NewPortfolio creates a portfolio with starting cash.
func NewPortfolio(cash float64) *Portfolio {
	return &Portfolio{Cash: cash, Positions: make(map[string]*Position)}
}

// Position returns the open position for a symbol, or nil.
func (pf *Portfolio) Position(symbol string) *Position {
	return pf.Positions[symbol]
}

// ApplyFill mutates cash and position state for one fill and, when the
// position returns to zero quantity, emits exactly one Trade and clears it.
// commission is the cash amount charged for this fill.
func (pf *Portfolio) ApplyFill(f order.Fill, commission float64) *Trade {
	signed := f.Quantity * float64(f.Side)
	pf.Cash -= f.Price * signed
	pf.Cash -= commission

	p := pf.Positions[f.Symbol]
	if p == nil {
		pf.Positions[f.Symbol] = &Position{
			Symbol:            f.Symbol,
			Quantity:          signed,
			AvgEntry:          f.Price,
			EntryBar:          f.BarIndex,
			EntryTime:         f.Timestamp,
			EntryOrderID:      f.OrderID,
			SignalRef:         f.SignalRef,
			HighestSinceEntry: f.Price,
			LowestSinceEntry:  f.Price,
			CommissionPaid:    commission,
		}
		return nil
	}

	sameDirection := (p.Quantity > 0) == (signed > 0)
	p.CommissionPaid += commission
	if sameDirection {
		total := p.Quantity + signed
		p.AvgEntry = (p.AvgEntry*math.Abs(p.Quantity) + f.Price*math.Abs(signed)) / math.Abs(total)
		p.Quantity = total
		return nil
	}

	direction := 1.0
	side := order.Buy
	if signed > 0 {
		// The fill was a buy, so the reduced position was short.
		direction = -1.0
		side = order.Sell
	}

	closed := math.Min(p.AbsQuantity(), math.Abs(signed))
	p.RealizedGross += (f.Price - p.AvgEntry) * closed * direction
	p.ClosedQty += closed
	p.Quantity += signed
	if math.Abs(p.Quantity) > 1e-12 && (p.Quantity > 0) != (signed > 0) {
		// Plain reduction; the position stays open.
		return nil
	}

	trade := &Trade{
		Symbol:       p.Symbol,
		Side:         side,
		Quantity:     p.ClosedQty,
		EntryPrice:   p.AvgEntry,
		ExitPrice:    f.Price,
		EntryTime:    p.EntryTime,
		ExitTime:     f.Timestamp,
		EntryBar:     p.EntryBar,
		ExitBar:      f.BarIndex,
		BarsHeld:     p.BarsHeld,
		RealizedPnL:  p.RealizedGross - p.CommissionPaid,
		Commission:   p.CommissionPaid,
		EntryOrderID: p.EntryOrderID,
		ExitOrderID:  f.OrderID,
		SignalRef:    p.SignalRef,
		ExitGapped:   f.Gapped,
	}

	if math.Abs(p.Quantity) <= 1e-12 {
		delete(pf.Positions, f.Symbol)
	} else {
		// Reversal: the remainder opens a fresh position at the fill price.
		pf.Positions[f.Symbol] = &Position{
			Symbol:            f.Symbol,
			Quantity:          p.Quantity,
			AvgEntry:          f.Price,
			EntryBar:          f.BarIndex,
			EntryTime:         f.Timestamp,
			EntryOrderID:      f.OrderID,
			SignalRef:         f.SignalRef,
			HighestSinceEntry: f.Price,
			LowestSinceEntry:  f.Price,
		}
	}
	return trade
}

// MarketValue returns the signed market value of all open positions at the
// given per-symbol marks.
func (pf *Portfolio) MarketValue(marks map[string]float64) float64 {
	var total float64
	for sym, p := range pf.Positions {
		total += p.Quantity * marks[sym]
	}
	return total
}

// Equity is cash plus position market value. The bar loop asserts the
// identity equity == cash + Σ(position value) at every bar boundary.
func (pf *Portfolio) Equity(marks map[string]float64) float64 {
	return pf.Cash + pf.MarketValue(marks)
}
