// Package instrument
package instrument

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Instrument carries the contract terms needed to round prices and
// quantities onto the exchange grid.
type Instrument struct {
	Symbol   string  `yaml:"symbol" json:"symbol"`
	TickSize float64 `yaml:"tick_size" json:"tick_size"`
	LotSize  float64 `yaml:"lot_size" json:"lot_size"`
}

// Validate checks the instrument definition before a run starts.
func (ins Instrument) Validate() error {
	if ins.Symbol == "" {
		return fmt.Errorf("instrument symbol cannot be empty")
	}
	if ins.TickSize <= 0 {
		return fmt.Errorf("instrument %s: tick size must be positive, got %v", ins.Symbol, ins.TickSize)
	}
	if ins.LotSize <= 0 {
		return fmt.Errorf("instrument %s: lot size must be positive, got %v", ins.Symbol, ins.LotSize)
	}
	return nil
}

// RoundPriceBuy rounds a buy price down to the tick grid so the rounded
// order is never more aggressive than the requested level.
func (ins Instrument) RoundPriceBuy(price float64) float64 {
	return ins.roundToTick(price, false)
}

// RoundPriceSell rounds a sell price up to the tick grid, symmetric to
// RoundPriceBuy.
func (ins Instrument) RoundPriceSell(price float64) float64 {
	return ins.roundToTick(price, true)
}

// RoundQuantity rounds a quantity down to the lot grid. A quantity smaller
// than one lot rounds to zero; callers treat that as "no order".
func (ins Instrument) RoundQuantity(qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(qty)
	lot := decimal.NewFromFloat(ins.LotSize)
	lots := q.Div(lot).Floor()
	f, _ := lots.Mul(lot).Float64()
	return f
}

func (ins Instrument) roundToTick(price float64, up bool) float64 {
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(ins.TickSize)
	ticks := p.Div(tick)
	if up {
		ticks = ticks.Ceil()
	} else {
		ticks = ticks.Floor()
	}
	f, _ := ticks.Mul(tick).Float64()
	return f
}
