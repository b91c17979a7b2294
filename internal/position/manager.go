package position

import (
	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/instrument"
	"github.com/amirphl/trend-sim/internal/order"
)

// Manager wraps one stop formula with the behavior every strategy shares:
// the ratchet, tick rounding, and intent emission. OnBar never fills
// anything; it only requests order changes that the loop applies at the
// start of the next bar.
type Manager struct {
	formula StopFormula
	ins     instrument.Instrument
}

// NewManager builds a manager around a formula.
func NewManager(formula StopFormula, ins instrument.Instrument) *Manager {
	return &Manager{formula: formula, ins: ins}
}

// Name returns the underlying formula name.
func (m *Manager) Name() string { return m.formula.Name() }

// Warmup is the indicator history required before the first intent.
func (m *Manager) Warmup() int { return m.formula.Lookback() }

// OnBar emits the maintenance intents for the next bar. pos may be nil
// (flat). The ratchet invariant is enforced here, once, for every formula:
// a long stop never decreases and a short stop never increases for the life
// of the position, no matter what the raw formula output does.
func (m *Manager) OnBar(pos *Position, b bar.Bar, ctx BarContext) []order.Intent {
	if pos == nil || pos.AbsQuantity() == 0 {
		return nil
	}

	// Time-based exits keep counting through closed-market bars.
	if te, ok := m.formula.(TimeExiter); ok && te.ExitNow(pos, ctx) {
		var intents []order.Intent
		if pos.StopOrderID != 0 {
			intents = append(intents, order.Intent{Kind: order.IntentCancel, TargetID: pos.StopOrderID})
		}
		intents = append(intents, order.Intent{Kind: order.IntentSubmit, Spec: order.Spec{
			Symbol:    pos.Symbol,
			Side:      pos.ExitSide(),
			Type:      order.Market,
			ExecAt:    order.ExecOpen,
			Quantity:  pos.AbsQuantity(),
			Reduce:    true,
			SignalRef: pos.SignalRef,
		}})
		return intents
	}

	// No usable prices on a closed bar; the working stop stays as is.
	if !b.Tradable() {
		return nil
	}

	raw, ok := m.formula.Level(pos, ctx)
	if !ok {
		return nil
	}

	level := m.roundStop(pos, raw)
	level = m.ratchet(pos, level)

	if pos.HasStop && level == pos.LastStop && pos.StopOrderID != 0 {
		return nil // nothing to change
	}
	pos.LastStop = level
	pos.HasStop = true

	spec := order.Spec{
		Symbol:    pos.Symbol,
		Side:      pos.ExitSide(),
		Type:      order.Stop,
		StopPrice: level,
		Quantity:  pos.AbsQuantity(),
		Reduce:    true,
		SignalRef: pos.SignalRef,
	}
	if pos.StopOrderID == 0 {
		return []order.Intent{{Kind: order.IntentSubmit, Spec: spec}}
	}
	return []order.Intent{{Kind: order.IntentReplace, TargetID: pos.StopOrderID, Spec: spec}}
}

// ratchet clamps the new level against the last emitted one. This holds even
// when the volatility input widens or a gap breaches the stop: the level is
// never loosened to catch up.
func (m *Manager) ratchet(pos *Position, level float64) float64 {
	if !pos.HasStop {
		return level
	}
	if pos.Long() {
		if level < pos.LastStop {
			return pos.LastStop
		}
		return level
	}
	if level > pos.LastStop {
		return pos.LastStop
	}
	return level
}

// roundStop puts the level on the tick grid. Rounding is monotone, so it
// preserves the ratchet: long stops round up (sell side), short stops round
// down.
func (m *Manager) roundStop(pos *Position, level float64) float64 {
	if m.ins.TickSize <= 0 {
		return level
	}
	if pos.Long() {
		return m.ins.RoundPriceSell(level)
	}
	return m.ins.RoundPriceBuy(level)
}
