package sim

import (
	"fmt"
	"math"

	"github.com/amirphl/trend-sim/internal/position"
)

// Accountant cross-checks the cash/position/equity identity at every bar
// boundary. It tracks realized PnL independently of the portfolio's cash
// arithmetic; if the two views drift apart the run's results cannot be
// trusted and the loop aborts.
type Accountant struct {
	startingCash float64
	realizedNet  float64 // realized PnL net of closed-trade commissions
	tolerance    float64
}

// NewAccountant builds an accountant. tolerance <= 0 defaults to 1e-6.
func NewAccountant(startingCash, tolerance float64) *Accountant {
	if tolerance <= 0 {
		tolerance = 1e-6
	}
	return &Accountant{startingCash: startingCash, tolerance: tolerance}
}

// OnTrade folds one closed trade into the independent ledger.
func (a *Accountant) OnTrade(t *position.Trade) {
	a.realizedNet += t.RealizedPnL
}

// Check asserts equity == cash + Σ(position market value), reconciled
// against starting cash plus realized and unrealized PnL. marks carries the
// last valid close per symbol; on closed-market bars that is the previous
// valid close, so equity carries forward.
func (a *Accountant) Check(pf *position.Portfolio, marks map[string]float64, barIndex int) error {
	lhs := pf.Equity(marks)

	rhs := a.startingCash + a.realizedNet
	for sym, p := range pf.Positions {
		rhs += (marks[sym]-p.AvgEntry)*p.Quantity + p.RealizedGross - p.CommissionPaid
	}

	if diff := math.Abs(lhs - rhs); diff > a.tolerance {
		return fmt.Errorf("equity identity violated at bar %d: cash+mv=%.10f, ledger=%.10f, diff=%.3g",
			barIndex, lhs, rhs, diff)
	}
	return nil
}
