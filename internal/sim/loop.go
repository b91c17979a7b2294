package sim

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/fill"
	"github.com/amirphl/trend-sim/internal/indicator"
	"github.com/amirphl/trend-sim/internal/instrument"
	"github.com/amirphl/trend-sim/internal/order"
	"github.com/amirphl/trend-sim/internal/position"
)

// LoopConfig is the per-run configuration of the bar event loop.
type LoopConfig struct {
	Symbol            string
	Instrument        instrument.Instrument
	StartingCash      float64
	OrderSize         float64 // quantity per entry
	CommissionPercent float64 // percent of fill notional
	CloseOnSignal     bool    // entries fill at the signal bar's close instead of the next open
	EquityTolerance   float64
}

// WarmupGate suppresses intent emission until indicator history suffices.
// With a warmup of N, no intent may target a bar before index N; the
// earliest emission happens at the end of bar N-1.
type WarmupGate struct{ warmup int }

// Allow reports whether intents emitted at the end of barIndex are permitted.
func (g WarmupGate) Allow(barIndex int) bool { return barIndex+1 >= g.warmup }

// AllowFillAt reports whether a fill at barIndex itself is permitted. The
// close-on-signal path fills at the signal bar's own close, one bar earlier
// than an emitted intent would, so it needs the stricter check.
func (g WarmupGate) AllowFillAt(barIndex int) bool { return barIndex >= g.warmup }

// Loop runs one symbol through the four-phase bar state machine:
// Start-of-Bar, Intrabar, End-of-Bar, Post-Bar. Everything it needs is
// resident before Run starts; no I/O happens inside the loop.
type Loop struct {
	cfg       LoopConfig
	engine    *fill.Engine
	manager   *position.Manager
	book      *order.Book
	portfolio *position.Portfolio
	acct      *Accountant
	gate      WarmupGate
	ind       *indicator.Set
	rc        *RunContext
	log       *zap.Logger

	pending   []order.Intent
	prevClose float64
	marks     map[string]float64
	trades    []position.Trade
	equity    []EquityPoint
}

// NewLoop wires one run. ind may be nil when the manager's formulas are
// purely price-based.
func NewLoop(cfg LoopConfig, engine *fill.Engine, manager *position.Manager, ind *indicator.Set, rc *RunContext, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		cfg:       cfg,
		engine:    engine,
		manager:   manager,
		book:      order.NewBook(cfg.Symbol),
		portfolio: position.NewPortfolio(cfg.StartingCash),
		acct:      NewAccountant(cfg.StartingCash, cfg.EquityTolerance),
		gate:      WarmupGate{warmup: manager.Warmup()},
		ind:       ind,
		rc:        rc,
		log:       log,
		prevClose: math.NaN(),
		marks:     map[string]float64{cfg.Symbol: 0},
	}
}

// Run replays the bar series against the signal series. signals must be
// aligned with bars; a nil slice means no entries. The returned error is
// non-nil only for corrupted invariants; ordinary contract violations are
// logged and skipped.
func (l *Loop) Run(bars []bar.Bar, signals []Signal) (Result, error) {
	if err := bar.ValidateSeries(bars); err != nil {
		return Result{}, fmt.Errorf("run %s: %w", l.cfg.Symbol, err)
	}
	if signals != nil && len(signals) != len(bars) {
		return Result{}, fmt.Errorf("run %s: signal series length %d does not match %d bars",
			l.cfg.Symbol, len(signals), len(bars))
	}

	for i, b := range bars {
		if err := l.runBar(i, b, signalAt(signals, i)); err != nil {
			return Result{}, err
		}
	}
	return l.buildResult(bars), nil
}

func signalAt(signals []Signal, i int) Signal {
	if signals == nil {
		return SignalNone
	}
	return signals[i]
}

func (l *Loop) runBar(i int, b bar.Bar, sig Signal) error {
	tradable := b.Tradable()

	// Start-of-Bar: apply the previous bar's intents, activate pending day
	// orders, then fill market-on-open orders.
	if err := l.applyIntents(i); err != nil {
		return err
	}
	if tradable {
		l.activateDayOrders(i)
		fills, err := l.engine.StartOfBar(l.book, b, i)
		if err2 := l.applyFills(fills, i, err); err2 != nil {
			return err2
		}

		// Intrabar: trigger and fill contingent orders.
		fills, err = l.engine.Intrabar(l.book, b, l.prevClose, i)
		if err2 := l.applyFills(fills, i, err); err2 != nil {
			return err2
		}
	}

	// End-of-Bar: close-on-signal entries fill at this bar's own close;
	// everything else waits for the next open.
	if tradable && l.cfg.CloseOnSignal && sig != SignalNone && l.gate.AllowFillAt(i) && l.flat() && !l.entryWorking() {
		if _, err := l.submitEntry(sig, order.ExecClose, i); err != nil {
			if fatal := l.reportStateError(err); fatal != nil {
				return fatal
			}
		}
	}
	if tradable {
		fills, err := l.engine.EndOfBar(l.book, b, i)
		if err2 := l.applyFills(fills, i, err); err2 != nil {
			return err2
		}
		l.prevClose = b.Close
		l.marks[l.cfg.Symbol] = b.Close
	}

	// Mark to market. Closed bars carry the previous valid close forward.
	eq := l.portfolio.Equity(l.marks)
	if err := l.acct.Check(l.portfolio, l.marks, i); err != nil {
		return fmt.Errorf("run %s: %w", l.cfg.Symbol, err)
	}
	l.equity = append(l.equity, EquityPoint{
		Timestamp: b.Timestamp,
		BarIndex:  i,
		Equity:    eq,
		Cash:      l.portfolio.Cash,
	})

	// Post-Bar: all fills are already applied, so the manager observes the
	// true position state. Its intents target bar i+1.
	pos := l.portfolio.Position(l.cfg.Symbol)
	if pos != nil {
		pos.Update(b)
	}

	var next []order.Intent
	if !l.cfg.CloseOnSignal && sig != SignalNone && l.gate.Allow(i) && l.flat() && !l.entryWorking() {
		next = append(next, l.entryIntent(sig))
	}
	ctx := BarContextAt(b, i, l.ind)
	next = append(next, l.manager.OnBar(pos, b, ctx)...)
	next = append(next, l.orphanCancels(pos)...)
	l.pending = next
	return nil
}

// BarContextAt builds the formula context for one bar.
func BarContextAt(b bar.Bar, i int, ind *indicator.Set) position.BarContext {
	return position.BarContext{Bar: b, Index: i, Ind: ind}
}

func (l *Loop) flat() bool {
	return l.portfolio.Position(l.cfg.Symbol) == nil
}

// entryWorking reports whether a non-reducing order is still open, so the
// loop never stacks a second entry on top of a pending one.
func (l *Loop) entryWorking() bool {
	for _, o := range l.book.Open() {
		if !o.Reduce {
			return true
		}
	}
	return false
}

func (l *Loop) entryIntent(sig Signal) order.Intent {
	side := order.Buy
	if sig == SignalShort {
		side = order.Sell
	}
	return order.Intent{Kind: order.IntentSubmit, Spec: order.Spec{
		Symbol:    l.cfg.Symbol,
		Side:      side,
		Type:      order.Market,
		ExecAt:    order.ExecOpen,
		Quantity:  l.cfg.Instrument.RoundQuantity(l.cfg.OrderSize),
		SignalRef: fmt.Sprintf("%s/breakout", l.cfg.Symbol),
	}}
}

func (l *Loop) submitEntry(sig Signal, at order.ExecTiming, barIndex int) (int64, error) {
	it := l.entryIntent(sig)
	it.Spec.ExecAt = at
	return l.book.Submit(it.Spec, barIndex)
}

// orphanCancels voids leftover reduce orders once the position is gone, e.g.
// a protective stop still working after a time exit filled.
func (l *Loop) orphanCancels(pos *position.Position) []order.Intent {
	if pos != nil {
		return nil
	}
	var out []order.Intent
	for _, o := range l.book.Open() {
		if o.Reduce {
			out = append(out, order.Intent{Kind: order.IntentCancel, TargetID: o.ID})
		}
	}
	return out
}

// applyIntents executes the intents produced on the previous bar.
func (l *Loop) applyIntents(barIndex int) error {
	intents := l.pending
	l.pending = nil
	pos := l.portfolio.Position(l.cfg.Symbol)

	for _, it := range intents {
		var err error
		switch it.Kind {
		case order.IntentSubmit:
			var id int64
			id, err = l.book.Submit(it.Spec, barIndex)
			if err == nil && pos != nil && it.Spec.Reduce && it.Spec.Type == order.Stop {
				pos.StopOrderID = id
			}
		case order.IntentCancel:
			err = l.book.Cancel(it.TargetID, barIndex)
			if err == nil && pos != nil && pos.StopOrderID == it.TargetID {
				pos.StopOrderID = 0
			}
		case order.IntentReplace:
			var id int64
			id, err = l.book.CancelReplace(it.TargetID, it.Spec, barIndex)
			if err == nil && pos != nil && it.Spec.Reduce && it.Spec.Type == order.Stop {
				pos.StopOrderID = id
			}
		case order.IntentActivate:
			err = l.book.Activate(it.TargetID, barIndex)
		}
		if err != nil {
			if fatal := l.reportStateError(err); fatal != nil {
				return fatal
			}
		}
	}
	return nil
}

// activateDayOrders moves pending non-bracket contingent orders to Active at
// the start of a tradable bar. Bracket children wait for their parent.
func (l *Loop) activateDayOrders(barIndex int) {
	for _, o := range l.book.Open() {
		if o.State != order.StatePending || o.ParentID != 0 {
			continue
		}
		if err := l.book.Activate(o.ID, barIndex); err != nil {
			l.reportStateError(err)
		}
	}
}

// applyFills folds engine fills into the portfolio. engineErr is the error
// returned alongside the fills; fills that did happen are applied first so
// order state and position state never diverge.
func (l *Loop) applyFills(fills []order.Fill, barIndex int, engineErr error) error {
	for _, f := range fills {
		commission := f.Price * f.Quantity * l.cfg.CommissionPercent / 100
		wasFlat := l.flat()

		trade := l.portfolio.ApplyFill(f, commission)
		if trade != nil {
			l.acct.OnTrade(trade)
			l.trades = append(l.trades, *trade)
			l.log.Debug("trade closed",
				zap.String("symbol", l.cfg.Symbol),
				zap.Int("bar", barIndex),
				zap.Float64("pnl", trade.RealizedPnL),
				zap.Int("bars_held", trade.BarsHeld))
			l.cancelLeftoverExits(barIndex)
		}

		if pos := l.portfolio.Position(l.cfg.Symbol); pos != nil && wasFlat {
			if l.ind != nil && barIndex < len(l.ind.ATR) {
				pos.EntryATR = l.ind.ATR[barIndex]
			}
			// Bracket children are activated explicitly once the entry
			// fills; activation is never implicit.
			if err := l.book.ActivateChildren(f.OrderID, barIndex); err != nil {
				if fatal := l.reportStateError(err); fatal != nil {
					return fatal
				}
			}
		}
	}

	if engineErr != nil {
		if fatal := l.reportStateError(engineErr); fatal != nil {
			return fatal
		}
	}
	return nil
}

// cancelLeftoverExits voids reduce orders that survived their position, in
// the same bar the position closed, so a stale exit can never fill against
// nothing.
func (l *Loop) cancelLeftoverExits(barIndex int) {
	if !l.flat() {
		return
	}
	for _, o := range l.book.Open() {
		if o.Reduce {
			if err := l.book.Cancel(o.ID, barIndex); err != nil {
				l.reportStateError(err)
			}
		}
	}
}

// reportStateError logs a contract violation with full context and returns a
// non-nil error only when the violation indicates corrupted invariants.
func (l *Loop) reportStateError(err error) error {
	var se *order.StateError
	if errors.As(err, &se) {
		if se.Fatal() {
			l.log.Error("aborting run: corrupted order invariants",
				zap.String("symbol", se.Symbol),
				zap.Int("bar", se.BarIndex),
				zap.Int64("order_id", se.OrderID),
				zap.Error(se.Err))
			return fmt.Errorf("run %s: %w", l.cfg.Symbol, err)
		}
		l.log.Warn("order contract violation, order left untouched",
			zap.String("symbol", se.Symbol),
			zap.Int("bar", se.BarIndex),
			zap.Int64("order_id", se.OrderID),
			zap.Error(se.Err))
		return nil
	}
	l.log.Warn("simulation warning", zap.String("symbol", l.cfg.Symbol), zap.Error(err))
	return nil
}
