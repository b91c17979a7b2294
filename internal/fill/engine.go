package fill

import (
	"fmt"
	"math"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/order"
)

// RemainderPolicy decides what happens to the unfilled part of an order when
// the liquidity cap truncates a fill.
type RemainderPolicy int8

const (
	RemainderCarry  RemainderPolicy = iota // remainder keeps working next bar
	RemainderCancel                        // remainder cancelled in the same bar
	RemainderExpire                        // remainder expires at end of bar
)

func (p RemainderPolicy) String() string {
	switch p {
	case RemainderCancel:
		return "cancel"
	case RemainderExpire:
		return "expire"
	default:
		return "carry"
	}
}

// ParseRemainderPolicy maps a config string to a policy.
func ParseRemainderPolicy(s string) (RemainderPolicy, error) {
	switch s {
	case "carry", "":
		return RemainderCarry, nil
	case "cancel":
		return RemainderCancel, nil
	case "expire":
		return RemainderExpire, nil
	default:
		return RemainderCarry, fmt.Errorf("unknown remainder policy %q", s)
	}
}

// Config is one execution preset.
type Config struct {
	Path              PathPolicy
	Priority          PriorityPolicy
	Slippage          SlippageModel
	MaxVolumeFraction float64 // per-bar fill cap as a fraction of bar volume; 0 disables
	Remainder         RemainderPolicy
}

// Engine resolves fills for one run. It is sequential and keeps only per-bar
// scratch state (the liquidity budget and the expire list); all order state
// lives in the Book.
type Engine struct {
	cfg      Config
	budget   float64
	capped   bool
	partials []int64 // orders truncated this bar, for RemainderExpire
}

// NewEngine builds an engine from a preset. A nil slippage model means none.
func NewEngine(cfg Config) *Engine {
	if cfg.Slippage == nil {
		cfg.Slippage = NoSlippage{}
	}
	return &Engine{cfg: cfg}
}

// StartOfBar resets the per-bar liquidity budget and fills all Active
// market-on-open orders at the bar's open.
func (e *Engine) StartOfBar(book *order.Book, b bar.Bar, barIndex int) ([]order.Fill, error) {
	e.capped = e.cfg.MaxVolumeFraction > 0
	if e.capped {
		e.budget = e.cfg.MaxVolumeFraction * b.Volume
	}
	e.partials = e.partials[:0]

	if !b.Tradable() {
		return nil, nil
	}
	return e.fillMarkets(book, b, order.ExecOpen, b.Open, barIndex)
}

// Intrabar triggers and fills contingent orders whose trigger condition falls
// within the bar's range, in the sequence fixed by the path and priority
// policies. Gap-through orders fill at the bar's open with doubled slippage.
func (e *Engine) Intrabar(book *order.Book, b bar.Bar, prevClose float64, barIndex int) ([]order.Fill, error) {
	if !b.Tradable() {
		return nil, nil
	}

	var cands []candidate
	for _, o := range book.Workable() {
		if !o.Type.Contingent() {
			continue
		}
		c, triggered := resolveTrigger(o, b, prevClose)
		if triggered {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}

	orderCandidates(cands, e.cfg.Path, e.cfg.Priority)

	var fills []order.Fill
	for _, c := range cands {
		// The sequence was computed against the bar snapshot; an earlier
		// fill in this same bar may have cancelled this order (OCO) or
		// already completed it, so re-check live state.
		live, ok := book.Get(c.ord.ID)
		if !ok || !live.State.Workable() {
			continue
		}

		// An order carried over from an earlier bar in Triggered state has
		// already consumed its stop leg; re-triggering it is a violation.
		if (c.ord.Type == order.Stop || c.ord.Type == order.StopLimit) && live.State != order.StateTriggered {
			if err := book.Trigger(c.ord.ID, barIndex); err != nil {
				return fills, err
			}
		}
		if !c.fillable {
			continue // triggered stop-limit gapped past its limit; keeps working
		}

		price, slip := c.price, 0.0
		if c.ord.Type == order.Stop {
			price, slip = e.cfg.Slippage.Adjust(c.price, c.ord.Side, b, c.gapped)
		}
		f, filled, err := e.execute(book, live, price, slip, c.gapped, b, barIndex)
		if err != nil {
			return fills, err
		}
		if filled {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// EndOfBar fills all Active market-on-close orders at the bar's close and
// applies the expiring remainder policy.
func (e *Engine) EndOfBar(book *order.Book, b bar.Bar, barIndex int) ([]order.Fill, error) {
	if !b.Tradable() {
		return nil, nil
	}
	fills, err := e.fillMarkets(book, b, order.ExecClose, b.Close, barIndex)
	if err != nil {
		return fills, err
	}

	if e.cfg.Remainder == RemainderExpire {
		for _, id := range e.partials {
			o, ok := book.Get(id)
			if !ok || o.State.Terminal() {
				continue
			}
			if err := book.Expire(id, barIndex); err != nil {
				return fills, err
			}
		}
		e.partials = e.partials[:0]
	}
	return fills, nil
}

func (e *Engine) fillMarkets(book *order.Book, b bar.Bar, at order.ExecTiming, raw float64, barIndex int) ([]order.Fill, error) {
	var fills []order.Fill
	for _, o := range book.Workable() {
		if o.Type != order.Market || o.ExecAt != at {
			continue
		}
		live, ok := book.Get(o.ID)
		if !ok || !live.State.Workable() {
			continue
		}
		price, slip := e.cfg.Slippage.Adjust(raw, o.Side, b, false)
		f, filled, err := e.execute(book, live, price, slip, false, b, barIndex)
		if err != nil {
			return fills, err
		}
		if filled {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// execute applies one fill, honoring the liquidity cap and remainder policy.
func (e *Engine) execute(book *order.Book, o order.Order, price, slip float64, gapped bool, b bar.Bar, barIndex int) (order.Fill, bool, error) {
	qty := o.Remaining()
	truncated := false
	if e.capped {
		if e.budget <= 0 {
			return order.Fill{}, false, nil
		}
		if qty > e.budget {
			qty = e.budget
			truncated = true
		}
	}

	f, err := book.Fill(o.ID, qty, price, slip, gapped, barIndex, b.Timestamp)
	if err != nil {
		return order.Fill{}, false, err
	}
	if e.capped {
		e.budget -= qty
	}

	if truncated {
		switch e.cfg.Remainder {
		case RemainderCancel:
			if err := book.Cancel(o.ID, barIndex); err != nil {
				return f, true, err
			}
		case RemainderExpire:
			e.partials = append(e.partials, o.ID)
		}
	}
	return f, true, nil
}

// resolveTrigger decides whether an order triggers within the bar and at what
// price it would fill. prevClose is the previous valid close, NaN on the
// first bar, used for gap-through detection: a trigger level skipped over
// between the prior close and this bar's open fills at the open, which is
// strictly worse than the level itself.
func resolveTrigger(o order.Order, b bar.Bar, prevClose float64) (candidate, bool) {
	// Stops are the adverse resolutions, limits the favorable ones; that is
	// what the worst-case/best-case path policies order by.
	c := candidate{ord: o, exit: o.Type == order.Stop || o.Type == order.StopLimit, fillable: true}

	gapPossible := !math.IsNaN(prevClose)

	// An order left in Triggered on an earlier bar (stop-limit gapped past
	// its limit, or a fill blocked by an exhausted liquidity budget) keeps
	// its stop leg consumed: a triggered stop is due at the next opportunity
	// and fills at the open, a triggered stop-limit is a plain limit.
	if o.State == order.StateTriggered {
		switch o.Type {
		case order.Stop:
			c.price = b.Open
			return c, true
		case order.StopLimit:
			return resolveLimit(c, o.Price, o.Side, b, prevClose)
		}
	}

	switch o.Type {
	case order.Stop:
		if o.Side == order.Buy {
			if b.High < o.StopPrice {
				return c, false
			}
			if b.Open > o.StopPrice {
				// Trigger already passed at the open; a fill at the stop
				// level would be look-ahead. Gapped only if the level was
				// skipped between the prior close and this open.
				c.price = b.Open
				c.gapped = gapPossible && prevClose < o.StopPrice
			} else {
				c.price = o.StopPrice
			}
		} else {
			if b.Low > o.StopPrice {
				return c, false
			}
			if b.Open < o.StopPrice {
				c.price = b.Open
				c.gapped = gapPossible && prevClose > o.StopPrice
			} else {
				c.price = o.StopPrice
			}
		}
		c.dist = math.Abs(c.price - b.Open)
		return c, true

	case order.Limit:
		return resolveLimit(c, o.Price, o.Side, b, prevClose)

	case order.StopLimit:
		if o.Side == order.Buy {
			if b.High < o.StopPrice {
				return c, false
			}
			switch {
			case b.Open > o.Price:
				// Gapped past the limit: triggers but cannot fill this bar.
				c.fillable = false
			case b.Open > o.StopPrice:
				c.price = b.Open
				c.gapped = gapPossible && prevClose < o.StopPrice
			default:
				c.price = o.StopPrice
			}
		} else {
			if b.Low > o.StopPrice {
				return c, false
			}
			switch {
			case b.Open < o.Price:
				c.fillable = false
			case b.Open < o.StopPrice:
				c.price = b.Open
				c.gapped = gapPossible && prevClose > o.StopPrice
			default:
				c.price = o.StopPrice
			}
		}
		c.dist = math.Abs(o.StopPrice - b.Open)
		return c, true
	}
	return c, false
}

// resolveLimit resolves a plain limit constraint at price. Opening through
// the limit is price improvement, not slippage; the gapped flag marks only a
// level skipped between the prior close and this open, same as the stop
// resolution.
func resolveLimit(c candidate, price float64, side order.Side, b bar.Bar, prevClose float64) (candidate, bool) {
	gapPossible := !math.IsNaN(prevClose)
	if side == order.Buy {
		if b.Low > price {
			return c, false
		}
		c.price = math.Min(price, b.Open)
		c.gapped = gapPossible && b.Open < price && prevClose > price
	} else {
		if b.High < price {
			return c, false
		}
		c.price = math.Max(price, b.Open)
		c.gapped = gapPossible && b.Open > price && prevClose < price
	}
	c.dist = math.Abs(c.price - b.Open)
	return c, true
}
