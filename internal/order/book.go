package order

import (
	"fmt"
	"time"
)

// Book owns every order of one simulation run. It is the single mutable view:
// other components hold ids and come back here for every state change. It is
// not safe for concurrent use; one run is strictly sequential.
type Book struct {
	symbol     string
	orders     map[int64]*Order
	ids        []int64 // insertion order, for deterministic iteration
	nextID     int64
	nextFillID int64
	fills      []Fill
}

// NewBook creates an empty book for one symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		orders: make(map[int64]*Order),
		nextID: 1,
	}
}

func (b *Book) stateErr(op string, id int64, barIndex int, err error) *StateError {
	return &StateError{Symbol: b.symbol, BarIndex: barIndex, OrderID: id, Op: op, Err: err}
}

// Submit adds a new order. Market orders become Active immediately;
// contingent orders start Pending until explicitly activated.
func (b *Book) Submit(spec Spec, barIndex int) (int64, error) {
	if err := b.validateSpec(spec); err != nil {
		return 0, b.stateErr("submit", 0, barIndex, err)
	}

	o := &Order{
		ID:         b.nextID,
		Symbol:     b.symbol,
		Side:       spec.Side,
		Type:       spec.Type,
		Quantity:   spec.Quantity,
		Price:      spec.Price,
		StopPrice:  spec.StopPrice,
		ExecAt:     spec.ExecAt,
		ParentID:   spec.ParentID,
		Reduce:     spec.Reduce,
		SignalRef:  spec.SignalRef,
		CreatedBar: barIndex,
		ClosedBar:  -1,
	}
	if spec.Type == Market {
		o.State = StateActive
	} else if spec.ParentID != 0 {
		// Bracket children stay pending until the caller activates them
		// after the parent fills.
		o.State = StatePending
	} else {
		o.State = StatePending
	}

	b.nextID++
	b.orders[o.ID] = o
	b.ids = append(b.ids, o.ID)
	return o.ID, nil
}

func (b *Book) validateSpec(spec Spec) error {
	if spec.Symbol != "" && spec.Symbol != b.symbol {
		return fmt.Errorf("%w: symbol %s does not match book symbol %s", ErrBadSpec, spec.Symbol, b.symbol)
	}
	if spec.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %v", ErrBadSpec, spec.Quantity)
	}
	if spec.Side != Buy && spec.Side != Sell {
		return fmt.Errorf("%w: side must be buy or sell", ErrBadSpec)
	}
	switch spec.Type {
	case Limit:
		if spec.Price <= 0 {
			return fmt.Errorf("%w: limit order requires a positive price", ErrBadSpec)
		}
	case Stop:
		if spec.StopPrice <= 0 {
			return fmt.Errorf("%w: stop order requires a positive stop price", ErrBadSpec)
		}
	case StopLimit:
		if spec.Price <= 0 || spec.StopPrice <= 0 {
			return fmt.Errorf("%w: stop-limit order requires positive stop and limit prices", ErrBadSpec)
		}
	}
	if spec.ParentID != 0 {
		if _, ok := b.orders[spec.ParentID]; !ok {
			return fmt.Errorf("%w: bracket parent %d does not exist", ErrBadSpec, spec.ParentID)
		}
	}
	return nil
}

// Activate moves a Pending order to Active. Any other source state is a
// contract violation.
func (b *Book) Activate(id int64, barIndex int) error {
	o, ok := b.orders[id]
	if !ok {
		return b.stateErr("activate", id, barIndex, ErrUnknownOrder)
	}
	if o.State != StatePending {
		return b.stateErr("activate", id, barIndex,
			fmt.Errorf("%w: activate from %s", ErrBadTransition, o.State))
	}
	o.State = StateActive
	return nil
}

// Trigger marks an Active contingent order as Triggered.
func (b *Book) Trigger(id int64, barIndex int) error {
	o, ok := b.orders[id]
	if !ok {
		return b.stateErr("trigger", id, barIndex, ErrUnknownOrder)
	}
	if !o.Type.Contingent() {
		return b.stateErr("trigger", id, barIndex,
			fmt.Errorf("%w: %s orders have no trigger", ErrBadTransition, o.Type))
	}
	if o.State != StateActive && o.State != StatePartiallyFilled {
		return b.stateErr("trigger", id, barIndex,
			fmt.Errorf("%w: trigger from %s", ErrBadTransition, o.State))
	}
	o.State = StateTriggered
	return nil
}

// Fill applies an execution to a workable order. Reaching full quantity moves
// the order to Filled and, if an OCO sibling is registered, cancels the
// sibling in the same operation; there is no intermediate state in which both
// siblings could still fill.
func (b *Book) Fill(id int64, qty, price, slippage float64, gapped bool, barIndex int, ts time.Time) (Fill, error) {
	o, ok := b.orders[id]
	if !ok {
		return Fill{}, b.stateErr("fill", id, barIndex, ErrUnknownOrder)
	}
	if o.State.Terminal() {
		return Fill{}, b.stateErr("fill", id, barIndex,
			fmt.Errorf("%w: fill from %s", ErrTerminalState, o.State))
	}
	if !o.State.Workable() {
		return Fill{}, b.stateErr("fill", id, barIndex,
			fmt.Errorf("%w: fill from %s", ErrBadTransition, o.State))
	}
	if qty <= 0 {
		return Fill{}, b.stateErr("fill", id, barIndex,
			fmt.Errorf("%w: fill quantity must be positive, got %v", ErrBadSpec, qty))
	}
	if qty > o.Remaining()+1e-12 {
		return Fill{}, b.stateErr("fill", id, barIndex,
			fmt.Errorf("%w: remaining %v, fill %v", ErrOverfill, o.Remaining(), qty))
	}

	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + price*qty) / (o.FilledQty + qty)
	o.FilledQty += qty
	if o.Remaining() <= 1e-12 {
		o.FilledQty = o.Quantity
		o.State = StateFilled
		o.ClosedBar = barIndex
	} else {
		o.State = StatePartiallyFilled
	}

	b.nextFillID++
	f := Fill{
		ID:        b.nextFillID,
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		BarIndex:  barIndex,
		Timestamp: ts,
		Price:     price,
		Quantity:  qty,
		Slippage:  slippage,
		Gapped:    gapped,
		SignalRef: o.SignalRef,
	}
	b.fills = append(b.fills, f)

	if o.State == StateFilled && o.OCOSiblingID != 0 {
		if sib, ok := b.orders[o.OCOSiblingID]; ok && !sib.State.Terminal() {
			sib.State = StateCancelled
			sib.ClosedBar = barIndex
		}
	}
	return f, nil
}

// Cancel voids a non-terminal order. Already-filled quantity is preserved;
// only the remainder is voided.
func (b *Book) Cancel(id int64, barIndex int) error {
	o, ok := b.orders[id]
	if !ok {
		return b.stateErr("cancel", id, barIndex, ErrUnknownOrder)
	}
	if o.State.Terminal() {
		return b.stateErr("cancel", id, barIndex,
			fmt.Errorf("%w: cancel from %s", ErrTerminalState, o.State))
	}
	o.State = StateCancelled
	o.ClosedBar = barIndex
	return nil
}

// Expire voids a non-terminal order at end of bar, used by the remainder
// policy that gives partial fills only one bar of life.
func (b *Book) Expire(id int64, barIndex int) error {
	o, ok := b.orders[id]
	if !ok {
		return b.stateErr("expire", id, barIndex, ErrUnknownOrder)
	}
	if o.State.Terminal() {
		return b.stateErr("expire", id, barIndex,
			fmt.Errorf("%w: expire from %s", ErrTerminalState, o.State))
	}
	o.State = StateExpired
	o.ClosedBar = barIndex
	return nil
}

// CancelReplace atomically cancels oldID and submits newSpec. The new order
// inherits the old order's activation: if the old order was working, the new
// one is activated inside the same operation, so no observer ever sees a
// window in which neither order offers protection.
func (b *Book) CancelReplace(oldID int64, newSpec Spec, barIndex int) (int64, error) {
	o, ok := b.orders[oldID]
	if !ok {
		return 0, b.stateErr("cancel-replace", oldID, barIndex, ErrUnknownOrder)
	}
	if o.State.Terminal() {
		return 0, b.stateErr("cancel-replace", oldID, barIndex,
			fmt.Errorf("%w: replace from %s", ErrTerminalState, o.State))
	}
	if err := b.validateSpec(newSpec); err != nil {
		// Validation failed: the old order is left untouched.
		return 0, b.stateErr("cancel-replace", oldID, barIndex, err)
	}

	wasWorking := o.State.Workable()
	o.State = StateCancelled
	o.ClosedBar = barIndex

	newID, err := b.Submit(newSpec, barIndex)
	if err != nil {
		return 0, err
	}
	if wasWorking && newSpec.Type.Contingent() {
		if err := b.Activate(newID, barIndex); err != nil {
			return 0, err
		}
	}
	return newID, nil
}

// LinkOCO registers two orders as an OCO pair. Filling either cancels the
// other atomically inside Fill.
func (b *Book) LinkOCO(a, c int64, barIndex int) error {
	oa, ok := b.orders[a]
	if !ok {
		return b.stateErr("link-oco", a, barIndex, ErrUnknownOrder)
	}
	oc, ok := b.orders[c]
	if !ok {
		return b.stateErr("link-oco", c, barIndex, ErrUnknownOrder)
	}
	if oa.State.Terminal() || oc.State.Terminal() {
		return b.stateErr("link-oco", a, barIndex,
			fmt.Errorf("%w: cannot link terminal orders", ErrTerminalState))
	}
	oa.OCOSiblingID = c
	oc.OCOSiblingID = a
	return nil
}

// ActivateChildren activates all pending bracket children of a parent.
// Callers invoke it explicitly after the parent fills.
func (b *Book) ActivateChildren(parentID int64, barIndex int) error {
	for _, id := range b.ids {
		o := b.orders[id]
		if o.ParentID != parentID || o.State != StatePending {
			continue
		}
		if err := b.Activate(id, barIndex); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of an order.
func (b *Book) Get(id int64) (Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Workable returns copies of all orders the engine may fill against, in
// insertion order.
func (b *Book) Workable() []Order {
	var out []Order
	for _, id := range b.ids {
		if o := b.orders[id]; o.State.Workable() {
			out = append(out, *o)
		}
	}
	return out
}

// Open returns copies of all non-terminal orders, in insertion order.
func (b *Book) Open() []Order {
	var out []Order
	for _, id := range b.ids {
		if o := b.orders[id]; !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// Fills returns the ordered fill history of the run.
func (b *Book) Fills() []Fill {
	out := make([]Fill, len(b.fills))
	copy(out, b.fills)
	return out
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }
