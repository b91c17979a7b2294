package order

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOrder means the id does not exist in the book.
	ErrUnknownOrder = errors.New("unknown order id")
	// ErrBadTransition means the requested lifecycle transition is illegal
	// from the order's current state.
	ErrBadTransition = errors.New("illegal order state transition")
	// ErrTerminalState means the order already reached a terminal state.
	ErrTerminalState = errors.New("order is in a terminal state")
	// ErrOverfill means a fill would push filled quantity past quantity.
	// It indicates corrupted invariants; callers must abort the run.
	ErrOverfill = errors.New("fill exceeds remaining quantity")
	// ErrBadSpec means a submitted order spec failed validation.
	ErrBadSpec = errors.New("invalid order spec")
)

// StateError wraps a lifecycle violation with enough context for the caller
// to report it: symbol, bar index, order id, and the operation attempted.
type StateError struct {
	Symbol   string
	BarIndex int
	OrderID  int64
	Op       string
	Err      error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: order %d (%s, bar %d): %v", e.Op, e.OrderID, e.Symbol, e.BarIndex, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Fatal reports whether the violation indicates corrupted invariants, in
// which case the run must abort instead of continuing.
func (e *StateError) Fatal() bool { return errors.Is(e.Err, ErrOverfill) }
