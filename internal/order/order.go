// Package order owns the order lifecycle for one simulation run: the value
// types, the legal state transitions, and the Book that is the only mutable
// view of any order.
package order

import "time"

// Side is the signed direction of an order.
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the other side.
func (s Side) Opposite() Side { return -s }

// Type is the order type variant.
type Type int8

const (
	Market Type = iota
	Limit
	Stop
	StopLimit
)

func (t Type) String() string {
	switch t {
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	case StopLimit:
		return "stop-limit"
	default:
		return "market"
	}
}

// Contingent reports whether the type needs a trigger before it can fill.
func (t Type) Contingent() bool { return t == Stop || t == StopLimit || t == Limit }

// ExecTiming says when a market order executes within a bar.
type ExecTiming int8

const (
	ExecOpen  ExecTiming = iota // fills at the bar's open, Start-of-Bar phase
	ExecClose                   // fills at the bar's close, End-of-Bar phase
)

// State is an order's lifecycle state.
type State int8

const (
	StatePending State = iota
	StateActive
	StateTriggered
	StatePartiallyFilled
	StateFilled
	StateCancelled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateTriggered:
		return "triggered"
	case StatePartiallyFilled:
		return "partially-filled"
	case StateFilled:
		return "filled"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal states are immutable.
func (s State) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateExpired
}

// Workable reports whether the engine may fill against this state.
func (s State) Workable() bool {
	return s == StateActive || s == StateTriggered || s == StatePartiallyFilled
}

// Spec describes an order to be submitted. It is what position managers put
// inside intents; the Book turns it into an Order.
type Spec struct {
	Symbol    string
	Side      Side
	Type      Type
	Quantity  float64
	Price     float64    // limit price, for Limit and StopLimit
	StopPrice float64    // trigger price, for Stop and StopLimit
	ExecAt    ExecTiming // for Market orders
	ParentID  int64      // bracket parent, 0 for none
	Reduce    bool       // exit order: reduces the open position
	SignalRef string     // provenance for external reporting
}

// Order is one order record. All fields are mutated exclusively by the Book.
type Order struct {
	ID           int64
	Symbol       string
	Side         Side
	Type         Type
	Quantity     float64
	FilledQty    float64
	AvgFillPrice float64
	Price        float64
	StopPrice    float64
	ExecAt       ExecTiming
	State        State
	ParentID     int64
	OCOSiblingID int64
	Reduce       bool
	SignalRef    string
	CreatedBar   int
	ClosedBar    int
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() float64 { return o.Quantity - o.FilledQty }

// Fill is one execution record.
type Fill struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	BarIndex  int       `json:"bar_index"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Slippage  float64   `json:"slippage"`
	Gapped    bool      `json:"gapped"`
	SignalRef string    `json:"signal_ref"`
}

// IntentKind tags an Intent.
type IntentKind int8

const (
	IntentSubmit IntentKind = iota
	IntentCancel
	IntentReplace
	IntentActivate
)

// Intent is a position manager's request for the next bar: submit a new
// order, cancel one, atomically replace one, or activate a pending child.
// Intents are never applied to the bar they were produced on.
type Intent struct {
	Kind     IntentKind
	TargetID int64 // order being cancelled, replaced, or activated
	Spec     Spec  // for IntentSubmit and IntentReplace
}
