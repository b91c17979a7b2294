package fill

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/order"
)

func testBar(open, high, low, close, volume float64) bar.Bar {
	return bar.Bar{
		Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Symbol:    "BTC-USDT",
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		Status:    bar.MarketOpen,
	}
}

func closedBar() bar.Bar {
	return bar.Bar{
		Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Symbol:    "BTC-USDT",
		Status:    bar.MarketClosed,
	}
}

func TestMarketFills(t *testing.T) {
	t.Run("market-on-open fills at the open", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		id, _ := book.Submit(order.Spec{Side: order.Buy, Type: order.Market, Quantity: 2, ExecAt: order.ExecOpen}, 0)

		fills, err := e.StartOfBar(book, testBar(100, 105, 95, 102, 1000), 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, id, fills[0].OrderID)
		assert.Equal(t, 100.0, fills[0].Price)
		assert.Equal(t, 2.0, fills[0].Quantity)
	})

	t.Run("market-on-close fills at the close", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		book.Submit(order.Spec{Side: order.Sell, Type: order.Market, Quantity: 1, ExecAt: order.ExecClose}, 0)

		b := testBar(100, 105, 95, 102, 1000)
		fills, err := e.StartOfBar(book, b, 0)
		require.NoError(t, err)
		assert.Empty(t, fills)

		fills, err = e.EndOfBar(book, b, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 102.0, fills[0].Price)
	})

	t.Run("slippage is adverse on both sides", func(t *testing.T) {
		e := NewEngine(Config{Slippage: PercentSlippage{Percent: 1}})
		book := order.NewBook("BTC-USDT")
		buy, _ := book.Submit(order.Spec{Side: order.Buy, Type: order.Market, Quantity: 1, ExecAt: order.ExecOpen}, 0)
		sell, _ := book.Submit(order.Spec{Side: order.Sell, Type: order.Market, Quantity: 1, ExecAt: order.ExecOpen}, 0)

		fills, err := e.StartOfBar(book, testBar(100, 105, 95, 102, 1000), 0)
		require.NoError(t, err)
		require.Len(t, fills, 2)
		byID := map[int64]order.Fill{fills[0].OrderID: fills[0], fills[1].OrderID: fills[1]}
		assert.Equal(t, 101.0, byID[buy].Price)
		assert.Equal(t, 99.0, byID[sell].Price)
	})

	t.Run("closed bars fill nothing", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		book.Submit(order.Spec{Side: order.Buy, Type: order.Market, Quantity: 1, ExecAt: order.ExecOpen}, 0)

		fills, err := e.StartOfBar(book, closedBar(), 0)
		require.NoError(t, err)
		assert.Empty(t, fills)
		fills, err = e.EndOfBar(book, closedBar(), 0)
		require.NoError(t, err)
		assert.Empty(t, fills)
	})
}

func TestStopTrigger(t *testing.T) {
	submitStop := func(book *order.Book, side order.Side, stop float64) int64 {
		id, err := book.Submit(order.Spec{Side: side, Type: order.Stop, StopPrice: stop, Quantity: 1, Reduce: true}, 0)
		require.NoError(t, err)
		require.NoError(t, book.Activate(id, 0))
		return id
	}

	t.Run("sell stop touched intrabar fills at the stop level", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		submitStop(book, order.Sell, 95)

		fills, err := e.Intrabar(book, testBar(100, 101, 94, 96, 1000), 99, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 95.0, fills[0].Price)
		assert.False(t, fills[0].Gapped)
	})

	t.Run("stop not reached does not trigger", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		id := submitStop(book, order.Sell, 95)

		fills, err := e.Intrabar(book, testBar(100, 101, 96, 98, 1000), 99, 0)
		require.NoError(t, err)
		assert.Empty(t, fills)
		o, _ := book.Get(id)
		assert.Equal(t, order.StateActive, o.State)
	})

	t.Run("gap through sell stop fills at the open with doubled slippage", func(t *testing.T) {
		e := NewEngine(Config{Slippage: PercentSlippage{Percent: 1}})
		book := order.NewBook("BTC-USDT")
		submitStop(book, order.Sell, 95)

		// Prior close 100 was above the stop; this bar opens at 90, well
		// below it. The fill happens at the open, never at the stop level.
		fills, err := e.Intrabar(book, testBar(90, 92, 88, 91, 1000), 100, 5)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.True(t, fills[0].Gapped)
		assert.Equal(t, 1.8, fills[0].Slippage)   // 1% of 90, doubled
		assert.Equal(t, 90.0-1.8, fills[0].Price) // seller receives less
		assert.Equal(t, 5, fills[0].BarIndex)
	})

	t.Run("buy stop gap is symmetric", func(t *testing.T) {
		e := NewEngine(Config{Slippage: PercentSlippage{Percent: 1}})
		book := order.NewBook("BTC-USDT")
		submitStop(book, order.Buy, 105)

		fills, err := e.Intrabar(book, testBar(110, 112, 109, 111, 1000), 100, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.True(t, fills[0].Gapped)
		assert.Equal(t, 110.0+2.2, fills[0].Price) // 1% of 110, doubled, buyer pays more
	})

	t.Run("open beyond stop without a gap is not doubled", func(t *testing.T) {
		e := NewEngine(Config{Slippage: PercentSlippage{Percent: 1}})
		book := order.NewBook("BTC-USDT")
		submitStop(book, order.Sell, 95)

		// Prior close 94 was already below the stop, so nothing was skipped
		// over; the fill still happens at the open but at base slippage.
		fills, err := e.Intrabar(book, testBar(93, 94, 90, 91, 1000), 94, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.False(t, fills[0].Gapped)
		assert.Equal(t, 93.0, fills[0].Price+fills[0].Slippage)
	})

	t.Run("stop starved by the liquidity budget fills on the next bar", func(t *testing.T) {
		e := NewEngine(Config{MaxVolumeFraction: 0.5, Remainder: RemainderCarry})
		book := order.NewBook("BTC-USDT")
		book.Submit(order.Spec{Side: order.Buy, Type: order.Market, Quantity: 5, ExecAt: order.ExecOpen}, 0)
		id := submitStop(book, order.Sell, 95)

		// The market order eats the whole budget before the stop triggers.
		b := testBar(100, 101, 94, 96, 10) // budget = 5
		fills, err := e.StartOfBar(book, b, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)

		fills, err = e.Intrabar(book, b, 99, 0)
		require.NoError(t, err)
		assert.Empty(t, fills)
		o, _ := book.Get(id)
		assert.Equal(t, order.StateTriggered, o.State)

		// Fresh budget next bar. The price recovered above the level, but a
		// triggered stop is already due and fills at the open.
		b2 := testBar(97, 98, 96, 97, 10)
		_, err = e.StartOfBar(book, b2, 1)
		require.NoError(t, err)
		fills, err = e.Intrabar(book, b2, 96, 1)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 97.0, fills[0].Price)
		assert.False(t, fills[0].Gapped)
		assert.Equal(t, 1, fills[0].BarIndex)
		o, _ = book.Get(id)
		assert.Equal(t, order.StateFilled, o.State)
	})

	t.Run("first bar has no gap reference", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		submitStop(book, order.Sell, 95)

		fills, err := e.Intrabar(book, testBar(90, 92, 88, 91, 1000), math.NaN(), 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.False(t, fills[0].Gapped)
		assert.Equal(t, 90.0, fills[0].Price)
	})
}

func TestLimitFills(t *testing.T) {
	submitLimit := func(book *order.Book, side order.Side, price float64) int64 {
		id, err := book.Submit(order.Spec{Side: side, Type: order.Limit, Price: price, Quantity: 1}, 0)
		require.NoError(t, err)
		require.NoError(t, book.Activate(id, 0))
		return id
	}

	t.Run("limit fills carry zero slippage even with a model configured", func(t *testing.T) {
		e := NewEngine(Config{Slippage: PercentSlippage{Percent: 1}})
		book := order.NewBook("BTC-USDT")
		submitLimit(book, order.Buy, 98)

		fills, err := e.Intrabar(book, testBar(100, 101, 97, 99, 1000), 100, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 98.0, fills[0].Price)
		assert.Zero(t, fills[0].Slippage)
	})

	t.Run("opening through the limit is price improvement", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		submitLimit(book, order.Buy, 98)

		fills, err := e.Intrabar(book, testBar(96, 99, 95, 97, 1000), 100, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 96.0, fills[0].Price) // better than the limit, not worse
		assert.Zero(t, fills[0].Slippage)
	})

	t.Run("gap provenance needs a prior close beyond the level", func(t *testing.T) {
		e := NewEngine(Config{})
		through := testBar(96, 99, 95, 97, 1000) // opens below the 98 buy limit

		// First bar: no prior close, so nothing could have been skipped.
		book := order.NewBook("BTC-USDT")
		submitLimit(book, order.Buy, 98)
		fills, err := e.Intrabar(book, through, math.NaN(), 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.False(t, fills[0].Gapped)

		// Prior close already below the limit: the level was not skipped.
		book = order.NewBook("BTC-USDT")
		submitLimit(book, order.Buy, 98)
		fills, err = e.Intrabar(book, through, 97, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.False(t, fills[0].Gapped)

		// Prior close above, open below: the level was skipped overnight.
		book = order.NewBook("BTC-USDT")
		submitLimit(book, order.Buy, 98)
		fills, err = e.Intrabar(book, through, 100, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.True(t, fills[0].Gapped)
		assert.Zero(t, fills[0].Slippage) // provenance only, limits never slip
	})

	t.Run("untouched limit keeps working", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		id := submitLimit(book, order.Buy, 90)

		fills, err := e.Intrabar(book, testBar(100, 101, 95, 99, 1000), 100, 0)
		require.NoError(t, err)
		assert.Empty(t, fills)
		o, _ := book.Get(id)
		assert.Equal(t, order.StateActive, o.State)
	})
}

func TestStopLimit(t *testing.T) {
	t.Run("fills at stop when limit holds", func(t *testing.T) {
		e := NewEngine(Config{Slippage: PercentSlippage{Percent: 1}})
		book := order.NewBook("BTC-USDT")
		id, _ := book.Submit(order.Spec{Side: order.Sell, Type: order.StopLimit, StopPrice: 95, Price: 93, Quantity: 1, Reduce: true}, 0)
		require.NoError(t, book.Activate(id, 0))

		fills, err := e.Intrabar(book, testBar(100, 101, 94, 96, 1000), 100, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 95.0, fills[0].Price)
		assert.Zero(t, fills[0].Slippage) // limit leg, never slipped
	})

	t.Run("gapped past the limit triggers but does not fill", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		id, _ := book.Submit(order.Spec{Side: order.Sell, Type: order.StopLimit, StopPrice: 95, Price: 93, Quantity: 1, Reduce: true}, 0)
		require.NoError(t, book.Activate(id, 0))

		fills, err := e.Intrabar(book, testBar(90, 92, 88, 91, 1000), 100, 0)
		require.NoError(t, err)
		assert.Empty(t, fills)
		o, _ := book.Get(id)
		assert.Equal(t, order.StateTriggered, o.State)
	})

	t.Run("triggered order fills as a plain limit on a later bar", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		id, _ := book.Submit(order.Spec{Side: order.Sell, Type: order.StopLimit, StopPrice: 95, Price: 93, Quantity: 1, Reduce: true}, 0)
		require.NoError(t, book.Activate(id, 0))

		// Gapped past the limit: triggers without filling.
		fills, err := e.Intrabar(book, testBar(90, 92, 88, 91, 1000), 100, 0)
		require.NoError(t, err)
		assert.Empty(t, fills)

		// The next bar trades back through the limit. The stop leg was
		// consumed last bar; only the limit constraint remains, and the
		// stop condition is not required a second time.
		fills, err = e.Intrabar(book, testBar(94, 95, 92, 93, 1000), 91, 1)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 94.0, fills[0].Price) // opening above a sell limit is improvement
		assert.Zero(t, fills[0].Slippage)
		assert.Equal(t, 1, fills[0].BarIndex)
		o, _ := book.Get(id)
		assert.Equal(t, order.StateFilled, o.State)
	})

	t.Run("triggered order untouched by a later bar keeps working", func(t *testing.T) {
		e := NewEngine(Config{})
		book := order.NewBook("BTC-USDT")
		id, _ := book.Submit(order.Spec{Side: order.Sell, Type: order.StopLimit, StopPrice: 95, Price: 93, Quantity: 1, Reduce: true}, 0)
		require.NoError(t, book.Activate(id, 0))

		_, err := e.Intrabar(book, testBar(90, 92, 88, 91, 1000), 100, 0)
		require.NoError(t, err)

		// A bar entirely below the limit neither fills nor faults it.
		fills, err := e.Intrabar(book, testBar(91, 92, 90, 91, 1000), 91, 1)
		require.NoError(t, err)
		assert.Empty(t, fills)
		o, _ := book.Get(id)
		assert.Equal(t, order.StateTriggered, o.State)
	})
}

// ambiguousSetup puts both an exit stop and a profit target inside one bar's
// range, OCO-linked, so the path policy decides which one wins.
func ambiguousSetup(t *testing.T) (*order.Book, int64, int64) {
	t.Helper()
	book := order.NewBook("BTC-USDT")
	stopID, err := book.Submit(order.Spec{Side: order.Sell, Type: order.Stop, StopPrice: 95, Quantity: 1, Reduce: true}, 0)
	require.NoError(t, err)
	targetID, err := book.Submit(order.Spec{Side: order.Sell, Type: order.Limit, Price: 105, Quantity: 1, Reduce: true}, 0)
	require.NoError(t, err)
	require.NoError(t, book.LinkOCO(stopID, targetID, 0))
	require.NoError(t, book.Activate(stopID, 0))
	require.NoError(t, book.Activate(targetID, 0))
	return book, stopID, targetID
}

func TestPathPolicy(t *testing.T) {
	// One bar that touches both the stop at 95 and the target at 105.
	ambiguous := testBar(100, 106, 94, 100, 1000)

	t.Run("worst case resolves the exit first", func(t *testing.T) {
		book, stopID, targetID := ambiguousSetup(t)
		e := NewEngine(Config{Path: PathWorstCase})

		fills, err := e.Intrabar(book, ambiguous, 100, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, stopID, fills[0].OrderID)
		assert.Equal(t, 95.0, fills[0].Price)

		tgt, _ := book.Get(targetID)
		assert.Equal(t, order.StateCancelled, tgt.State)
	})

	t.Run("best case resolves the target first", func(t *testing.T) {
		book, stopID, targetID := ambiguousSetup(t)
		e := NewEngine(Config{Path: PathBestCase})

		fills, err := e.Intrabar(book, ambiguous, 100, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, targetID, fills[0].OrderID)
		assert.Equal(t, 105.0, fills[0].Price)

		stp, _ := book.Get(stopID)
		assert.Equal(t, order.StateCancelled, stp.State)
	})

	t.Run("deterministic picks the trigger nearest the open", func(t *testing.T) {
		book, _, targetID := ambiguousSetup(t)
		e := NewEngine(Config{Path: PathDeterministic})

		// Open 101: target at 105 is 4 away, stop at 95 is 6 away.
		fills, err := e.Intrabar(book, testBar(101, 106, 94, 100, 1000), 100, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, targetID, fills[0].OrderID)
	})

	t.Run("same inputs give identical sequences across repeats", func(t *testing.T) {
		run := func() []int64 {
			book, _, _ := ambiguousSetup(t)
			e := NewEngine(Config{Path: PathWorstCase})
			fills, err := e.Intrabar(book, ambiguous, 100, 0)
			require.NoError(t, err)
			ids := make([]int64, len(fills))
			for i, f := range fills {
				ids[i] = f.OrderID
			}
			return ids
		}
		first := run()
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, run())
		}
	})
}

func TestLiquidityCap(t *testing.T) {
	submitMarket := func(book *order.Book, qty float64) int64 {
		id, err := book.Submit(order.Spec{Side: order.Buy, Type: order.Market, Quantity: qty, ExecAt: order.ExecOpen}, 0)
		require.NoError(t, err)
		return id
	}

	t.Run("carry keeps the remainder working across bars", func(t *testing.T) {
		e := NewEngine(Config{MaxVolumeFraction: 0.5, Remainder: RemainderCarry})
		book := order.NewBook("BTC-USDT")
		id := submitMarket(book, 10)

		b := testBar(100, 105, 95, 102, 10) // budget = 5
		fills, err := e.StartOfBar(book, b, 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 5.0, fills[0].Quantity)

		o, _ := book.Get(id)
		assert.Equal(t, order.StatePartiallyFilled, o.State)

		_, err = e.EndOfBar(book, b, 0)
		require.NoError(t, err)
		o, _ = book.Get(id)
		assert.Equal(t, order.StatePartiallyFilled, o.State)

		// Next bar the remainder completes.
		fills, err = e.StartOfBar(book, testBar(101, 106, 96, 103, 10), 1)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 5.0, fills[0].Quantity)
		o, _ = book.Get(id)
		assert.Equal(t, order.StateFilled, o.State)
	})

	t.Run("cancel voids the remainder immediately", func(t *testing.T) {
		e := NewEngine(Config{MaxVolumeFraction: 0.5, Remainder: RemainderCancel})
		book := order.NewBook("BTC-USDT")
		id := submitMarket(book, 10)

		fills, err := e.StartOfBar(book, testBar(100, 105, 95, 102, 10), 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 5.0, fills[0].Quantity)

		o, _ := book.Get(id)
		assert.Equal(t, order.StateCancelled, o.State)
		assert.Equal(t, 5.0, o.FilledQty)
	})

	t.Run("expire voids the remainder at end of bar", func(t *testing.T) {
		e := NewEngine(Config{MaxVolumeFraction: 0.5, Remainder: RemainderExpire})
		book := order.NewBook("BTC-USDT")
		id := submitMarket(book, 10)

		b := testBar(100, 105, 95, 102, 10)
		_, err := e.StartOfBar(book, b, 0)
		require.NoError(t, err)
		o, _ := book.Get(id)
		assert.Equal(t, order.StatePartiallyFilled, o.State)

		_, err = e.EndOfBar(book, b, 0)
		require.NoError(t, err)
		o, _ = book.Get(id)
		assert.Equal(t, order.StateExpired, o.State)
		assert.Equal(t, 5.0, o.FilledQty)
	})

	t.Run("budget is shared across orders within a bar", func(t *testing.T) {
		e := NewEngine(Config{MaxVolumeFraction: 0.5, Remainder: RemainderCarry})
		book := order.NewBook("BTC-USDT")
		a := submitMarket(book, 4)
		c := submitMarket(book, 4)

		fills, err := e.StartOfBar(book, testBar(100, 105, 95, 102, 10), 0) // budget = 5
		require.NoError(t, err)
		require.Len(t, fills, 2)
		assert.Equal(t, 4.0, fills[0].Quantity)
		assert.Equal(t, a, fills[0].OrderID)
		assert.Equal(t, 1.0, fills[1].Quantity)
		assert.Equal(t, c, fills[1].OrderID)

		// Budget exhausted: nothing else fills this bar.
		fills, err = e.EndOfBar(book, testBar(100, 105, 95, 102, 10), 0)
		require.NoError(t, err)
		assert.Empty(t, fills)
	})

	t.Run("zero fraction disables the cap", func(t *testing.T) {
		e := NewEngine(Config{MaxVolumeFraction: 0})
		book := order.NewBook("BTC-USDT")
		submitMarket(book, 1e6)

		fills, err := e.StartOfBar(book, testBar(100, 105, 95, 102, 10), 0)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 1e6, fills[0].Quantity)
	})
}

func TestSlippageModels(t *testing.T) {
	b := testBar(100, 110, 90, 105, 1000)

	t.Run("range scales with the bar", func(t *testing.T) {
		m := RangeSlippage{Fraction: 0.1}
		price, amt := m.Adjust(100, order.Buy, b, false)
		assert.Equal(t, 2.0, amt) // 10% of a 20-wide bar
		assert.Equal(t, 102.0, price)

		_, amt = m.Adjust(100, order.Sell, b, true)
		assert.Equal(t, 4.0, amt)
	})

	t.Run("noise is deterministic under the same seed", func(t *testing.T) {
		draw := func(seed int64) []float64 {
			m := NoiseSlippage{Percent: 0.05, Jitter: 0.05, Rng: rand.New(rand.NewSource(seed))}
			out := make([]float64, 10)
			for i := range out {
				_, out[i] = m.Adjust(100, order.Buy, b, false)
			}
			return out
		}
		assert.Equal(t, draw(7), draw(7))
		assert.NotEqual(t, draw(7), draw(8))
	})

	t.Run("parsers reject unknown values", func(t *testing.T) {
		_, err := ParsePathPolicy("median")
		assert.Error(t, err)
		_, err = ParsePriorityPolicy("largest")
		assert.Error(t, err)
		_, err = ParseRemainderPolicy("retry")
		assert.Error(t, err)
	})
}
