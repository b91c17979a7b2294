package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/trend-sim/internal/order"
	"github.com/amirphl/trend-sim/internal/position"
)

func TestAccountant(t *testing.T) {
	fillOf := func(side order.Side, qty, price float64) order.Fill {
		return order.Fill{Symbol: testSymbol, Side: side, Price: price, Quantity: qty,
			Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	}

	t.Run("identity holds through a full round trip", func(t *testing.T) {
		a := NewAccountant(10000, 0)
		pf := position.NewPortfolio(10000)
		marks := map[string]float64{testSymbol: 100}

		require.NoError(t, a.Check(pf, marks, 0))

		pf.ApplyFill(fillOf(order.Buy, 2, 100), 1)
		require.NoError(t, a.Check(pf, marks, 1))

		marks[testSymbol] = 110
		require.NoError(t, a.Check(pf, marks, 2))

		trade := pf.ApplyFill(fillOf(order.Sell, 2, 110), 1)
		require.NotNil(t, trade)
		a.OnTrade(trade)
		require.NoError(t, a.Check(pf, marks, 3))
	})

	t.Run("identity holds across partial reductions", func(t *testing.T) {
		a := NewAccountant(10000, 0)
		pf := position.NewPortfolio(10000)
		marks := map[string]float64{testSymbol: 100}

		pf.ApplyFill(fillOf(order.Buy, 10, 100), 0)
		marks[testSymbol] = 110
		pf.ApplyFill(fillOf(order.Sell, 4, 110), 0)
		// Realized gain on the closed slice, no trade emitted yet.
		require.NoError(t, a.Check(pf, marks, 5))

		marks[testSymbol] = 120
		trade := pf.ApplyFill(fillOf(order.Sell, 6, 120), 0)
		require.NotNil(t, trade)
		a.OnTrade(trade)
		require.NoError(t, a.Check(pf, marks, 6))
	})

	t.Run("drift beyond tolerance is reported", func(t *testing.T) {
		a := NewAccountant(10000, 1e-6)
		pf := position.NewPortfolio(10000)
		pf.Cash += 0.001 // simulated corruption
		err := a.Check(pf, map[string]float64{}, 7)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "equity identity violated")
	})

	t.Run("tolerance is forgiving within bounds", func(t *testing.T) {
		a := NewAccountant(10000, 0.01)
		pf := position.NewPortfolio(10000)
		pf.Cash += 0.001
		assert.NoError(t, a.Check(pf, map[string]float64{}, 8))
	})
}
