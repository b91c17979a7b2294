package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wallex "github.com/wallexchange/wallex-go"

	"github.com/amirphl/trend-sim/internal/bar"
)

func day(d int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func TestCSVSource(t *testing.T) {
	dir := t.TempDir()
	content := `timestamp,open,high,low,close,volume,status
2024-01-01T00:00:00Z,100,105,95,102,1000,open
2024-01-02T00:00:00Z,102,108,100,107,1200,
2024-01-03T00:00:00Z,0,0,0,0,0,closed
2024-01-04T00:00:00Z,107,110,104,109,900,open
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTC-USDT.csv"), []byte(content), 0o644))
	src := NewCSVSource(dir)

	t.Run("parses all rows", func(t *testing.T) {
		bars, err := src.Load(context.Background(), "BTC-USDT", day(0), day(10))
		require.NoError(t, err)
		require.Len(t, bars, 4)

		assert.Equal(t, "BTC-USDT", bars[0].Symbol)
		assert.Equal(t, 100.0, bars[0].Open)
		assert.Equal(t, 102.0, bars[0].Close)
		assert.Equal(t, bar.MarketOpen, bars[1].Status)
		assert.Equal(t, bar.MarketClosed, bars[2].Status)
	})

	t.Run("date range is half-open", func(t *testing.T) {
		bars, err := src.Load(context.Background(), "BTC-USDT", day(1), day(3))
		require.NoError(t, err)
		require.Len(t, bars, 2)
		assert.Equal(t, day(1), bars[0].Timestamp)
		assert.Equal(t, day(2), bars[1].Timestamp)
	})

	t.Run("missing symbol file", func(t *testing.T) {
		_, err := src.Load(context.Background(), "NOPE-USDT", day(0), day(10))
		assert.Error(t, err)
	})

	t.Run("malformed rows are rejected with location", func(t *testing.T) {
		bad := "timestamp,open,high,low,close,volume\n2024-01-01T00:00:00Z,abc,1,1,1,1\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "BAD-USDT.csv"), []byte(bad), 0o644))
		_, err := src.Load(context.Background(), "BAD-USDT", day(0), day(10))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "row 2")
	})
}

func TestParseNumber(t *testing.T) {
	assert.Equal(t, 123.45, parseNumber(wallex.Number("123.45")))
	// Unparseable values become zero; zero prices fail bar validation later
	// and degrade the bar to closed-market instead of crashing the load.
	assert.Zero(t, parseNumber(wallex.Number("n/a")))
	assert.Zero(t, parseNumber(wallex.Number("")))
}

func TestSQLiteSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	src, err := NewSQLiteSource(path)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	bars := []bar.Bar{
		{Timestamp: day(0), Symbol: "BTC-USDT", Open: 100, High: 105, Low: 95, Close: 102, Volume: 1000},
		{Timestamp: day(1), Symbol: "BTC-USDT", Open: 102, High: 108, Low: 100, Close: 107, Volume: 1200},
		{Timestamp: day(2), Symbol: "BTC-USDT", Status: bar.MarketClosed},
		{Timestamp: day(0), Symbol: "ETH-USDT", Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 500},
	}
	require.NoError(t, src.SaveBars(ctx, bars))

	t.Run("loads one symbol ordered", func(t *testing.T) {
		got, err := src.Load(ctx, "BTC-USDT", day(0), day(10))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 102.0, got[0].Close)
		assert.Equal(t, bar.MarketClosed, got[2].Status)
		assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
	})

	t.Run("range excludes the upper bound", func(t *testing.T) {
		got, err := src.Load(ctx, "BTC-USDT", day(0), day(1))
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("upsert replaces duplicates", func(t *testing.T) {
		mod := bars[0]
		mod.Close = 103
		require.NoError(t, src.SaveBars(ctx, []bar.Bar{mod}))

		got, err := src.Load(ctx, "BTC-USDT", day(0), day(1))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 103.0, got[0].Close)
	})
}
