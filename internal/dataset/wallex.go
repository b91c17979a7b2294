package dataset

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	wallex "github.com/wallexchange/wallex-go"

	"github.com/amirphl/trend-sim/internal/bar"
)

// WallexSource fetches daily candles from the Wallex public API. Retry and
// backoff live here, at the edge; the simulation kernel never performs I/O.
type WallexSource struct {
	client   *wallex.Client
	attempts int
	delay    time.Duration
}

// NewWallexSource creates a remote source. apiKey may be empty for public
// market data.
func NewWallexSource(apiKey string) *WallexSource {
	return &WallexSource{
		client:   wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		attempts: 3,
		delay:    2 * time.Second,
	}
}

// retry wraps a function with retry logic for transient errors, using
// exponential backoff.
func (s *WallexSource) retry(ctx context.Context, fn func() error) error {
	backoff := s.delay
	var lastErr error
	for i := 1; i <= s.attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if i == s.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return errors.Join(errors.New("all retry attempts failed"), lastErr)
}

func (s *WallexSource) Load(ctx context.Context, symbol string, from, to time.Time) ([]bar.Bar, error) {
	// Wallex wants bare uppercase symbols, e.g. BTC-USDT -> BTCUSDT.
	normalized := strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))

	var candles []*wallex.Candle
	err := s.retry(ctx, func() error {
		var err error
		candles, err = s.client.Candles(normalized, "1d", from, to)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching candles for %s: %w", symbol, err)
	}

	bars := make([]bar.Bar, 0, len(candles))
	for _, c := range candles {
		b := bar.Bar{
			Timestamp: c.Timestamp.UTC(),
			Symbol:    symbol,
			Open:      parseNumber(c.Open),
			High:      parseNumber(c.High),
			Low:       parseNumber(c.Low),
			Close:     parseNumber(c.Close),
			Volume:    parseNumber(c.Volume),
		}
		if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
			bars = append(bars, b)
		}
	}
	return bars, nil
}

// parseNumber converts a wallex.Number to float64, zero on failure. Zero
// prices fail bar validation downstream and degrade the bar to closed.
func parseNumber(n wallex.Number) float64 {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0
	}
	return f
}
