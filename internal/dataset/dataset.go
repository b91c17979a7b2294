// Package dataset loads per-symbol bar series from external storage. All
// loading happens before a simulation starts; nothing here is reachable from
// the per-bar loop.
package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/amirphl/trend-sim/internal/bar"
)

// Source supplies an ordered bar series for one symbol and date range.
type Source interface {
	Load(ctx context.Context, symbol string, from, to time.Time) ([]bar.Bar, error)
}

// CSVSource reads one file per symbol from a directory:
// <dir>/<symbol>.csv with columns timestamp,open,high,low,close,volume,status
// (status optional, "open" or "closed", default open).
type CSVSource struct {
	Dir string
}

// NewCSVSource creates a CSV-backed source.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{Dir: dir}
}

func (s *CSVSource) Load(_ context.Context, symbol string, from, to time.Time) ([]bar.Bar, error) {
	path := filepath.Join(s.Dir, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset for %s: %w", symbol, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading dataset for %s: %w", symbol, err)
	}

	var bars []bar.Bar
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && rec[0] == "timestamp" {
			continue // header
		}
		b, err := parseRecord(symbol, rec)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		if b.Timestamp.Before(from) || !b.Timestamp.Before(to) {
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRecord(symbol string, rec []string) (bar.Bar, error) {
	if len(rec) < 6 {
		return bar.Bar{}, fmt.Errorf("expected at least 6 columns, got %d", len(rec))
	}
	ts, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return bar.Bar{}, fmt.Errorf("bad timestamp %q: %w", rec[0], err)
	}
	nums := make([]float64, 5)
	for i := 0; i < 5; i++ {
		nums[i], err = strconv.ParseFloat(rec[i+1], 64)
		if err != nil {
			return bar.Bar{}, fmt.Errorf("bad number %q: %w", rec[i+1], err)
		}
	}
	b := bar.Bar{
		Timestamp: ts.UTC(),
		Symbol:    symbol,
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    nums[4],
	}
	if len(rec) > 6 && rec[6] == "closed" {
		b.Status = bar.MarketClosed
	}
	return b, nil
}
