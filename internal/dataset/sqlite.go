package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/amirphl/trend-sim/internal/bar"
)

// SQLiteSource stores and loads bar datasets in a local sqlite file, the
// format ingestion tooling writes.
type SQLiteSource struct {
	db *sql.DB
}

// NewSQLiteSource opens (and if needed initializes) a sqlite dataset.
func NewSQLiteSource(dbPath string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteSource{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSource) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			PRIMARY KEY (symbol, timestamp)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bars_symbol_ts ON bars(symbol, timestamp);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("initializing bars schema: %w", err)
		}
	}
	return nil
}

// SaveBars upserts a batch of bars. Used by ingestion tooling, never inside
// a run.
func (s *SQLiteSource) SaveBars(ctx context.Context, bars []bar.Bar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO bars (symbol, timestamp, open, high, low, close, volume, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume, b.Status.String()); err != nil {
			tx.Rollback()
			return fmt.Errorf("saving bar %s@%s: %w", b.Symbol, b.Timestamp, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSource) Load(ctx context.Context, symbol string, from, to time.Time) ([]bar.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, open, high, low, close, volume, status
		 FROM bars WHERE symbol = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp ASC`,
		symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("loading bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []bar.Bar
	for rows.Next() {
		var b bar.Bar
		var status string
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &status); err != nil {
			return nil, err
		}
		b.Symbol = symbol
		if status == "closed" {
			b.Status = bar.MarketClosed
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteSource) Close() error { return s.db.Close() }
