package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/amirphl/trend-sim/internal/sim"
)

// PostgresStore persists run results to postgres. One SaveRun is one
// transaction: a run row plus its fills, trades, and equity curve.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(connStr string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id SERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			strategy TEXT NOT NULL,
			seed BIGINT NOT NULL,
			bars INT NOT NULL,
			starting_cash DOUBLE PRECISION NOT NULL,
			final_equity DOUBLE PRECISION NOT NULL,
			max_drawdown DOUBLE PRECISION NOT NULL,
			wins INT NOT NULL,
			losses INT NOT NULL,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS fills (
			run_id INT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			fill_id BIGINT NOT NULL,
			order_id BIGINT NOT NULL,
			bar_index INT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			side SMALLINT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			slippage DOUBLE PRECISION NOT NULL,
			gapped BOOLEAN NOT NULL,
			signal_ref TEXT,
			PRIMARY KEY (run_id, fill_id)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			run_id INT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			entry_order_id BIGINT NOT NULL,
			exit_order_id BIGINT NOT NULL,
			side SMALLINT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			entry_bar INT NOT NULL,
			exit_bar INT NOT NULL,
			bars_held INT NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			commission DOUBLE PRECISION NOT NULL,
			exit_gapped BOOLEAN NOT NULL,
			signal_ref TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS equity_points (
			run_id INT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			bar_index INT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			equity DOUBLE PRECISION NOT NULL,
			cash DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (run_id, bar_index)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("initializing results schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, r sim.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var runID int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO runs (symbol, strategy, seed, bars, starting_cash, final_equity, max_drawdown, wins, losses, start_time, end_time)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		r.Symbol, r.Strategy, r.Seed, r.Bars, r.StartingCash, r.FinalEquity, r.MaxDrawdown,
		r.Wins, r.Losses, r.StartTime, r.EndTime).Scan(&runID)
	if err != nil {
		return fmt.Errorf("inserting run for %s: %w", r.Symbol, err)
	}

	fillStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fills (run_id, fill_id, order_id, bar_index, ts, side, price, quantity, slippage, gapped, signal_ref)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`)
	if err != nil {
		return err
	}
	defer fillStmt.Close()
	for _, f := range r.Fills {
		if _, err := fillStmt.ExecContext(ctx, runID, f.ID, f.OrderID, f.BarIndex, f.Timestamp,
			f.Side, f.Price, f.Quantity, f.Slippage, f.Gapped, f.SignalRef); err != nil {
			return fmt.Errorf("inserting fill %d: %w", f.ID, err)
		}
	}

	tradeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trades (run_id, entry_order_id, exit_order_id, side, quantity, entry_price, exit_price, entry_bar, exit_bar, bars_held, realized_pnl, commission, exit_gapped, signal_ref)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`)
	if err != nil {
		return err
	}
	defer tradeStmt.Close()
	for _, t := range r.Trades {
		if _, err := tradeStmt.ExecContext(ctx, runID, t.EntryOrderID, t.ExitOrderID, t.Side, t.Quantity,
			t.EntryPrice, t.ExitPrice, t.EntryBar, t.ExitBar, t.BarsHeld, t.RealizedPnL, t.Commission,
			t.ExitGapped, t.SignalRef); err != nil {
			return fmt.Errorf("inserting trade at bar %d: %w", t.ExitBar, err)
		}
	}

	eqStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO equity_points (run_id, bar_index, ts, equity, cash) VALUES ($1,$2,$3,$4,$5)`)
	if err != nil {
		return err
	}
	defer eqStmt.Close()
	for _, p := range r.Equity {
		if _, err := eqStmt.ExecContext(ctx, runID, p.BarIndex, p.Timestamp, p.Equity, p.Cash); err != nil {
			return fmt.Errorf("inserting equity point %d: %w", p.BarIndex, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Close() error { return s.db.Close() }
