package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/amirphl/trend-sim/internal/bar"
	"github.com/amirphl/trend-sim/internal/config"
	"github.com/amirphl/trend-sim/internal/dataset"
	"github.com/amirphl/trend-sim/internal/fill"
	"github.com/amirphl/trend-sim/internal/indicator"
	"github.com/amirphl/trend-sim/internal/logging"
	"github.com/amirphl/trend-sim/internal/position"
	"github.com/amirphl/trend-sim/internal/sim"
	"github.com/amirphl/trend-sim/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trend-sim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	// Cancellation is coarse-grained: observed between symbol runs, never
	// mid-loop, so finished results stay intact on Ctrl-C.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, closeSource, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	runs, err := buildRuns(ctx, cfg, source, logger)
	if err != nil {
		return err
	}

	runner := &sim.Runner{Seed: cfg.Seed, Workers: cfg.Parallelism, Log: logger}
	multi := runner.RunAll(ctx, runs)

	logger.Info("all runs finished",
		zap.Int("total", multi.TotalSymbols),
		zap.Int("successful", multi.SuccessfulRuns),
		zap.Int("failed", multi.FailedRuns),
		zap.Duration("elapsed", multi.EndTime.Sub(multi.StartTime)))

	return persist(ctx, cfg, multi, logger)
}

func openSource(cfg config.Config) (dataset.Source, func(), error) {
	switch cfg.DatasetDriver {
	case "csv", "":
		return dataset.NewCSVSource(cfg.DatasetPath), func() {}, nil
	case "sqlite":
		src, err := dataset.NewSQLiteSource(cfg.DatasetPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite dataset: %w", err)
		}
		return src, func() { src.Close() }, nil
	case "wallex":
		return dataset.NewWallexSource(cfg.WallexAPIKey), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown dataset driver %q", cfg.DatasetDriver)
	}
}

// buildRuns loads and sanitizes every symbol's bars up front; the loops
// themselves do no I/O.
func buildRuns(ctx context.Context, cfg config.Config, source dataset.Source, logger *zap.Logger) ([]sim.SymbolRun, error) {
	preset, err := cfg.Preset()
	if err != nil {
		return nil, err
	}

	var runs []sim.SymbolRun
	for _, symbol := range cfg.Symbols {
		bars, err := source.Load(ctx, symbol, cfg.From, cfg.To)
		if err != nil {
			return nil, fmt.Errorf("loading bars for %s: %w", symbol, err)
		}
		clean, degraded := bar.Sanitize(bars)
		if degraded > 0 {
			logger.Warn("degraded malformed bars to closed-market",
				zap.String("symbol", symbol), zap.Int("count", degraded))
		}
		if len(clean) == 0 {
			logger.Warn("no bars for symbol, skipping", zap.String("symbol", symbol))
			continue
		}

		symbol := symbol
		bars2 := clean
		runs = append(runs, sim.SymbolRun{
			Symbol:  symbol,
			Bars:    bars2,
			Signals: sim.GenerateBreakoutSignals(bars2, cfg.SignalPeriod),
			BuildLoop: func(rc *sim.RunContext) (*sim.Loop, error) {
				formula, err := position.NewFormula(cfg.Strategy)
				if err != nil {
					return nil, err
				}
				fillCfg, err := preset.FillConfig(rc.Rng)
				if err != nil {
					return nil, err
				}
				ind := indicator.Precompute(bars2, atrPeriodOrDefault(cfg), extremePeriodOrDefault(cfg))
				return sim.NewLoop(sim.LoopConfig{
					Symbol:            symbol,
					Instrument:        cfg.Instrument(symbol),
					StartingCash:      cfg.StartingCash,
					OrderSize:         cfg.OrderSize,
					CommissionPercent: cfg.CommissionPercent,
					CloseOnSignal:     cfg.CloseOnSignal,
					EquityTolerance:   cfg.EquityTolerance,
				}, fill.NewEngine(fillCfg), position.NewManager(formula, cfg.Instrument(symbol)), &ind, rc, logger), nil
			},
		})
	}
	return runs, nil
}

func atrPeriodOrDefault(cfg config.Config) int {
	if cfg.Strategy.ATRPeriod > 0 {
		return cfg.Strategy.ATRPeriod
	}
	return 14
}

func extremePeriodOrDefault(cfg config.Config) int {
	if cfg.Strategy.ExtremePeriod > 0 {
		return cfg.Strategy.ExtremePeriod
	}
	return 20
}

func persist(ctx context.Context, cfg config.Config, multi sim.MultiResult, logger *zap.Logger) error {
	var st store.Store
	if cfg.PostgresConnStr != "" {
		pg, err := store.NewPostgresStore(cfg.PostgresConnStr, 10, 5)
		if err != nil {
			return fmt.Errorf("connecting results store: %w", err)
		}
		st = pg
	} else {
		st = store.NewMemoryStore()
	}
	defer st.Close()

	for symbol, res := range multi.Results {
		if err := st.SaveRun(ctx, res); err != nil {
			logger.Error("saving run failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		logger.Info("run saved",
			zap.String("symbol", symbol),
			zap.String("strategy", res.Strategy),
			zap.Float64("final_equity", res.FinalEquity),
			zap.Float64("max_drawdown", res.MaxDrawdown),
			zap.Int("trades", len(res.Trades)),
			zap.Float64("median_hold", res.Stickiness.MedianHold),
			zap.Float64("p95_hold", res.Stickiness.P95Hold))
	}
	return nil
}
