package sim

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/trend-sim/internal/bar"
)

// SymbolRun is everything one symbol's simulation needs, fully resident
// before the run starts. BuildLoop constructs a fresh loop from the symbol's
// sub-seeded context so parallel runs share no mutable state.
type SymbolRun struct {
	Symbol    string
	Bars      []bar.Bar
	Signals   []Signal
	BuildLoop func(rc *RunContext) (*Loop, error)
}

// MultiResult aggregates a multi-symbol run.
type MultiResult struct {
	Results        map[string]Result `json:"results"`
	Errors         map[string]string `json:"errors"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time"`
	TotalSymbols   int               `json:"total_symbols"`
	SuccessfulRuns int               `json:"successful_runs"`
	FailedRuns     int               `json:"failed_runs"`
}

// Runner executes independent per-symbol simulations, in parallel across
// symbols and strictly sequentially within each. Identical (config, dataset,
// seed) produce bit-identical results regardless of worker count: sub-seeds
// derive from the symbol's position in the sorted symbol list, never from
// scheduling.
type Runner struct {
	Seed    int64
	Workers int
	Log     *zap.Logger
}

// RunAll runs every symbol. Cancellation is coarse-grained: the context is
// observed between symbol runs, never mid-loop, so completed results are
// never corrupted.
func (r *Runner) RunAll(ctx context.Context, runs []SymbolRun) MultiResult {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}

	sorted := make([]SymbolRun, len(runs))
	copy(sorted, runs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	type job struct {
		run       SymbolRun
		iteration int
	}
	type outcome struct {
		symbol string
		result Result
		err    error
	}

	jobs := make(chan job)
	outcomes := make(chan outcome, len(sorted))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					outcomes <- outcome{symbol: j.run.Symbol, err: ctx.Err()}
					continue
				}
				rc := NewRunContext(r.Seed).ForSymbol(j.run.Symbol, j.iteration)
				loop, err := j.run.BuildLoop(rc)
				if err != nil {
					outcomes <- outcome{symbol: j.run.Symbol, err: err}
					continue
				}
				res, err := loop.Run(j.run.Bars, j.run.Signals)
				outcomes <- outcome{symbol: j.run.Symbol, result: res, err: err}
			}
		}()
	}

	multi := MultiResult{
		Results:      make(map[string]Result, len(sorted)),
		Errors:       make(map[string]string),
		StartTime:    time.Now(),
		TotalSymbols: len(sorted),
	}

	go func() {
		for i, run := range sorted {
			jobs <- job{run: run, iteration: i}
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		if o.err != nil {
			multi.FailedRuns++
			multi.Errors[o.symbol] = o.err.Error()
			log.Error("symbol run failed", zap.String("symbol", o.symbol), zap.Error(o.err))
			continue
		}
		multi.SuccessfulRuns++
		multi.Results[o.symbol] = o.result
		log.Info("symbol run finished",
			zap.String("symbol", o.symbol),
			zap.Int("trades", len(o.result.Trades)),
			zap.Float64("final_equity", o.result.FinalEquity))
	}
	multi.EndTime = time.Now()
	return multi
}
