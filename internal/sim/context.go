// Package sim orchestrates one deterministic simulation run per symbol: the
// four-phase bar event loop, warmup gating, equity accounting, and the
// parallel multi-symbol runner.
package sim

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"
)

// RunContext carries the run-scoped mutable state (the RNG) so nothing is
// shared globally. Sub-seeds derive from (run seed, symbol, iteration) only,
// never from scheduling, so results are bit-identical no matter how many
// symbols run concurrently or in what order they complete.
type RunContext struct {
	Seed int64
	Rng  *rand.Rand
}

// NewRunContext builds the root context for a run.
func NewRunContext(seed int64) *RunContext {
	return &RunContext{Seed: seed, Rng: rand.New(rand.NewSource(seed))}
}

// SubSeed derives the per-symbol seed.
func SubSeed(seed int64, symbol string, iteration int) int64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	h.Write(buf[:])
	h.Write([]byte(symbol))
	binary.BigEndian.PutUint64(buf[:], uint64(iteration))
	h.Write(buf[:])
	return int64(h.Sum64())
}

// ForSymbol returns an independent context for one symbol's sequential run.
func (rc *RunContext) ForSymbol(symbol string, iteration int) *RunContext {
	sub := SubSeed(rc.Seed, symbol, iteration)
	return &RunContext{Seed: sub, Rng: rand.New(rand.NewSource(sub))}
}
