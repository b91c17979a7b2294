// Package store persists finished run results for external reporting. The
// kernel itself never touches storage; the caller hands completed results
// here after all symbol runs finish.
package store

import (
	"context"
	"sync"

	"github.com/amirphl/trend-sim/internal/sim"
)

// Store saves completed run results.
type Store interface {
	SaveRun(ctx context.Context, result sim.Result) error
	Close() error
}

// MemoryStore keeps results in memory. Used in tests and when persistence
// is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]sim.Result
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]sim.Result)}
}

func (s *MemoryStore) SaveRun(_ context.Context, result sim.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.Symbol] = result
	return nil
}

// Get returns a stored result.
func (s *MemoryStore) Get(symbol string) (sim.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[symbol]
	return r, ok
}

func (s *MemoryStore) Close() error { return nil }
