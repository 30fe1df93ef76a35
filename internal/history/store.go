// Package history persists completed session summaries behind a narrow
// append/load/prune interface. Baseline computation treats any store
// failure as "no baseline available", never as fatal.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SessionSummary is the durable record of one completed session
type SessionSummary struct {
	SessionID     string
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	TestsPassed   int
	TestsFailed   int
	TestsSkipped  int
	WorkerCount   int
	PeakCPUPct    float64
	AvgCPUPct     float64
	PeakMemoryPct float64
	AvgMemoryPct  float64
	FailureRate   float64
	Succeeded     bool
}

// Store is the session history persistence boundary
type Store interface {
	// Load returns all retained summaries sorted by end time ascending
	Load(ctx context.Context) ([]SessionSummary, error)
	// Append persists one summary
	Append(ctx context.Context, summary SessionSummary) error
	// Prune removes summaries whose end time falls before the cutoff
	Prune(ctx context.Context, before time.Time) error
	// Close releases store resources
	Close() error
}

// MemoryStore keeps summaries in memory; used in tests and as a fallback
// when no durable path is configured.
type MemoryStore struct {
	mu        sync.Mutex
	summaries []SessionSummary
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store
func (s *MemoryStore) Load(ctx context.Context) ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]SessionSummary(nil), s.summaries...)
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

// Append implements Store
func (s *MemoryStore) Append(ctx context.Context, summary SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

// Prune implements Store
func (s *MemoryStore) Prune(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.summaries[:0]
	for _, sum := range s.summaries {
		if !sum.EndTime.Before(before) {
			kept = append(kept, sum)
		}
	}
	s.summaries = kept
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }
