// Package inmem provides an in-memory audit.Store for tests and local runs.
// It is not durable.
package inmem

import (
	"context"
	"sync"

	"causalis.dev/retrodict/runtime/audit"
)

// Store implements audit.Store in memory.
type Store struct {
	mu      sync.Mutex
	records map[string][]audit.Record
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string][]audit.Record)}
}

// Append implements audit.Store.
func (s *Store) Append(_ context.Context, rec audit.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RunID] = append(s.records[rec.RunID], rec)
	return nil
}

// List implements audit.Store.
func (s *Store) List(_ context.Context, runID string, afterIndex int64, limit int) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Record
	for _, rec := range s.records[runID] {
		if rec.Index <= afterIndex {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements audit.Store.
func (s *Store) Close() error { return nil }

// Len returns the number of records stored for the run.
func (s *Store) Len(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[runID])
}
