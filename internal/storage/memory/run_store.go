package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// RunStore keeps ImportRun rows in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]ingest.ImportRun
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]ingest.ImportRun)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run ingest.ImportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("create import run %s: %w", run.ID, ingest.ErrConflict)
	}
	s.runs[run.ID] = run
	return nil
}

// CloseRun writes final counters and status. Completed and failed runs are immutable.
func (s *RunStore) CloseRun(_ context.Context, run ingest.ImportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return ingest.ErrNotFound
	}
	if existing.Status.Closed() {
		return ingest.ErrRunClosed
	}
	existing.Status = run.Status
	existing.Requested = run.Requested
	existing.Imported = run.Imported
	existing.Failed = run.Failed
	existing.Error = run.Error
	existing.FinishedAt = run.FinishedAt
	s.runs[run.ID] = existing
	return nil
}

// GetRun returns one run.
func (s *RunStore) GetRun(_ context.Context, id string) (ingest.ImportRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return ingest.ImportRun{}, ingest.ErrNotFound
	}
	return run, nil
}

// ListRuns returns matching runs, newest first.
func (s *RunStore) ListRuns(_ context.Context, filter ingest.RunFilter) ([]ingest.ImportRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.ImportRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Provider != "" && run.Provider != filter.Provider {
			continue
		}
		if filter.GeoUnit != "" && run.GeoUnit != filter.GeoUnit {
			continue
		}
		if !filter.Since.IsZero() && run.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
