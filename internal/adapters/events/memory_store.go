package events

import (
	"context"
	"sort"
	"sync"

	"github.com/eleven-am/dispatch/internal/domain"
)

type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string][]domain.ExecutionEvent
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]domain.ExecutionEvent)}
}

func (s *MemoryStore) Append(_ context.Context, event domain.ExecutionEvent) (domain.ExecutionEvent, error) {
	if event.RunID == "" {
		return event, domain.NewValidationError("event run id is required", domain.ErrInvalidInput, domain.WithComponent("event-store"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return event, domain.ErrClosed
	}
	event.Data = domain.CloneMap(event.Data)
	event.Sequence = int64(len(s.runs[event.RunID]) + 1)
	s.runs[event.RunID] = append(s.runs[event.RunID], event)
	return event, nil
}

func (s *MemoryStore) Events(_ context.Context, runID string) ([]domain.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.runs[runID]
	out := make([]domain.ExecutionEvent, len(stored))
	for i, event := range stored {
		event.Data = domain.CloneMap(event.Data)
		out[i] = event
	}
	return out, nil
}

func (s *MemoryStore) Runs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.runs))
	for runID := range s.runs {
		runs = append(runs, runID)
	}
	sort.Strings(runs)
	return runs, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
