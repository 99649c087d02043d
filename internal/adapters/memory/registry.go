package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// ExecutorRegistry keeps executor descriptors in memory and resolves nodes to
// healthy executors, rotating between candidates.
type ExecutorRegistry struct {
	mu         sync.RWMutex
	executors  map[string]domain.ExecutorDescriptor
	cursors    map[string]uint64
	staleAfter time.Duration
	clock      ports.Clock
	logger     *slog.Logger
}

func NewExecutorRegistry(staleAfter time.Duration, clock ports.Clock, logger *slog.Logger) *ExecutorRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &ExecutorRegistry{
		executors:  make(map[string]domain.ExecutorDescriptor),
		cursors:    make(map[string]uint64),
		staleAfter: staleAfter,
		clock:      clock,
		logger:     logger.With("component", "registry", "type", "memory"),
	}
}

// Register adds or replaces an executor. RegisteredAt is kept across
// re-registration.
func (r *ExecutorRegistry) Register(desc domain.ExecutorDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	now := r.clock.Now()
	desc = desc.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.executors[desc.ExecutorID]; ok {
		desc.RegisteredAt = existing.RegisteredAt
	} else if desc.RegisteredAt.IsZero() {
		desc.RegisteredAt = now
	}
	desc.LastHeartbeat = now
	r.executors[desc.ExecutorID] = desc

	r.logger.Info("executor registered",
		"executor_id", desc.ExecutorID,
		"transport", desc.Transport,
		"mode", desc.Mode,
		"node_types", desc.NodeTypes)
	return nil
}

func (r *ExecutorRegistry) Heartbeat(executorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.executors[executorID]
	if !ok {
		return domain.NewResolutionError("executor not found", domain.ErrNotFound, domain.WithComponent("registry")).
			WithExecutorID(executorID)
	}
	desc.LastHeartbeat = r.clock.Now()
	r.executors[executorID] = desc
	return nil
}

func (r *ExecutorRegistry) Deregister(executorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executors[executorID]; !ok {
		return false
	}
	delete(r.executors, executorID)
	r.logger.Info("executor deregistered", "executor_id", executorID)
	return true
}

func (r *ExecutorRegistry) Get(executorID string) (domain.ExecutorDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.executors[executorID]
	if !ok {
		return domain.ExecutorDescriptor{}, false
	}
	return desc.Clone(), true
}

// List returns every registered executor, healthy or not, ordered by id.
func (r *ExecutorRegistry) List() []domain.ExecutorDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ExecutorDescriptor, 0, len(r.executors))
	for _, desc := range r.executors {
		out = append(out, desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutorID < out[j].ExecutorID })
	return out
}

func (r *ExecutorRegistry) GetExecutorForNode(_ context.Context, node domain.NodeDescriptor) (*domain.ExecutorDescriptor, bool, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]domain.ExecutorDescriptor, 0, 2)
	for _, desc := range r.executors {
		if desc.Supports(node.NodeType) && desc.Healthy(now, r.staleAfter) {
			candidates = append(candidates, desc)
		}
	}
	if len(candidates) == 0 {
		r.logger.Debug("no healthy executor for node", "node_id", node.NodeID, "node_type", node.NodeType)
		return nil, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ExecutorID < candidates[j].ExecutorID })
	cursor := r.cursors[node.NodeType]
	r.cursors[node.NodeType] = cursor + 1

	chosen := candidates[cursor%uint64(len(candidates))].Clone()
	return &chosen, true, nil
}
