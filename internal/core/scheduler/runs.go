package scheduler

import (
	"context"
	"strings"

	"github.com/eleven-am/dispatch/internal/domain"
)

// CancelTasksForRun drops every active task and queued retry of the run and
// records the cancellation in its log. Dispatches already in flight are not
// recalled; their results are discarded when they arrive.
func (s *Scheduler) CancelTasksForRun(ctx context.Context, runID string) (int, error) {
	if runID == "" {
		return 0, domain.NewValidationError("run id is required", domain.ErrInvalidInput, domain.WithComponent("scheduler"))
	}

	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	s.markCancelled(runID)
	removed := s.queue.RemoveRun(runID)

	prefix := domain.RunPrefix(runID)
	s.mu.Lock()
	for key := range s.active {
		if strings.HasPrefix(key, prefix) {
			delete(s.active, key)
			removed++
		}
	}
	s.updateGauges()
	s.mu.Unlock()

	state, err := s.events.State(ctx, runID)
	if err != nil {
		return removed, err
	}
	if state.Cancelled() {
		return removed, nil
	}

	if _, err := s.events.Emit(ctx, runID, "", domain.EventRunCancelled, map[string]interface{}{
		domain.DataReason: "cancelled",
	}); err != nil {
		return removed, err
	}
	s.metrics.Inc(&s.metrics.RunsCancelled)
	s.logger.Info("run cancelled", "run_id", runID, "removed", removed)
	return removed, nil
}

// CompleteRun marks the run finished once the engine has nothing left to
// schedule for it.
func (s *Scheduler) CompleteRun(ctx context.Context, runID string) error {
	state, err := s.events.State(ctx, runID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	if pending := s.queue.RemoveRun(runID); pending > 0 {
		s.logger.Warn("completing run with pending retries", "run_id", runID, "pending", pending)
	}

	s.mu.Lock()
	for id, ref := range s.executions {
		if ref.RunID == runID {
			delete(s.executions, id)
		}
	}
	s.mu.Unlock()

	_, err = s.events.Emit(ctx, runID, "", domain.EventRunCompleted, nil)
	return err
}

// DeliverResult accepts an ASYNC result nobody is waiting for anymore.
// Results for cancelled runs and already-settled nodes are recorded as
// discarded; a late success for an unsettled node completes it.
func (s *Scheduler) DeliverResult(ctx context.Context, result *domain.ExecutionResult) (Outcome, error) {
	if result == nil || result.ExecutionID == "" {
		return "", domain.NewValidationError("result without execution id", domain.ErrInvalidInput, domain.WithComponent("scheduler"))
	}

	s.mu.RLock()
	ref, ok := s.executions[result.ExecutionID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("result for unknown execution", "execution_id", result.ExecutionID, "status", result.Status)
		return "", domain.NewValidationError("unknown execution", domain.ErrNotFound, domain.WithComponent("scheduler")).
			WithContext("execution_id", result.ExecutionID)
	}

	var outcome Outcome
	err := s.withNodeLock(ctx, ref.RunID, ref.NodeID, func(ctx context.Context) error {
		var err error
		outcome, err = s.settleLate(ctx, ref, result)
		return err
	})
	return outcome, err
}

func (s *Scheduler) settleLate(ctx context.Context, ref executionRef, result *domain.ExecutionResult) (Outcome, error) {
	state, err := s.events.State(ctx, ref.RunID)
	if err != nil {
		return "", err
	}
	if state.Cancelled() || s.isCancelled(ref.RunID) {
		s.markCancelled(ref.RunID)
		return s.discard(ctx, ref.RunID, ref.NodeID, result.ExecutionID, "run cancelled")
	}
	if state.ExecutionCompleted(result.ExecutionID) {
		s.metrics.Inc(&s.metrics.DuplicateResults)
		return OutcomeDuplicate, nil
	}

	node, _ := state.Node(ref.NodeID)
	if node != nil && node.Status.Terminal() {
		return s.discard(ctx, ref.RunID, ref.NodeID, result.ExecutionID, "node already "+strings.ToLower(string(node.Status)))
	}

	task := domain.NodeExecutionTask{
		RunID:   ref.RunID,
		NodeID:  ref.NodeID,
		Attempt: ref.Attempt,
		Token:   &domain.ExecutionToken{ExecutionID: result.ExecutionID},
	}
	if result.Succeeded() {
		return s.complete(ctx, task, "", result)
	}

	// A failure whose attempt is still marked dispatched was never folded
	// into a retry decision, e.g. it was in flight across a restart.
	if node != nil && node.Status == domain.NodeDispatched && node.Attempt == ref.Attempt {
		msg := string(result.Status)
		if result.Error != nil {
			msg = result.Error.Code + ": " + result.Error.Message
		}
		if _, err := s.events.Emit(ctx, ref.RunID, ref.NodeID, domain.EventNodeFailed, map[string]interface{}{
			domain.DataAttempt:     ref.Attempt,
			domain.DataExecutionID: result.ExecutionID,
			domain.DataStatus:      string(result.Status),
			domain.DataError:       msg,
		}); err != nil {
			return "", err
		}
		s.metrics.Inc(&s.metrics.TasksFailed)
		return OutcomeFailed, nil
	}
	return s.discard(ctx, ref.RunID, ref.NodeID, result.ExecutionID, "late failure")
}

// Recover rebuilds scheduler-owned state from the event log: queued
// retries, cancelled runs and the index of executions still in flight.
func (s *Scheduler) Recover(ctx context.Context) error {
	runs, err := s.events.Runs(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, runID := range runs {
		state, err := s.events.State(ctx, runID)
		if err != nil {
			return err
		}
		if state.Cancelled() {
			s.markCancelled(runID)
			continue
		}
		if state.Terminal() {
			continue
		}

		s.cancelMu.RLock()
		for _, entry := range state.PendingRetries() {
			if s.isCancelled(runID) {
				break
			}
			if _, exists := s.queue.Get(entry.RunID, entry.NodeID); exists {
				continue
			}
			s.queue.Upsert(entry)
			restored++
		}
		s.cancelMu.RUnlock()

		s.mu.Lock()
		for _, node := range state.Nodes {
			if node.Status == domain.NodeDispatched && node.ExecutionID != "" {
				s.executions[node.ExecutionID] = executionRef{RunID: runID, NodeID: node.NodeID, Attempt: node.Attempt}
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.updateGauges()
	s.mu.Unlock()
	s.logger.Info("recovered scheduler state", "runs", len(runs), "retries", restored)
	return nil
}
