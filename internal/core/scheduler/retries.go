package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/dispatch/internal/domain"
)

func (s *Scheduler) policyFor(task domain.NodeExecutionTask) domain.RetryPolicy {
	policy := task.RetryPolicy
	if policy.IsZero() {
		policy = s.retryPolicy
	}
	if policy.JitterKey == "" {
		policy = policy.WithJitterKey(task.NodeKey())
	}
	return policy
}

// handleFailure turns any dispatch failure, including "no executor", into
// either a queued retry or a dead letter. Must run under the node lock.
func (s *Scheduler) handleFailure(ctx context.Context, task domain.NodeExecutionTask, failure *domain.DispatchError) (Outcome, error) {
	s.metrics.Inc(&s.metrics.TasksFailed)
	executionID := task.Token.ExecutionID

	state, err := s.events.State(ctx, task.RunID)
	if err != nil {
		return "", err
	}
	if state.Cancelled() || s.isCancelled(task.RunID) {
		s.markCancelled(task.RunID)
		return s.discard(ctx, task.RunID, task.NodeID, executionID, "run cancelled")
	}

	policy := s.policyFor(task)
	if failure.Retryable && policy.ShouldRetry(task.Attempt) {
		return s.queueRetry(ctx, task, failure, policy.CalculateDelay(task.Attempt))
	}

	reason := "retries exhausted"
	if !failure.Retryable {
		reason = "failure not retryable"
	}
	s.queue.Remove(task.RunID, task.NodeID)
	s.metrics.Inc(&s.metrics.DeadLettered)
	s.logger.Warn("node dead-lettered",
		"run_id", task.RunID,
		"node_id", task.NodeID,
		"attempt", task.Attempt,
		"error_kind", failure.Kind,
		"reason", reason,
		"error", failure)

	if _, err := s.events.Emit(ctx, task.RunID, task.NodeID, domain.EventNodeDeadLettered, map[string]interface{}{
		domain.DataAttempt:     task.Attempt,
		domain.DataExecutionID: executionID,
		domain.DataError:       failure.Error(),
		domain.DataErrorKind:   string(failure.Kind),
		domain.DataReason:      reason,
	}); err != nil {
		return "", err
	}
	return OutcomeDeadLettered, nil
}

// queueRetry enqueues the next attempt and records it, unless the run was
// cancelled first.
func (s *Scheduler) queueRetry(ctx context.Context, task domain.NodeExecutionTask, failure *domain.DispatchError, delay time.Duration) (Outcome, error) {
	executionID := task.Token.ExecutionID

	s.cancelMu.RLock()
	defer s.cancelMu.RUnlock()
	if s.isCancelled(task.RunID) {
		return s.discard(ctx, task.RunID, task.NodeID, executionID, "run cancelled")
	}

	next := task.NextAttempt(nil)
	entry := domain.RetryQueueEntry{
		RunID:     task.RunID,
		NodeID:    task.NodeID,
		ExecuteAt: s.clock.Now().Add(delay),
		Task:      next,
	}
	s.queue.Upsert(entry)
	s.metrics.Inc(&s.metrics.RetriesScheduled)

	s.logger.Info("retry scheduled",
		"run_id", task.RunID,
		"node_id", task.NodeID,
		"attempt", task.Attempt,
		"error_kind", failure.Kind,
		"delay", delay)

	if _, err := s.events.Emit(ctx, task.RunID, task.NodeID, domain.EventNodeRetryScheduled, map[string]interface{}{
		domain.DataAttempt:     task.Attempt,
		domain.DataExecutionID: executionID,
		domain.DataExecuteAt:   entry.ExecuteAt,
		domain.DataDelayMs:     delay.Milliseconds(),
		domain.DataError:       failure.Error(),
		domain.DataErrorKind:   string(failure.Kind),
		domain.DataTask:        next,
	}); err != nil {
		return "", err
	}
	return OutcomeRetryScheduled, nil
}

// ScheduleRetry moves the pending retry for a node to now+delay. The most
// recent call wins. The node must have a retry pending, either in the queue
// or in the run's log.
func (s *Scheduler) ScheduleRetry(ctx context.Context, runID, nodeID string, delay time.Duration) error {
	if runID == "" || nodeID == "" {
		return domain.NewValidationError("run id and node id are required", domain.ErrInvalidInput, domain.WithComponent("scheduler"))
	}
	if delay < 0 {
		return domain.NewValidationError("retry delay must not be negative", domain.ErrInvalidInput, domain.WithComponent("scheduler")).
			WithRunID(runID).WithNodeID(nodeID)
	}
	s.cancelMu.RLock()
	defer s.cancelMu.RUnlock()
	if s.isCancelled(runID) {
		return cancelledError(domain.NodeExecutionTask{RunID: runID, NodeID: nodeID})
	}

	entry, ok := s.queue.Get(runID, nodeID)
	if !ok {
		state, err := s.events.State(ctx, runID)
		if err != nil {
			return err
		}
		if state.Cancelled() {
			s.markCancelled(runID)
			return cancelledError(domain.NodeExecutionTask{RunID: runID, NodeID: nodeID})
		}
		node, found := state.Node(nodeID)
		if !found || node.Status != domain.NodeRetrying || node.RetryTask == nil {
			return domain.NewValidationError("no retry pending for node", domain.ErrNotFound, domain.WithComponent("scheduler")).
				WithRunID(runID).WithNodeID(nodeID)
		}
		entry = domain.RetryQueueEntry{RunID: runID, NodeID: nodeID, Task: *node.RetryTask}
	}

	entry.ExecuteAt = s.clock.Now().Add(delay)
	s.queue.Upsert(entry)
	s.metrics.Inc(&s.metrics.RetriesScheduled)

	_, err := s.events.Emit(ctx, runID, nodeID, domain.EventNodeRetryScheduled, map[string]interface{}{
		domain.DataAttempt:   entry.Task.Attempt - 1,
		domain.DataExecuteAt: entry.ExecuteAt,
		domain.DataDelayMs:   delay.Milliseconds(),
		domain.DataTask:      entry.Task,
		domain.DataReason:    "rescheduled",
	})
	return err
}

// IsRetrying reports whether this instance still owes the node a retry.
func (s *Scheduler) IsRetrying(runID, nodeID string) bool {
	_, ok := s.queue.Get(runID, nodeID)
	return ok
}

// ProcessRetries re-dispatches every due entry, each under its node lock.
// Entries whose lock is contended go back on the queue after
// LockRetryDelay. It returns how many attempts were dispatched.
func (s *Scheduler) ProcessRetries(ctx context.Context) (int, error) {
	s.metrics.Inc(&s.metrics.SweepRuns)
	due := s.queue.Due(s.clock.Now(), s.config.SweepBatchSize)
	if len(due) == 0 {
		return 0, nil
	}
	s.logger.Debug("processing due retries", "count", len(due))

	var (
		g          errgroup.Group
		dispatched atomic.Int64
		errMu      sync.Mutex
		errs       []error
	)
	g.SetLimit(s.config.WorkerCount)
	for _, entry := range due {
		g.Go(func() error {
			ran, err := s.redispatch(ctx, entry)
			if ran {
				dispatched.Add(1)
			}
			if err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(dispatched.Load()), errors.Join(errs...)
}

func (s *Scheduler) redispatch(ctx context.Context, entry domain.RetryQueueEntry) (bool, error) {
	if s.isCancelled(entry.RunID) {
		return false, nil
	}

	var outcome Outcome
	err := s.withNodeLock(ctx, entry.RunID, entry.NodeID, func(ctx context.Context) error {
		var err error
		outcome, err = s.attempt(ctx, entry.Task)
		return err
	})

	switch {
	case err == nil:
	case domain.IsLockTimeout(err):
		s.requeue(entry)
		return false, nil
	case errors.Is(err, domain.ErrRunCancelled):
		return false, nil
	default:
		// The entry is not lost: it is still recorded in the run's log.
		if ctx.Err() == nil {
			s.requeue(entry)
		}
		return false, err
	}

	switch outcome {
	case OutcomeSkipped, OutcomeDuplicate, OutcomeDiscarded:
		return false, nil
	}
	return true, nil
}

// requeue puts a swept entry back after LockRetryDelay unless a newer entry
// replaced it or the run was cancelled.
func (s *Scheduler) requeue(entry domain.RetryQueueEntry) {
	s.cancelMu.RLock()
	defer s.cancelMu.RUnlock()
	if s.isCancelled(entry.RunID) {
		return
	}
	if _, exists := s.queue.Get(entry.RunID, entry.NodeID); exists {
		return
	}
	entry.ExecuteAt = s.clock.Now().Add(s.config.LockRetryDelay)
	s.queue.Upsert(entry)
}
