package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// Outcome is what a single ScheduleTask call did with its attempt.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
	OutcomeFailed         Outcome = "failed"
	OutcomeDiscarded      Outcome = "discarded"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeSkipped        Outcome = "skipped"
)

// Deps are the collaborators a scheduler needs. Everything except Clock and
// Logger is required.
type Deps struct {
	Registry   ports.ExecutorRegistry
	Dispatcher ports.TaskDispatcher
	Locks      ports.LockManager
	Queue      ports.RetryQueue
	Events     ports.EventLog
	Clock      ports.Clock
	Logger     *slog.Logger
}

type Option func(*Scheduler)

// WithRetryPolicy sets the policy applied to tasks that carry none.
func WithRetryPolicy(policy domain.RetryPolicy) Option {
	return func(s *Scheduler) { s.retryPolicy = policy }
}

// WithTokenTTL sets the lifetime of execution tokens minted at dispatch.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Scheduler) { s.tokenTTL = ttl }
}

type executionRef struct {
	RunID   string
	NodeID  string
	Attempt int
}

// Scheduler drives each (run, node) through
// PENDING -> DISPATCHED -> {COMPLETED | RETRYING | DEAD_LETTERED}.
// The active set, the execution index and the cancelled-run markers are
// owned by the scheduler and cleared on Stop.
type Scheduler struct {
	config      domain.SchedulerConfig
	retryPolicy domain.RetryPolicy
	tokenTTL    time.Duration

	registry   ports.ExecutorRegistry
	dispatcher ports.TaskDispatcher
	locks      ports.LockManager
	queue      ports.RetryQueue
	events     ports.EventLog
	clock      ports.Clock
	logger     *slog.Logger
	metrics    *domain.SchedulerMetrics

	mu         sync.RWMutex
	active     map[string]domain.NodeExecutionTask
	executions map[string]executionRef
	cancelled  map[string]struct{}

	// cancelMu is held shared while a retry is enqueued and exclusively by
	// CancelTasksForRun, so no retry lands after a run's cancellation.
	cancelMu sync.RWMutex

	lifecycleMu sync.Mutex
	work        chan submission
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

type submission struct {
	ctx  context.Context
	task domain.NodeExecutionTask
}

func New(deps Deps, config domain.SchedulerConfig, opts ...Option) *Scheduler {
	if deps.Registry == nil || deps.Dispatcher == nil || deps.Locks == nil || deps.Queue == nil || deps.Events == nil {
		panic("scheduler: registry, dispatcher, locks, queue and events are required")
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	defaults := domain.DefaultSchedulerConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = defaults.SweepBatchSize
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaults.LockTimeout
	}
	if config.LockRetryDelay <= 0 {
		config.LockRetryDelay = defaults.LockRetryDelay
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	s := &Scheduler{
		config:      config,
		retryPolicy: domain.DefaultRetryPolicy(),
		tokenTTL:    domain.DefaultDispatchConfig().ContractTTL,
		registry:    deps.Registry,
		dispatcher:  deps.Dispatcher,
		locks:       deps.Locks,
		queue:       deps.Queue,
		events:      deps.Events,
		clock:       deps.Clock,
		logger:      deps.Logger.With("component", "scheduler"),
		metrics:     domain.NewSchedulerMetrics(),
		active:      make(map[string]domain.NodeExecutionTask),
		executions:  make(map[string]executionRef),
		cancelled:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return domain.ErrAlreadyStarted
	}

	s.logger.Info("starting scheduler",
		"worker_count", s.config.WorkerCount,
		"sweep_interval", s.config.SweepInterval)

	if s.config.RecoverOnStart {
		if err := s.Recover(ctx); err != nil {
			return err
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.work = make(chan submission, s.config.QueueSize)
	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.processWork(s.work)
	}
	s.wg.Add(1)
	go s.sweepLoop()

	s.started = true
	return nil
}

// Stop halts the sweep, lets workers drain what they already hold and
// clears the scheduler-owned state.
func (s *Scheduler) Stop() error {
	s.lifecycleMu.Lock()
	if !s.started {
		s.lifecycleMu.Unlock()
		return domain.ErrNotStarted
	}
	s.started = false
	s.cancel()
	close(s.work)
	s.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		err = domain.NewTimeoutError("scheduler workers did not stop in time", domain.ErrTimeout, domain.WithComponent("scheduler"))
		s.logger.Warn("shutdown timed out", "timeout", s.config.ShutdownTimeout)
	}

	s.mu.Lock()
	s.active = make(map[string]domain.NodeExecutionTask)
	s.executions = make(map[string]executionRef)
	s.cancelled = make(map[string]struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return err
}

// Submit queues a task for the worker pool. It fails fast on invalid input
// and when the pool is full.
func (s *Scheduler) Submit(ctx context.Context, task domain.NodeExecutionTask) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return domain.ErrNotStarted
	}

	select {
	case s.work <- submission{ctx: context.WithoutCancel(ctx), task: task}:
		return nil
	default:
		return domain.NewDomainErrorWithCategory(domain.CategoryInternal, "scheduler work queue is full", nil,
			domain.WithComponent("scheduler"), domain.WithRetryable(true)).
			WithRunID(task.RunID).WithNodeID(task.NodeID)
	}
}

func (s *Scheduler) processWork(work <-chan submission) {
	defer s.wg.Done()
	for item := range work {
		ctx, cancel := context.WithCancel(item.ctx)
		stop := context.AfterFunc(s.ctx, cancel)
		outcome, err := s.ScheduleTask(ctx, item.task)
		stop()
		cancel()
		if err != nil {
			s.logger.Error("scheduling failed",
				"run_id", item.task.RunID,
				"node_id", item.task.NodeID,
				"attempt", item.task.Attempt,
				"error", err)
			continue
		}
		s.logger.Debug("task processed",
			"run_id", item.task.RunID,
			"node_id", item.task.NodeID,
			"attempt", item.task.Attempt,
			"outcome", outcome)
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ProcessRetries(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Error("retry sweep failed", "error", err)
			}
		}
	}
}

// ScheduleTask runs one attempt while holding the (run, node) lock. Dispatch
// failures are folded into the retry decision and reported through the
// outcome; only invalid input, lock timeouts, cancelled runs and event log
// failures come back as errors.
func (s *Scheduler) ScheduleTask(ctx context.Context, task domain.NodeExecutionTask) (Outcome, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	if s.isCancelled(task.RunID) {
		return OutcomeDiscarded, cancelledError(task)
	}
	s.metrics.Inc(&s.metrics.TasksScheduled)

	var outcome Outcome
	err := s.withNodeLock(ctx, task.RunID, task.NodeID, func(ctx context.Context) error {
		var err error
		outcome, err = s.attempt(ctx, task)
		return err
	})
	return outcome, err
}

func (s *Scheduler) withNodeLock(ctx context.Context, runID, nodeID string, fn func(context.Context) error) error {
	key := domain.LockKey(runID, nodeID)
	lock, err := s.locks.AcquireLock(ctx, key, s.config.LockTimeout)
	if err != nil {
		if domain.IsLockTimeout(err) {
			s.metrics.Inc(&s.metrics.LockTimeouts)
			s.logger.Warn("node lock contended", "run_id", runID, "node_id", nodeID, "error", err)
		}
		return err
	}
	renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))
	renewing := s.keepAlive(renewCtx, lock)
	defer func() {
		stopRenew()
		<-renewing
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.LockTimeout)
		defer cancel()
		if err := s.locks.ReleaseLock(releaseCtx, lock); err != nil {
			s.logger.Warn("failed to release node lock", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}

// keepAlive renews the lock every third of its TTL until ctx is done. The
// returned channel closes once renewal has stopped.
func (s *Scheduler) keepAlive(ctx context.Context, lock *domain.Lock) <-chan struct{} {
	done := make(chan struct{})
	renewer, ok := s.locks.(ports.LockRenewer)
	interval := lock.ExpiresAt.Sub(lock.AcquiredAt) / 3
	if !ok || interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := renewer.RenewLock(ctx, lock)
				switch {
				case err != nil && ctx.Err() != nil:
					return
				case err != nil:
					s.logger.Warn("failed to renew node lock", "key", lock.Key, "error", err)
				case !held:
					s.logger.Warn("node lock lost during dispatch", "key", lock.Key)
					return
				}
			}
		}
	}()
	return done
}

// attempt must run under the node lock.
func (s *Scheduler) attempt(ctx context.Context, task domain.NodeExecutionTask) (Outcome, error) {
	state, err := s.events.State(ctx, task.RunID)
	if err != nil {
		return "", err
	}
	if state.Cancelled() {
		s.markCancelled(task.RunID)
		return OutcomeDiscarded, cancelledError(task)
	}

	if task.Token == nil {
		task = task.WithToken(domain.MintToken(task.RunID, task.NodeID, task.Attempt, s.clock.Now(), s.tokenTTL))
	}
	executionID := task.Token.ExecutionID

	if state.ExecutionCompleted(executionID) {
		s.metrics.Inc(&s.metrics.DuplicateResults)
		s.logger.Debug("execution already completed", "run_id", task.RunID, "node_id", task.NodeID, "execution_id", executionID)
		return OutcomeDuplicate, nil
	}
	if node, ok := state.Node(task.NodeID); ok && stale(node, task, s.clock.Now()) {
		s.logger.Debug("skipping stale attempt",
			"run_id", task.RunID,
			"node_id", task.NodeID,
			"attempt", task.Attempt,
			"node_status", node.Status,
			"node_attempt", node.Attempt)
		return OutcomeSkipped, nil
	}

	s.track(task)
	defer s.untrack(task)

	executor, found, err := s.registry.GetExecutorForNode(ctx, task.Node)
	if err != nil || !found {
		cause := err
		if cause == nil {
			cause = domain.ErrNoExecutor
		}
		de := domain.NewDispatchError(domain.DispatchErrorResolution, &task,
			domain.NewResolutionError("no executor for node type "+task.Node.NodeType, cause, domain.WithComponent("scheduler")).
				WithRunID(task.RunID).WithNodeID(task.NodeID))
		return s.handleFailure(ctx, task, de)
	}

	if _, err := s.events.Emit(ctx, task.RunID, task.NodeID, domain.EventNodeDispatched, map[string]interface{}{
		domain.DataAttempt:     task.Attempt,
		domain.DataExecutionID: executionID,
		domain.DataExecutorID:  executor.ExecutorID,
		domain.DataExpiresAt:   task.Token.ExpiresAt,
	}); err != nil {
		return "", err
	}
	s.metrics.Inc(&s.metrics.TasksDispatched)
	if task.Attempt > 1 {
		s.metrics.Inc(&s.metrics.RetriesDispatched)
	}

	started := time.Now()
	result, err := s.dispatcher.Dispatch(ctx, task, *executor, s.progressFor(ctx, task))
	s.metrics.AddDispatchTime(time.Since(started).Nanoseconds())
	if err != nil {
		de, ok := domain.AsDispatchError(err)
		if !ok {
			de = domain.NewDispatchError(domain.DispatchErrorTransport, &task, err)
			de.ExecutorID = executor.ExecutorID
		}
		return s.handleFailure(ctx, task, de)
	}
	return s.complete(ctx, task, executor.ExecutorID, result)
}

// stale reports whether the log already moved the node past this attempt,
// or another dispatch of this attempt still holds a live token.
func stale(node *domain.NodeState, task domain.NodeExecutionTask, now time.Time) bool {
	switch {
	case node.Status.Terminal():
		return true
	case node.Attempt > task.Attempt:
		return true
	case node.Attempt == task.Attempt && node.InFlight(now):
		return true
	case node.Status == domain.NodeRetrying && node.RetryTask != nil && node.RetryTask.Attempt > task.Attempt:
		return true
	}
	return false
}

func (s *Scheduler) progressFor(ctx context.Context, task domain.NodeExecutionTask) ports.ProgressFunc {
	return func(progress domain.Progress) {
		if s.isCancelled(task.RunID) {
			return
		}
		if _, err := s.events.Emit(ctx, task.RunID, task.NodeID, domain.EventNodeProgress, map[string]interface{}{
			domain.DataAttempt:     task.Attempt,
			domain.DataExecutionID: task.Token.ExecutionID,
			domain.DataProgress:    progress,
		}); err != nil {
			s.logger.Warn("failed to record progress", "run_id", task.RunID, "node_id", task.NodeID, "error", err)
		}
	}
}

func (s *Scheduler) complete(ctx context.Context, task domain.NodeExecutionTask, executorID string, result *domain.ExecutionResult) (Outcome, error) {
	executionID := result.ExecutionID
	if executionID == "" {
		executionID = task.Token.ExecutionID
	}

	state, err := s.events.State(ctx, task.RunID)
	if err != nil {
		return "", err
	}
	if state.Cancelled() || s.isCancelled(task.RunID) {
		s.markCancelled(task.RunID)
		return s.discard(ctx, task.RunID, task.NodeID, executionID, "run cancelled")
	}
	if state.ExecutionCompleted(executionID) {
		s.metrics.Inc(&s.metrics.DuplicateResults)
		return OutcomeDuplicate, nil
	}

	if _, err := s.events.Emit(ctx, task.RunID, task.NodeID, domain.EventNodeCompleted, map[string]interface{}{
		domain.DataAttempt:     task.Attempt,
		domain.DataExecutionID: executionID,
		domain.DataExecutorID:  executorID,
		domain.DataStatus:      string(result.Status),
		domain.DataOutputs:     result.Outputs,
		domain.DataDurationMs:  result.Metrics.DurationMs,
	}); err != nil {
		return "", err
	}
	s.queue.Remove(task.RunID, task.NodeID)
	s.metrics.Inc(&s.metrics.TasksCompleted)
	s.logger.Debug("node completed",
		"run_id", task.RunID,
		"node_id", task.NodeID,
		"attempt", task.Attempt,
		"execution_id", executionID)
	return OutcomeCompleted, nil
}

func (s *Scheduler) discard(ctx context.Context, runID, nodeID, executionID, reason string) (Outcome, error) {
	s.metrics.Inc(&s.metrics.ResultsDiscarded)
	s.logger.Info("discarding result", "run_id", runID, "node_id", nodeID, "execution_id", executionID, "reason", reason)
	if _, err := s.events.Emit(ctx, runID, nodeID, domain.EventNodeResultDiscarded, map[string]interface{}{
		domain.DataExecutionID: executionID,
		domain.DataReason:      reason,
	}); err != nil {
		return "", err
	}
	return OutcomeDiscarded, nil
}

func (s *Scheduler) track(task domain.NodeExecutionTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[task.Key()] = task
	s.executions[task.Token.ExecutionID] = executionRef{RunID: task.RunID, NodeID: task.NodeID, Attempt: task.Attempt}
	s.updateGauges()
}

func (s *Scheduler) untrack(task domain.NodeExecutionTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, task.Key())
	s.updateGauges()
}

// updateGauges must be called with s.mu held.
func (s *Scheduler) updateGauges() {
	s.metrics.SetGauges(len(s.active), s.queue.Len())
}

// ActiveTasks lists the attempts currently being dispatched by this
// instance.
func (s *Scheduler) ActiveTasks() []domain.NodeExecutionTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]domain.NodeExecutionTask, 0, len(s.active))
	for _, task := range s.active {
		tasks = append(tasks, task)
	}
	return tasks
}

func (s *Scheduler) Metrics() domain.SchedulerMetrics {
	s.mu.RLock()
	s.updateGauges()
	s.mu.RUnlock()
	return s.metrics.Snapshot()
}

func (s *Scheduler) isCancelled(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cancelled[runID]
	return ok
}

func (s *Scheduler) markCancelled(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[runID] = struct{}{}
}

func cancelledError(task domain.NodeExecutionTask) error {
	return domain.NewValidationError("run is cancelled", domain.ErrRunCancelled, domain.WithComponent("scheduler")).
		WithRunID(task.RunID).WithNodeID(task.NodeID)
}
