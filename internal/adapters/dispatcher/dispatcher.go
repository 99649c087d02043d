package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// Dispatcher sends one attempt through the transport matching the
// executor's declared protocol. Each executor gets its own circuit breaker,
// rate limit and concurrency cap.
type Dispatcher struct {
	config   domain.DispatchConfig
	clock    ports.Clock
	breakers ports.BreakerSet
	limiter  ports.ExecutorLimiter
	logger   *slog.Logger

	mu         sync.RWMutex
	transports map[domain.TransportKind]ports.Transport
	slots      map[string]*executorSlots
}

type executorSlots struct {
	size int64
	sem  *semaphore.Weighted
}

type Option func(*Dispatcher)

func WithCircuitBreakers(breakers ports.BreakerSet) Option {
	return func(d *Dispatcher) { d.breakers = breakers }
}

func WithRateLimiter(limiter ports.ExecutorLimiter) Option {
	return func(d *Dispatcher) { d.limiter = limiter }
}

func WithClock(clock ports.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

func New(config domain.DispatchConfig, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		config:     config,
		clock:      ports.SystemClock{},
		logger:     logger.With("component", "dispatcher"),
		transports: make(map[domain.TransportKind]ports.Transport),
		slots:      make(map[string]*executorSlots),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) RegisterTransport(transport ports.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[transport.Kind()] = transport
}

func (d *Dispatcher) Transport(kind domain.TransportKind) (ports.Transport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.transports[kind]
	return t, ok
}

// Dispatch returns the executor's successful result, or a
// *domain.DispatchError. Non-success results come back inside the error's
// Result field.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.NodeExecutionTask, executor domain.ExecutorDescriptor, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
	now := d.clock.Now()
	fail := func(kind domain.DispatchErrorKind, err error) *domain.DispatchError {
		de := domain.NewDispatchError(kind, &task, err)
		de.ExecutorID = executor.ExecutorID
		return de
	}

	if task.Token != nil {
		if !task.Token.Matches(task.RunID, task.NodeID, task.Attempt) {
			return nil, fail(domain.DispatchErrorRejected,
				domain.NewValidationError("execution token does not match task", domain.ErrInvalidInput, domain.WithComponent("dispatcher")).
					WithRunID(task.RunID).WithNodeID(task.NodeID))
		}
		if task.Token.Expired(now) {
			return nil, fail(domain.DispatchErrorExpired,
				domain.NewExpiredError("execution token expired before dispatch", domain.ErrContractExpired, domain.WithComponent("dispatcher")).
					WithRunID(task.RunID).WithNodeID(task.NodeID))
		}
	}

	transport, ok := d.Transport(executor.Transport)
	if !ok {
		de := fail(domain.DispatchErrorTransport,
			domain.NewConfigurationError("no transport registered for "+string(executor.Transport), domain.ErrUnknownTransport,
				domain.WithComponent("dispatcher")).WithExecutorID(executor.ExecutorID))
		de.Retryable = false
		return nil, de
	}

	contract, err := BuildContract(task, executor, now, d.config)
	if err != nil {
		return nil, fail(domain.DispatchErrorRejected, err)
	}

	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx, executor.ExecutorID); err != nil {
			return nil, fail(domain.DispatchErrorTransport,
				domain.NewTransportError("executor rate limit", err, domain.WithComponent("dispatcher"), domain.WithRetryable(true)).
					WithExecutorID(executor.ExecutorID))
		}
	}

	if slots := d.slotsFor(executor); slots != nil {
		if err := slots.sem.Acquire(ctx, 1); err != nil {
			return nil, fail(domain.DispatchErrorTransport,
				domain.NewTimeoutError("waiting for executor capacity", err, domain.WithComponent("dispatcher")).
					WithExecutorID(executor.ExecutorID))
		}
		defer slots.sem.Release(1)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout(task, executor, contract, now))
	defer cancel()

	d.logger.Debug("dispatching",
		"run_id", task.RunID,
		"node_id", task.NodeID,
		"attempt", task.Attempt,
		"execution_id", contract.ExecutionID,
		"executor_id", executor.ExecutorID,
		"transport", executor.Transport,
		"mode", contract.Mode)

	var result *domain.ExecutionResult
	var refused error
	send := func(ctx context.Context) error {
		r, err := transport.Send(ctx, contract, progress)
		if err != nil {
			// Refusals say nothing about executor health.
			if errors.Is(err, domain.ErrExecutorRejected) || errors.Is(err, domain.ErrContractExpired) {
				refused = err
				return nil
			}
			return err
		}
		result = r
		return nil
	}

	if d.breakers != nil {
		err = d.breakers.For(executor.ExecutorID).Execute(callCtx, send)
	} else {
		err = send(callCtx)
	}
	elapsed := d.clock.Now().Sub(now)

	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		return nil, fail(domain.DispatchErrorCircuitOpen, err)
	case err != nil:
		de := fail(domain.DispatchErrorTransport, err)
		de.ExecutionID = contract.ExecutionID
		de.Retryable = domain.IsRetryableError(err) || errors.Is(err, context.DeadlineExceeded)
		d.logger.Debug("dispatch transport failure", "execution_id", contract.ExecutionID, "error", err, "duration", elapsed)
		return nil, de
	case refused != nil:
		kind := domain.DispatchErrorRejected
		if errors.Is(refused, domain.ErrContractExpired) {
			kind = domain.DispatchErrorExpired
		}
		de := fail(kind, refused)
		de.ExecutionID = contract.ExecutionID
		return nil, de
	}

	if result == nil {
		de := fail(domain.DispatchErrorTransport,
			domain.NewTransportError("transport returned no result", nil, domain.WithComponent("dispatcher")))
		de.ExecutionID = contract.ExecutionID
		return nil, de
	}
	if result.Metrics.DurationMs == 0 {
		result.Metrics.DurationMs = elapsed.Milliseconds()
	}
	if !result.Succeeded() {
		return nil, executorFailure(fail, contract, result)
	}
	return result, nil
}

func executorFailure(fail func(domain.DispatchErrorKind, error) *domain.DispatchError, contract *domain.ExecutionContract, result *domain.ExecutionResult) *domain.DispatchError {
	kind := domain.DispatchErrorExecutor
	retryable := true
	var cause error = domain.NewExecutorError("executor reported "+string(result.Status), nil, domain.WithComponent("dispatcher"))
	if result.Error != nil {
		retryable = result.Error.Retryable || result.Status == domain.StatusRetryNeeded
		cause = result.Error
		if result.Error.Code == "CONTRACT_EXPIRED" {
			kind = domain.DispatchErrorExpired
			retryable = false
		}
	}
	de := fail(kind, cause)
	de.ExecutionID = contract.ExecutionID
	de.Retryable = retryable
	de.Result = result
	return de
}

// callTimeout bounds the call by the time left on the contract and by the
// tightest of the task timeout, the executor timeout and the default timeout.
func (d *Dispatcher) callTimeout(task domain.NodeExecutionTask, executor domain.ExecutorDescriptor, contract *domain.ExecutionContract, now time.Time) time.Duration {
	timeout := executor.Timeout()
	if task.Timeout > 0 && (timeout <= 0 || task.Timeout < timeout) {
		timeout = task.Timeout
	}
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}
	remaining := contract.Remaining(now)
	if timeout <= 0 || remaining < timeout {
		timeout = remaining
	}
	return timeout
}

func (d *Dispatcher) slotsFor(executor domain.ExecutorDescriptor) *executorSlots {
	size := int64(executor.Metadata.MaxConcurrency)
	if size <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	slots, ok := d.slots[executor.ExecutorID]
	if !ok || slots.size != size {
		// A resized executor gets a fresh semaphore; calls holding the old
		// one release into it harmlessly.
		slots = &executorSlots{size: size, sem: semaphore.NewWeighted(size)}
		d.slots[executor.ExecutorID] = slots
	}
	return slots
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for kind, transport := range d.transports {
		if err := transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.transports, kind)
	}
	return firstErr
}
