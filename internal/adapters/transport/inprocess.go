package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// InProcessTransport calls handlers registered in this process by endpoint
// name. ASYNC contracts run on their own goroutine and come back through the
// correlator like any other async result.
type InProcessTransport struct {
	mu         sync.RWMutex
	handlers   map[string]ports.ContractHandler
	correlator *Correlator
	clock      ports.Clock
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewInProcessTransport(correlator *Correlator, clock ports.Clock, logger *slog.Logger) *InProcessTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if correlator == nil {
		correlator = NewCorrelator(logger)
	}
	return &InProcessTransport{
		handlers:   make(map[string]ports.ContractHandler),
		correlator: correlator,
		clock:      clock,
		logger:     logger.With("component", "transport", "adapter", "in-process"),
	}
}

func (t *InProcessTransport) Register(endpoint string, handler ports.ContractHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[endpoint] = handler
}

func (t *InProcessTransport) Deregister(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, endpoint)
}

func (t *InProcessTransport) Kind() domain.TransportKind {
	return domain.TransportInProcess
}

func (t *InProcessTransport) Send(ctx context.Context, contract *domain.ExecutionContract, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
	t.mu.RLock()
	handler, ok := t.handlers[contract.Executor.Endpoint]
	t.mu.RUnlock()
	if !ok {
		return nil, newSendError(domain.TransportInProcess, contract.Executor.Endpoint, "no in-process handler registered", domain.ErrNotFound,
			domain.WithRetryable(true))
	}

	if contract.Mode != domain.ModeAsync {
		return checkResult(domain.TransportInProcess, contract, t.invoke(ctx, handler, contract, progress))
	}

	ch, err := t.correlator.Expect(contract.ExecutionID)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), contract.ExpiresAt)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		result := t.invoke(runCtx, handler, contract, nil)
		if result.ExecutionID == "" {
			result.ExecutionID = contract.ExecutionID
		}
		t.correlator.Route(runCtx, result)
	}()

	result, err := t.correlator.Await(ctx, contract.ExecutionID, ch)
	if err != nil {
		return nil, err
	}
	return checkResult(domain.TransportInProcess, contract, result)
}

// invoke turns handler errors and panics into failed results so every path
// yields exactly one result.
func (t *InProcessTransport) invoke(ctx context.Context, handler ports.ContractHandler, contract *domain.ExecutionContract, progress ports.ProgressFunc) (result *domain.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("handler panicked", "execution_id", contract.ExecutionID, "panic", r)
			result = domain.FailedResult(contract.ExecutionID, "EXECUTOR_PANIC", fmt.Sprint(r), true, t.clock.Now())
		}
	}()

	result, err := handler.Handle(ctx, contract, progress)
	if err != nil {
		retryable := !domain.IsDomainError(err) || domain.IsRetryableError(err)
		return domain.FailedResult(contract.ExecutionID, "EXECUTOR_ERROR", err.Error(), retryable, t.clock.Now())
	}
	if result == nil {
		return domain.FailedResult(contract.ExecutionID, "EMPTY_RESULT", "handler returned no result", true, t.clock.Now())
	}
	return result
}

// Close waits for async handlers still running.
func (t *InProcessTransport) Close() error {
	t.wg.Wait()
	return nil
}
