package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/dispatch/internal/domain"
)

// UnmatchedFunc receives results that arrive after their waiter is gone,
// typically because the dispatch timed out or the process restarted.
type UnmatchedFunc func(ctx context.Context, result *domain.ExecutionResult)

// Correlator pairs ASYNC results with the dispatch waiting for them, keyed
// by execution id.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]chan *domain.ExecutionResult
	unmatched UnmatchedFunc
	logger    *slog.Logger
}

func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		pending: make(map[string]chan *domain.ExecutionResult),
		logger:  logger.With("component", "correlator"),
	}
}

func (c *Correlator) OnUnmatched(fn UnmatchedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmatched = fn
}

// Expect registers interest in an execution id. It must be called before
// the contract leaves the process so a fast executor cannot beat it.
func (c *Correlator) Expect(executionID string) (<-chan *domain.ExecutionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[executionID]; exists {
		return nil, domain.NewTransportError("execution already awaiting a result", domain.ErrDuplicateDelivery,
			domain.WithComponent("correlator"), domain.WithRetryable(false)).
			WithContext("execution_id", executionID)
	}
	ch := make(chan *domain.ExecutionResult, 1)
	c.pending[executionID] = ch
	return ch, nil
}

// Await blocks until the result arrives or ctx ends. The registration is
// dropped either way.
func (c *Correlator) Await(ctx context.Context, executionID string, ch <-chan *domain.ExecutionResult) (*domain.ExecutionResult, error) {
	defer c.Cancel(executionID)
	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return nil, domain.NewTimeoutError("timed out awaiting async result", ctx.Err(),
			domain.WithComponent("correlator")).
			WithContext("execution_id", executionID)
	}
}

// Deliver hands a result to its waiter. It reports false when nobody is
// waiting; a second delivery for the same id is dropped.
func (c *Correlator) Deliver(result *domain.ExecutionResult) bool {
	if result == nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[result.ExecutionID]
	if ok {
		delete(c.pending, result.ExecutionID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

// Route delivers the result or, if nobody is waiting, passes it to the
// unmatched handler.
func (c *Correlator) Route(ctx context.Context, result *domain.ExecutionResult) bool {
	if c.Deliver(result) {
		return true
	}
	c.mu.Lock()
	fn := c.unmatched
	c.mu.Unlock()
	if fn == nil {
		c.logger.Warn("dropping unmatched result", "execution_id", result.ExecutionID, "status", result.Status)
		return false
	}
	fn(ctx, result)
	return false
}

func (c *Correlator) Cancel(executionID string) {
	c.mu.Lock()
	delete(c.pending, executionID)
	c.mu.Unlock()
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
