package executorhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// HandlerFunc is the node logic an executor runs. Returning a
// *domain.ResultError controls the error payload reported back; any other
// error is reported as a retryable EXECUTOR_ERROR.
type HandlerFunc func(ctx context.Context, contract *domain.ExecutionContract, progress ports.ProgressFunc) (map[string]interface{}, error)

// Result codes produced by the host itself.
const (
	CodeContractExpired     = "CONTRACT_EXPIRED"
	CodeUnsupportedNodeType = "UNSUPPORTED_NODE_TYPE"
	CodeExecutorError       = "EXECUTOR_ERROR"
	CodeExecutorPanic       = "EXECUTOR_PANIC"
	CodeInvalidContract     = "INVALID_CONTRACT"
)

type execution struct {
	done   chan struct{}
	result *domain.ExecutionResult
	until  time.Time
}

// Host enforces the executor side of a contract around a HandlerFunc:
// expired contracts are refused, node types are checked, and a repeated
// execution id gets the first delivery's result instead of a second run.
type Host struct {
	handler   HandlerFunc
	nodeTypes map[string]bool
	clock     ports.Clock
	logger    *slog.Logger

	mu         sync.Mutex
	executions map[string]*execution
}

type Option func(*Host)

func WithNodeTypes(types ...string) Option {
	return func(h *Host) {
		for _, t := range types {
			h.nodeTypes[t] = true
		}
	}
}

func WithClock(clock ports.Clock) Option {
	return func(h *Host) { h.clock = clock }
}

func NewHost(handler HandlerFunc, logger *slog.Logger, opts ...Option) *Host {
	if handler == nil {
		panic("executorhost: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		handler:    handler,
		nodeTypes:  make(map[string]bool),
		clock:      ports.SystemClock{},
		logger:     logger.With("component", "executor-host"),
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle makes the host a ports.ContractHandler so it can also be mounted
// on the in-process transport.
func (h *Host) Handle(ctx context.Context, contract *domain.ExecutionContract, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
	now := h.clock.Now()
	if contract == nil || contract.ExecutionID == "" {
		return domain.FailedResult("", CodeInvalidContract, "contract has no execution id", false, now), nil
	}
	if contract.Expired(now) {
		h.logger.Warn("refusing expired contract",
			"execution_id", contract.ExecutionID,
			"run_id", contract.WorkflowRunID,
			"expired_at", contract.ExpiresAt)
		return domain.FailedResult(contract.ExecutionID, CodeContractExpired, "contract expired at "+contract.ExpiresAt.Format(time.RFC3339Nano), false, now), nil
	}
	if len(h.nodeTypes) > 0 && !h.nodeTypes[contract.Node.NodeType] && !h.nodeTypes["*"] {
		return domain.FailedResult(contract.ExecutionID, CodeUnsupportedNodeType, "node type "+contract.Node.NodeType+" is not served here", false, now), nil
	}

	exec, first := h.claim(contract, now)
	if !first {
		h.logger.Debug("duplicate delivery", "execution_id", contract.ExecutionID)
		select {
		case <-exec.done:
			return cloneResult(exec.result), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := h.run(ctx, contract, progress)
	exec.result = result
	close(exec.done)
	return cloneResult(result), nil
}

// claim registers the execution id, reporting whether this delivery is the
// first. Entries are kept until their contract expires, after which a
// re-delivery would be refused anyway.
func (h *Host) claim(contract *domain.ExecutionContract, now time.Time) (*execution, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, exec := range h.executions {
		if !now.Before(exec.until) {
			select {
			case <-exec.done:
				delete(h.executions, id)
			default:
			}
		}
	}

	if exec, ok := h.executions[contract.ExecutionID]; ok {
		return exec, false
	}
	exec := &execution{done: make(chan struct{}), until: contract.ExpiresAt}
	h.executions[contract.ExecutionID] = exec
	return exec, true
}

func (h *Host) run(ctx context.Context, contract *domain.ExecutionContract, progress ports.ProgressFunc) (result *domain.ExecutionResult) {
	start := h.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, contract.Remaining(start))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panicked", "execution_id", contract.ExecutionID, "panic", r)
			result = domain.FailedResult(contract.ExecutionID, CodeExecutorPanic, fmt.Sprint(r), true, h.clock.Now())
		}
		result.Metrics.DurationMs = h.clock.Now().Sub(start).Milliseconds()
	}()

	var seq int
	var progressMu sync.Mutex
	report := func(p domain.Progress) {
		if progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		seq++
		p.ExecutionID = contract.ExecutionID
		if p.Sequence == 0 {
			p.Sequence = seq
		}
		if p.At.IsZero() {
			p.At = h.clock.Now()
		}
		progress(p)
	}

	outputs, err := h.handler(ctx, contract, report)
	now := h.clock.Now()
	if err != nil {
		var re *domain.ResultError
		if errors.As(err, &re) {
			return &domain.ExecutionResult{
				ExecutionID: contract.ExecutionID,
				Status:      domain.StatusFailed,
				Error:       re,
				CompletedAt: now,
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			res := domain.FailedResult(contract.ExecutionID, "TIMEOUT", err.Error(), true, now)
			res.Status = domain.StatusTimeout
			return res
		}
		return domain.FailedResult(contract.ExecutionID, CodeExecutorError, err.Error(), true, now)
	}
	return &domain.ExecutionResult{
		ExecutionID: contract.ExecutionID,
		Status:      domain.StatusSuccess,
		Outputs:     outputs,
		CompletedAt: now,
	}
}

func cloneResult(r *domain.ExecutionResult) *domain.ExecutionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Outputs = domain.CloneMap(r.Outputs)
	if r.Error != nil {
		e := *r.Error
		e.Details = domain.CloneMap(r.Error.Details)
		c.Error = &e
	}
	return &c
}
