package dispatcher

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/dispatch/internal/domain"
)

// BuildContract snapshots one attempt for the wire. Everything mutable is
// deep-copied so later changes to the task cannot reach the contract.
//
// The contract expires at the earlier of the token expiry and now+ContractTTL,
// but never sooner than now+MinContractTTL.
func BuildContract(task domain.NodeExecutionTask, executor domain.ExecutorDescriptor, now time.Time, config domain.DispatchConfig) (*domain.ExecutionContract, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	inputs, err := task.MergedContext()
	if err != nil {
		return nil, err
	}

	executionID := domain.ExecutionIDFor(task.RunID, task.NodeID, task.Attempt)
	tokenID := ""
	if task.Token != nil {
		executionID = task.Token.ExecutionID
		tokenID = task.Token.TokenID
	}

	ttl := config.ContractTTL
	if ttl <= 0 {
		ttl = domain.DefaultDispatchConfig().ContractTTL
	}
	expiresAt := now.Add(ttl)
	if task.Token != nil && task.Token.ExpiresAt.Before(expiresAt) {
		expiresAt = task.Token.ExpiresAt
	}
	if floor := now.Add(config.MinContractTTL); expiresAt.Before(floor) {
		expiresAt = floor
	}

	mode := executor.Mode
	if mode == "" {
		mode = domain.ModeSync
	}

	node := task.Node
	node.NodeID = task.NodeID
	node.Metadata = domain.CloneMap(task.Node.Metadata)

	return &domain.ExecutionContract{
		ExecutionID:   executionID,
		WorkflowRunID: task.RunID,
		Attempt:       task.Attempt,
		TokenID:       tokenID,
		Node:          node,
		Executor: domain.ContractExecutor{
			ExecutorID: executor.ExecutorID,
			Endpoint:   executor.Endpoint,
			Transport:  executor.Transport,
			Language:   executor.Metadata.Language,
		},
		Mode:      mode,
		Inputs:    inputs,
		Config:    domain.CloneMap(task.Config),
		Context:   copyContext(task.Context),
		Trace:     childTrace(task.Trace),
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

func copyContext(ctx domain.ExecutionContext) domain.ExecutionContext {
	out := ctx
	out.Variables = domain.CloneMap(ctx.Variables)
	if ctx.Headers != nil {
		out.Headers = make(map[string]string, len(ctx.Headers))
		for k, v := range ctx.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// childTrace opens a new span under the task's span for this attempt.
func childTrace(parent domain.TraceMetadata) domain.TraceMetadata {
	trace := domain.TraceMetadata{
		TraceID:      parent.TraceID,
		ParentSpanID: parent.SpanID,
		SpanID:       newSpanID(),
	}
	if trace.TraceID == "" {
		trace.TraceID = uuid.NewString()
	}
	if parent.Baggage != nil {
		trace.Baggage = make(map[string]string, len(parent.Baggage))
		for k, v := range parent.Baggage {
			trace.Baggage[k] = v
		}
	}
	return trace
}

func newSpanID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
