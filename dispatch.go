// Package dispatch schedules workflow node executions onto external
// executors and survives the failures in between.
//
// A workflow engine hands the scheduler one NodeExecutionTask per node it
// wants run. The scheduler takes a per-node distributed lock, resolves an
// executor from the registry, builds a time-boxed execution contract and
// dispatches it over REST, gRPC, a message queue or an in-process call.
// Failures are retried with exponential backoff from a durable retry
// queue; every state change is appended to a per-run event log that can
// be replayed to rebuild the scheduler after a restart.
//
// Basic usage:
//
//	manager, err := dispatch.New(dispatch.DefaultConfig())
//	manager.RegisterInProcessExecutor(dispatch.ExecutorDescriptor{
//	    ExecutorID: "local",
//	    NodeTypes:  []string{"summarize"},
//	}, summarize)
//	manager.Start(ctx)
//
//	outcome, err := manager.Scheduler().ScheduleTask(ctx, dispatch.NodeExecutionTask{
//	    RunID:   "run-1",
//	    NodeID:  "n1",
//	    Node:    dispatch.NodeDescriptor{NodeID: "n1", NodeType: "summarize"},
//	    Attempt: 1,
//	})
package dispatch

import (
	"github.com/eleven-am/dispatch/internal/adapters/executorhost"
	"github.com/eleven-am/dispatch/internal/core"
	"github.com/eleven-am/dispatch/internal/core/scheduler"
	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// Manager wires a scheduler to its stores, registry and transports.
type Manager = core.Manager

// Scheduler accepts node execution tasks and drives them to completion,
// retry or dead letter.
type Scheduler = scheduler.Scheduler

// Outcome reports what a scheduling call did with a task.
type Outcome = scheduler.Outcome

const (
	OutcomeCompleted      = scheduler.OutcomeCompleted
	OutcomeRetryScheduled = scheduler.OutcomeRetryScheduled
	OutcomeDeadLettered   = scheduler.OutcomeDeadLettered
	OutcomeFailed         = scheduler.OutcomeFailed
	OutcomeDiscarded      = scheduler.OutcomeDiscarded
	OutcomeDuplicate      = scheduler.OutcomeDuplicate
	OutcomeSkipped        = scheduler.OutcomeSkipped
)

// NodeExecutionTask is one request to run one attempt of a workflow node.
type NodeExecutionTask = domain.NodeExecutionTask

// NodeDescriptor names the node and its type; the type selects the executor.
type NodeDescriptor = domain.NodeDescriptor

// ExecutorDescriptor describes where and how an executor is reached.
type ExecutorDescriptor = domain.ExecutorDescriptor

// ExecutionContract is what an executor receives: the inputs plus the
// token and deadline it must honor.
type ExecutionContract = domain.ExecutionContract

// ExecutionResult is what an executor returns for a contract.
type ExecutionResult = domain.ExecutionResult

type ExecutionToken = domain.ExecutionToken

type ResultError = domain.ResultError

type Progress = domain.Progress

// ProgressFunc lets a handler report intermediate progress for STREAM
// executions.
type ProgressFunc = ports.ProgressFunc

// HandlerFunc is the node logic of a locally hosted executor.
type HandlerFunc = executorhost.HandlerFunc

// RetryPolicy controls how failed attempts are retried.
type RetryPolicy = domain.RetryPolicy

// ExecutionEvent is one entry of a run's event log.
type ExecutionEvent = domain.ExecutionEvent

// RunState is a run's event log folded into current per-node status.
type RunState = domain.RunState

type NodeState = domain.NodeState

type ExecutionMode = domain.ExecutionMode

const (
	ModeSync   = domain.ModeSync
	ModeAsync  = domain.ModeAsync
	ModeStream = domain.ModeStream
)

type TransportKind = domain.TransportKind

const (
	TransportREST         = domain.TransportREST
	TransportGRPC         = domain.TransportGRPC
	TransportMessageQueue = domain.TransportMessageQueue
	TransportInProcess    = domain.TransportInProcess
)

type ResultStatus = domain.ResultStatus

const (
	StatusSuccess     = domain.StatusSuccess
	StatusFailed      = domain.StatusFailed
	StatusTimeout     = domain.StatusTimeout
	StatusRetryNeeded = domain.StatusRetryNeeded
)

// DispatchError is returned when a task could not be delivered or its
// executor reported failure.
type DispatchError = domain.DispatchError

var (
	ErrInvalidInput   = domain.ErrInvalidInput
	ErrNotFound       = domain.ErrNotFound
	ErrLockTimeout    = domain.ErrLockTimeout
	ErrRunCancelled   = domain.ErrRunCancelled
	ErrNotStarted     = domain.ErrNotStarted
	ErrAlreadyStarted = domain.ErrAlreadyStarted
)

// New creates a Manager from config. A nil config uses DefaultConfig.
func New(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	return core.NewManager(config)
}

// DefaultRetryPolicy is three attempts with exponential backoff from one
// second.
func DefaultRetryPolicy() RetryPolicy {
	return domain.DefaultRetryPolicy()
}

// NoRetry fails a node on its first failure.
func NoRetry() RetryPolicy {
	return domain.NoRetry()
}

// IsNotFound reports whether err means the addressed run, node or
// executor does not exist.
func IsNotFound(err error) bool {
	return domain.IsNotFound(err)
}

func IsLockTimeout(err error) bool {
	return domain.IsLockTimeout(err)
}

func IsRetryableError(err error) bool {
	return domain.IsRetryableError(err)
}
