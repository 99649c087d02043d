package domain

import (
	"errors"
	"fmt"
)

type DispatchErrorKind string

const (
	DispatchErrorResolution  DispatchErrorKind = "resolution"
	DispatchErrorTransport   DispatchErrorKind = "transport"
	DispatchErrorExecutor    DispatchErrorKind = "executor"
	DispatchErrorExpired     DispatchErrorKind = "expired"
	DispatchErrorRejected    DispatchErrorKind = "rejected"
	DispatchErrorCircuitOpen DispatchErrorKind = "circuit_open"
)

// DispatchError is the failure variant of a dispatch. Every kind feeds the
// scheduler's retry decision; Retryable is a hint, RetryPolicy decides.
type DispatchError struct {
	Kind        DispatchErrorKind
	RunID       string
	NodeID      string
	Attempt     int
	ExecutorID  string
	ExecutionID string
	Retryable   bool
	Result      *ExecutionResult
	Err         error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch %s failed for %s/%s attempt %d", e.Kind, e.RunID, e.NodeID, e.Attempt)
	if e.ExecutorID != "" {
		msg += " on " + e.ExecutorID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func NewDispatchError(kind DispatchErrorKind, task *NodeExecutionTask, err error) *DispatchError {
	de := &DispatchError{
		Kind:      kind,
		Err:       err,
		Retryable: kind != DispatchErrorExpired && kind != DispatchErrorRejected,
	}
	if task != nil {
		de.RunID = task.RunID
		de.NodeID = task.NodeID
		de.Attempt = task.Attempt
		if task.Token != nil {
			de.ExecutionID = task.Token.ExecutionID
		}
	}
	return de
}

func AsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
