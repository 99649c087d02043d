package domain

import (
	"time"
)

type ContractExecutor struct {
	ExecutorID string        `json:"executorId"`
	Endpoint   string        `json:"endpoint"`
	Transport  TransportKind `json:"protocol"`
	Language   string        `json:"language,omitempty"`
}

// ExecutionContract is the transport-neutral payload for one attempt. It is
// built once per attempt and never modified afterwards.
type ExecutionContract struct {
	ExecutionID   string                 `json:"executionId"`
	WorkflowRunID string                 `json:"workflowRunId"`
	Attempt       int                    `json:"attempt"`
	TokenID       string                 `json:"tokenId,omitempty"`
	Node          NodeDescriptor         `json:"node"`
	Executor      ContractExecutor       `json:"executor"`
	Mode          ExecutionMode          `json:"mode"`
	Inputs        map[string]interface{} `json:"inputs"`
	Config        map[string]interface{} `json:"config"`
	Context       ExecutionContext       `json:"context"`
	Trace         TraceMetadata          `json:"trace"`
	CreatedAt     time.Time              `json:"createdAt"`
	ExpiresAt     time.Time              `json:"expiresAt"`
}

func (c *ExecutionContract) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *ExecutionContract) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

type ResultStatus string

const (
	StatusSuccess     ResultStatus = "SUCCESS"
	StatusFailed      ResultStatus = "FAILED"
	StatusTimeout     ResultStatus = "TIMEOUT"
	StatusRetryNeeded ResultStatus = "RETRY_NEEDED"
)

type ResultError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Type      string                 `json:"type,omitempty"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *ResultError) Error() string {
	return e.Code + ": " + e.Message
}

type ResultMetrics struct {
	DurationMs     int64 `json:"durationMs"`
	Tokens         int64 `json:"tokens,omitempty"`
	BytesProcessed int64 `json:"bytesProcessed,omitempty"`
	RetryCount     int   `json:"retryCount,omitempty"`
}

// ExecutionResult is terminal: one per delivered contract.
type ExecutionResult struct {
	ExecutionID string                 `json:"executionId"`
	Status      ResultStatus           `json:"status"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Error       *ResultError           `json:"error,omitempty"`
	Metrics     ResultMetrics          `json:"metrics"`
	CompletedAt time.Time              `json:"completedAt"`
}

func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Progress is an intermediate STREAM notification; it never completes an
// execution.
type Progress struct {
	ExecutionID string                 `json:"executionId"`
	Sequence    int                    `json:"sequence"`
	Message     string                 `json:"message,omitempty"`
	Percent     float64                `json:"percent,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	At          time.Time              `json:"at"`
}

func FailedResult(executionID, code, message string, retryable bool, now time.Time) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID: executionID,
		Status:      StatusFailed,
		Error: &ResultError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
		CompletedAt: now,
	}
}
