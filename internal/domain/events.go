package domain

import (
	"time"
)

type EventType string

const (
	EventNodeDispatched      EventType = "NODE_DISPATCHED"
	EventNodeCompleted       EventType = "NODE_COMPLETED"
	EventNodeFailed          EventType = "NODE_FAILED"
	EventNodeRetryScheduled  EventType = "NODE_RETRY_SCHEDULED"
	EventNodeDeadLettered    EventType = "NODE_DEAD_LETTERED"
	EventNodeProgress        EventType = "NODE_PROGRESS"
	EventNodeResultDiscarded EventType = "NODE_RESULT_DISCARDED"
	EventRunCompleted        EventType = "RUN_COMPLETED"
	EventRunCancelled        EventType = "RUN_CANCELLED"
)

// ExecutionEvent is one entry of a run's append-only log.
type ExecutionEvent struct {
	EventID    string                 `json:"eventId"`
	RunID      string                 `json:"runId"`
	NodeID     string                 `json:"nodeId,omitempty"`
	Type       EventType              `json:"type"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
	Sequence   int64                  `json:"sequence"`
}

// Event data keys shared by the scheduler and the fold.
const (
	DataAttempt     = "attempt"
	DataExecutionID = "executionId"
	DataExecutorID  = "executorId"
	DataExecuteAt   = "executeAt"
	DataDelayMs     = "delayMs"
	DataError       = "error"
	DataErrorKind   = "errorKind"
	DataStatus      = "status"
	DataOutputs     = "outputs"
	DataTask        = "task"
	DataReason      = "reason"
	DataDurationMs  = "durationMs"
	DataProgress    = "progress"
	DataExpiresAt   = "expiresAt"
)

func (e ExecutionEvent) Attempt() int {
	return intValue(e.Data[DataAttempt])
}

func (e ExecutionEvent) ExecutionID() string {
	s, _ := e.Data[DataExecutionID].(string)
	return s
}

func (e ExecutionEvent) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

func (e ExecutionEvent) Time(key string) time.Time {
	switch v := e.Data[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// intValue accepts the numeric shapes a value takes before and after a JSON
// round trip.
func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case uint64:
		return int(n)
	}
	return 0
}
