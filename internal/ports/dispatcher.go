package ports

import (
	"context"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
)

// TaskDispatcher sends one attempt. Failures come back as
// *domain.DispatchError values.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task domain.NodeExecutionTask, executor domain.ExecutorDescriptor, progress ProgressFunc) (*domain.ExecutionResult, error)
}

type RetryQueue interface {
	Upsert(entry domain.RetryQueueEntry)
	Get(runID, nodeID string) (domain.RetryQueueEntry, bool)
	Remove(runID, nodeID string) bool
	RemoveRun(runID string) int
	Due(now time.Time, limit int) []domain.RetryQueueEntry
	Entries() []domain.RetryQueueEntry
	Len() int
	Clear()
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
