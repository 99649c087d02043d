package ports

import (
	"context"

	"github.com/eleven-am/dispatch/internal/domain"
)

// EventStore is append-only. Append assigns the sequence number; Events
// returns a run's events ordered by sequence.
type EventStore interface {
	Append(ctx context.Context, event domain.ExecutionEvent) (domain.ExecutionEvent, error)
	Events(ctx context.Context, runID string) ([]domain.ExecutionEvent, error)
	Runs(ctx context.Context) ([]string, error)
	Close() error
}

// EventSink receives every appended event. Sinks run on the append path and
// must not block.
type EventSink interface {
	OnEvent(event domain.ExecutionEvent)
}

type EventSinkFunc func(event domain.ExecutionEvent)

func (f EventSinkFunc) OnEvent(event domain.ExecutionEvent) {
	f(event)
}

type EventLog interface {
	Emit(ctx context.Context, runID, nodeID string, eventType domain.EventType, data map[string]interface{}) (domain.ExecutionEvent, error)
	Events(ctx context.Context, runID string) ([]domain.ExecutionEvent, error)
	State(ctx context.Context, runID string) (*domain.RunState, error)
	Runs(ctx context.Context) ([]string, error)
}
