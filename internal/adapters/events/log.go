package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// Log is the write path for run events. Sequence numbers come from the
// store; ids and timestamps are assigned here.
type Log struct {
	store  ports.EventStore
	clock  ports.Clock
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []ports.EventSink
}

func NewLog(store ports.EventStore, clock ports.Clock, logger *slog.Logger) *Log {
	if store == nil {
		panic("events: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Log{
		store:  store,
		clock:  clock,
		logger: logger.With("component", "event-log"),
	}
}

func (l *Log) AddSink(sink ports.EventSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink)
}

func (l *Log) Emit(ctx context.Context, runID, nodeID string, eventType domain.EventType, data map[string]interface{}) (domain.ExecutionEvent, error) {
	event := domain.ExecutionEvent{
		EventID:    uuid.New().String(),
		RunID:      runID,
		NodeID:     nodeID,
		Type:       eventType,
		Data:       data,
		OccurredAt: l.clock.Now(),
	}

	stored, err := l.store.Append(ctx, event)
	if err != nil {
		l.logger.Error("failed to append event",
			"run_id", runID,
			"node_id", nodeID,
			"type", eventType,
			"error", err)
		return event, err
	}

	l.logger.Debug("event appended",
		"run_id", runID,
		"node_id", nodeID,
		"type", eventType,
		"sequence", stored.Sequence)

	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()
	for _, sink := range sinks {
		l.notify(sink, stored)
	}
	return stored, nil
}

func (l *Log) notify(sink ports.EventSink, event domain.ExecutionEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event sink panicked", "run_id", event.RunID, "type", event.Type, "panic", r)
		}
	}()
	sink.OnEvent(event)
}

func (l *Log) Events(ctx context.Context, runID string) ([]domain.ExecutionEvent, error) {
	return l.store.Events(ctx, runID)
}

func (l *Log) State(ctx context.Context, runID string) (*domain.RunState, error) {
	events, err := l.store.Events(ctx, runID)
	if err != nil {
		return nil, err
	}
	return domain.FoldRunState(runID, events), nil
}

func (l *Log) Runs(ctx context.Context) ([]string, error) {
	return l.store.Runs(ctx)
}
