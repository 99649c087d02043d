package ports

import (
	"context"

	"github.com/eleven-am/dispatch/internal/domain"
)

// ProgressFunc receives STREAM notifications. It is never called after the
// terminal result is returned.
type ProgressFunc func(progress domain.Progress)

// Transport carries one contract to an executor and brings back its result.
// The contract and result shapes are identical for every kind.
type Transport interface {
	Kind() domain.TransportKind
	Send(ctx context.Context, contract *domain.ExecutionContract, progress ProgressFunc) (*domain.ExecutionResult, error)
	Close() error
}

// ContractHandler is the executor side of a contract.
type ContractHandler interface {
	Handle(ctx context.Context, contract *domain.ExecutionContract, progress ProgressFunc) (*domain.ExecutionResult, error)
}

type ContractHandlerFunc func(ctx context.Context, contract *domain.ExecutionContract, progress ProgressFunc) (*domain.ExecutionResult, error)

func (f ContractHandlerFunc) Handle(ctx context.Context, contract *domain.ExecutionContract, progress ProgressFunc) (*domain.ExecutionResult, error) {
	return f(ctx, contract, progress)
}

type Message struct {
	Topic         string
	CorrelationID string
	Payload       []byte
	Headers       map[string]string
}

// MessageBroker is the publish/subscribe surface used by the MESSAGE_QUEUE
// transport and queue workers.
type MessageBroker interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(topic string, handler func(Message)) (unsubscribe func(), err error)
	Close() error
}
