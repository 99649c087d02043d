package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// QueueTransport publishes contracts to the topic named by the executor
// endpoint. Executors reply on ResultsTopic(endpoint) and report progress
// on ProgressTopic(endpoint), both correlated by execution id. Every mode
// waits for the correlated result; STREAM also forwards progress.
type QueueTransport struct {
	broker     ports.MessageBroker
	correlator *Correlator
	logger     *slog.Logger

	mu         sync.Mutex
	subscribed map[string][]func()

	// progressMu is held for reading while a progress callback runs, so
	// removing a callback waits for in-flight calls to finish.
	progressMu sync.RWMutex
	progress   map[string]ports.ProgressFunc
}

func NewQueueTransport(broker ports.MessageBroker, correlator *Correlator, logger *slog.Logger) *QueueTransport {
	if broker == nil {
		panic("transport: queue transport requires a broker")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if correlator == nil {
		correlator = NewCorrelator(logger)
	}
	return &QueueTransport{
		broker:     broker,
		correlator: correlator,
		logger:     logger.With("component", "transport", "adapter", "queue"),
		subscribed: make(map[string][]func()),
		progress:   make(map[string]ports.ProgressFunc),
	}
}

func (q *QueueTransport) Kind() domain.TransportKind {
	return domain.TransportMessageQueue
}

func (q *QueueTransport) Send(ctx context.Context, contract *domain.ExecutionContract, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
	endpoint := contract.Executor.Endpoint
	if err := q.ensureSubscribed(endpoint); err != nil {
		return nil, err
	}

	payload, err := xjson.Marshal(contract)
	if err != nil {
		return nil, newSendError(domain.TransportMessageQueue, endpoint, "failed to encode contract", err, domain.WithRetryable(false))
	}

	ch, err := q.correlator.Expect(contract.ExecutionID)
	if err != nil {
		return nil, err
	}
	if progress != nil && contract.Mode == domain.ModeStream {
		q.progressMu.Lock()
		q.progress[contract.ExecutionID] = progress
		q.progressMu.Unlock()
		defer func() {
			q.progressMu.Lock()
			delete(q.progress, contract.ExecutionID)
			q.progressMu.Unlock()
		}()
	}

	msg := ports.Message{
		Topic:         endpoint,
		CorrelationID: contract.ExecutionID,
		Payload:       payload,
		Headers: map[string]string{
			MessageHeaderReplyTo:    ResultsTopic(endpoint),
			MessageHeaderProgressTo: ProgressTopic(endpoint),
			MessageHeaderMode:       string(contract.Mode),
		},
	}
	if err := q.broker.Publish(ctx, msg); err != nil {
		q.correlator.Cancel(contract.ExecutionID)
		return nil, newSendError(domain.TransportMessageQueue, endpoint, "failed to publish contract", err, domain.WithRetryable(true))
	}

	result, err := q.correlator.Await(ctx, contract.ExecutionID, ch)
	if err != nil {
		return nil, err
	}
	return checkResult(domain.TransportMessageQueue, contract, result)
}

func (q *QueueTransport) ensureSubscribed(endpoint string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.subscribed[endpoint]; ok {
		return nil
	}

	unsubResults, err := q.broker.Subscribe(ResultsTopic(endpoint), q.onResult)
	if err != nil {
		return newSendError(domain.TransportMessageQueue, endpoint, "failed to subscribe to results", err, domain.WithRetryable(true))
	}
	unsubProgress, err := q.broker.Subscribe(ProgressTopic(endpoint), q.onProgress)
	if err != nil {
		unsubResults()
		return newSendError(domain.TransportMessageQueue, endpoint, "failed to subscribe to progress", err, domain.WithRetryable(true))
	}
	q.subscribed[endpoint] = []func(){unsubResults, unsubProgress}
	return nil
}

func (q *QueueTransport) onResult(msg ports.Message) {
	var result domain.ExecutionResult
	if err := xjson.Unmarshal(msg.Payload, &result); err != nil {
		q.logger.Warn("dropping undecodable result", "topic", msg.Topic, "error", err)
		return
	}
	if result.ExecutionID == "" {
		result.ExecutionID = msg.CorrelationID
	}
	q.correlator.Route(context.Background(), &result)
}

func (q *QueueTransport) onProgress(msg ports.Message) {
	var progress domain.Progress
	if err := xjson.Unmarshal(msg.Payload, &progress); err != nil {
		q.logger.Warn("dropping undecodable progress", "topic", msg.Topic, "error", err)
		return
	}

	q.progressMu.RLock()
	defer q.progressMu.RUnlock()
	fn := q.progress[msg.CorrelationID]
	if fn == nil {
		return
	}
	if progress.ExecutionID == "" {
		progress.ExecutionID = msg.CorrelationID
	}
	fn(progress)
}

func (q *QueueTransport) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for endpoint, unsubs := range q.subscribed {
		for _, unsub := range unsubs {
			unsub()
		}
		delete(q.subscribed, endpoint)
	}
	return nil
}
