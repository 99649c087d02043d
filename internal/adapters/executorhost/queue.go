package executorhost

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/dispatch/internal/adapters/transport"
	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// QueueWorker consumes contracts from a broker topic and publishes results
// and progress to the topics named in each message's headers.
type QueueWorker struct {
	host   *Host
	broker ports.MessageBroker
	topic  string
	logger *slog.Logger

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	unsubscribe func()
}

func NewQueueWorker(host *Host, broker ports.MessageBroker, topic string, concurrency int, logger *slog.Logger) *QueueWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	group := &errgroup.Group{}
	group.SetLimit(concurrency)
	return &QueueWorker{
		host:   host,
		broker: broker,
		topic:  topic,
		logger: logger.With("component", "queue-worker", "topic", topic),
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *QueueWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unsubscribe != nil {
		return domain.ErrAlreadyStarted
	}
	unsubscribe, err := w.broker.Subscribe(w.topic, w.onMessage)
	if err != nil {
		return domain.NewTransportError("failed to subscribe to "+w.topic, err, domain.WithComponent("executorhost"))
	}
	w.unsubscribe = unsubscribe
	return nil
}

func (w *QueueWorker) onMessage(msg ports.Message) {
	var contract domain.ExecutionContract
	if err := xjson.Unmarshal(msg.Payload, &contract); err != nil {
		w.logger.Warn("dropping undecodable contract", "correlation_id", msg.CorrelationID, "error", err)
		return
	}
	if contract.ExecutionID == "" {
		contract.ExecutionID = msg.CorrelationID
	}
	replyTo := msg.Headers[transport.MessageHeaderReplyTo]
	if replyTo == "" {
		replyTo = transport.ResultsTopic(w.topic)
	}
	progressTo := msg.Headers[transport.MessageHeaderProgressTo]

	// Blocks the subscription once the concurrency limit is reached.
	w.group.Go(func() error {
		w.execute(&contract, replyTo, progressTo)
		return nil
	})
}

func (w *QueueWorker) execute(contract *domain.ExecutionContract, replyTo, progressTo string) {
	var progress ports.ProgressFunc
	if progressTo != "" && contract.Mode == domain.ModeStream {
		progress = func(p domain.Progress) {
			w.publish(progressTo, contract.ExecutionID, p)
		}
	}

	result, err := w.host.Handle(w.ctx, contract, progress)
	if err != nil {
		w.logger.Warn("execution abandoned", "execution_id", contract.ExecutionID, "error", err)
		return
	}
	w.publish(replyTo, contract.ExecutionID, result)
}

func (w *QueueWorker) publish(topic, executionID string, v interface{}) {
	payload, err := xjson.Marshal(v)
	if err != nil {
		w.logger.Error("failed to encode reply", "execution_id", executionID, "error", err)
		return
	}
	msg := ports.Message{Topic: topic, CorrelationID: executionID, Payload: payload}
	if err := w.broker.Publish(w.ctx, msg); err != nil {
		w.logger.Warn("failed to publish reply", "execution_id", executionID, "topic", topic, "error", err)
	}
}

// Stop unsubscribes, cancels running executions and waits for them.
func (w *QueueWorker) Stop() {
	w.mu.Lock()
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
	w.mu.Unlock()
	w.cancel()
	w.group.Wait()
}
