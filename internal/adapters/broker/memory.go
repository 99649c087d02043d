package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

type subscription struct {
	id      uint64
	handler func(ports.Message)
	inbox   chan ports.Message
	done    chan struct{}
}

// MemoryBroker delivers messages to every subscriber of a topic in publish
// order. Each subscriber has its own buffered inbox and goroutine, so a slow
// subscriber only delays itself.
type MemoryBroker struct {
	mu         sync.RWMutex
	topics     map[string]map[uint64]*subscription
	nextID     uint64
	bufferSize int
	logger     *slog.Logger
	closed     bool
	wg         sync.WaitGroup
}

func NewMemoryBroker(bufferSize int, logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &MemoryBroker{
		topics:     make(map[string]map[uint64]*subscription),
		bufferSize: bufferSize,
		logger:     logger.With("component", "memory-broker"),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg ports.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return domain.ErrClosed
	}
	subs := make([]*subscription, 0, len(b.topics[msg.Topic]))
	for _, sub := range b.topics[msg.Topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug("no subscribers for topic", "topic", msg.Topic)
		return nil
	}

	for _, sub := range subs {
		select {
		case sub.inbox <- copyMessage(msg):
		case <-sub.done:
		case <-ctx.Done():
			return domain.NewTransportError("publish timeout", ctx.Err(), domain.WithComponent("memory-broker")).
				WithContext("topic", msg.Topic)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(topic string, handler func(ports.Message)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrClosed
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		handler: handler,
		inbox:   make(chan ports.Message, b.bufferSize),
		done:    make(chan struct{}),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*subscription)
	}
	b.topics[topic][sub.id] = sub

	b.wg.Add(1)
	go b.deliver(sub)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.topics[topic]; ok {
				if _, ok := subs[sub.id]; ok {
					delete(subs, sub.id)
					close(sub.done)
				}
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
		})
	}
	return unsubscribe, nil
}

func (b *MemoryBroker) deliver(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-sub.inbox:
			b.invoke(sub, msg)
		case <-sub.done:
			return
		}
	}
}

func (b *MemoryBroker) invoke(sub *subscription, msg ports.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	sub.handler(msg)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.done)
		}
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func copyMessage(msg ports.Message) ports.Message {
	out := msg
	out.Payload = append([]byte(nil), msg.Payload...)
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
