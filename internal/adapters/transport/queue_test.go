package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dispatch/internal/adapters/broker"
	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// queueWorker answers contracts the way a remote queue consumer would.
func queueWorker(t *testing.T, b ports.MessageBroker, endpoint string, progressFrames int) {
	t.Helper()
	unsub, err := b.Subscribe(endpoint, func(msg ports.Message) {
		var contract domain.ExecutionContract
		if err := xjson.Unmarshal(msg.Payload, &contract); err != nil {
			return
		}
		ctx := context.Background()
		for i := 1; i <= progressFrames; i++ {
			payload, _ := xjson.Marshal(domain.Progress{Sequence: i})
			_ = b.Publish(ctx, ports.Message{Topic: msg.Headers[MessageHeaderProgressTo], CorrelationID: msg.CorrelationID, Payload: payload})
		}
		payload, _ := xjson.Marshal(successFor(&contract))
		_ = b.Publish(ctx, ports.Message{Topic: msg.Headers[MessageHeaderReplyTo], CorrelationID: msg.CorrelationID, Payload: payload})
	})
	require.NoError(t, err)
	t.Cleanup(unsub)
}

func TestQueueTransport_RoundTrip(t *testing.T) {
	b := broker.NewMemoryBroker(16, nil)
	defer b.Close()
	queueWorker(t, b, "jobs.http", 0)

	transport := NewQueueTransport(b, nil, nil)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := transport.Send(ctx, testContract(domain.ModeAsync, domain.TransportMessageQueue, "jobs.http"), nil)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
}

func TestQueueTransport_StreamProgressStopsAtResult(t *testing.T) {
	b := broker.NewMemoryBroker(16, nil)
	defer b.Close()
	queueWorker(t, b, "jobs.llm", 3)

	transport := NewQueueTransport(b, nil, nil)
	defer transport.Close()

	var mu sync.Mutex
	returned := false
	lateCalls := 0
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := transport.Send(ctx, testContract(domain.ModeStream, domain.TransportMessageQueue, "jobs.llm"), func(p domain.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if returned {
			lateCalls++
		}
	})
	mu.Lock()
	returned = true
	mu.Unlock()

	require.NoError(t, err)
	assert.True(t, result.Succeeded())

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, lateCalls)
}

func TestQueueTransport_TimeoutWithoutWorker(t *testing.T) {
	b := broker.NewMemoryBroker(16, nil)
	defer b.Close()
	correlator := NewCorrelator(nil)
	transport := NewQueueTransport(b, correlator, nil)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := transport.Send(ctx, testContract(domain.ModeAsync, domain.TransportMessageQueue, "jobs.none"), nil)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryTimeout, domain.GetErrorCategory(err))
	assert.Equal(t, 0, correlator.Pending())
}

func TestInProcessTransport_Sync(t *testing.T) {
	transport := NewInProcessTransport(nil, nil, nil)
	transport.Register("echo", ports.ContractHandlerFunc(func(ctx context.Context, c *domain.ExecutionContract, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
		if progress != nil {
			progress(domain.Progress{ExecutionID: c.ExecutionID, Sequence: 1})
		}
		return successFor(c), nil
	}))

	progressed := 0
	result, err := transport.Send(context.Background(), testContract(domain.ModeStream, domain.TransportInProcess, "echo"), func(domain.Progress) {
		progressed++
	})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, progressed)
}

func TestInProcessTransport_HandlerFailuresBecomeResults(t *testing.T) {
	transport := NewInProcessTransport(nil, nil, nil)
	transport.Register("panics", ports.ContractHandlerFunc(func(context.Context, *domain.ExecutionContract, ports.ProgressFunc) (*domain.ExecutionResult, error) {
		panic("boom")
	}))
	transport.Register("errors", ports.ContractHandlerFunc(func(context.Context, *domain.ExecutionContract, ports.ProgressFunc) (*domain.ExecutionResult, error) {
		return nil, errors.New("upstream unavailable")
	}))

	result, err := transport.Send(context.Background(), testContract(domain.ModeSync, domain.TransportInProcess, "panics"), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, "EXECUTOR_PANIC", result.Error.Code)

	result, err = transport.Send(context.Background(), testContract(domain.ModeSync, domain.TransportInProcess, "errors"), nil)
	require.NoError(t, err)
	assert.Equal(t, "EXECUTOR_ERROR", result.Error.Code)
	assert.True(t, result.Error.Retryable)
}

func TestInProcessTransport_AsyncGoesThroughCorrelator(t *testing.T) {
	correlator := NewCorrelator(nil)
	transport := NewInProcessTransport(correlator, nil, nil)
	release := make(chan struct{})
	transport.Register("slow", ports.ContractHandlerFunc(func(ctx context.Context, c *domain.ExecutionContract, _ ports.ProgressFunc) (*domain.ExecutionResult, error) {
		<-release
		return successFor(c), nil
	}))

	done := make(chan *domain.ExecutionResult, 1)
	go func() {
		result, err := transport.Send(context.Background(), testContract(domain.ModeAsync, domain.TransportInProcess, "slow"), nil)
		if err == nil {
			done <- result
		}
	}()

	assert.Eventually(t, func() bool { return correlator.Pending() == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	select {
	case result := <-done:
		assert.True(t, result.Succeeded())
	case <-time.After(2 * time.Second):
		t.Fatal("async in-process dispatch did not complete")
	}
	require.NoError(t, transport.Close())
}

func TestInProcessTransport_UnknownEndpoint(t *testing.T) {
	transport := NewInProcessTransport(nil, nil, nil)
	_, err := transport.Send(context.Background(), testContract(domain.ModeSync, domain.TransportInProcess, "missing"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCorrelator(t *testing.T) {
	t.Run("duplicate expectation is refused", func(t *testing.T) {
		c := NewCorrelator(nil)
		_, err := c.Expect("exec-1")
		require.NoError(t, err)
		_, err = c.Expect("exec-1")
		assert.True(t, errors.Is(err, domain.ErrDuplicateDelivery))
	})

	t.Run("second delivery is dropped", func(t *testing.T) {
		c := NewCorrelator(nil)
		ch, err := c.Expect("exec-1")
		require.NoError(t, err)
		assert.True(t, c.Deliver(&domain.ExecutionResult{ExecutionID: "exec-1", Status: domain.StatusSuccess}))
		assert.False(t, c.Deliver(&domain.ExecutionResult{ExecutionID: "exec-1", Status: domain.StatusFailed}))

		result, err := c.Await(context.Background(), "exec-1", ch)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSuccess, result.Status)
	})

	t.Run("unmatched results reach the fallback", func(t *testing.T) {
		c := NewCorrelator(nil)
		var got *domain.ExecutionResult
		c.OnUnmatched(func(_ context.Context, r *domain.ExecutionResult) { got = r })

		assert.False(t, c.Route(context.Background(), &domain.ExecutionResult{ExecutionID: "late"}))
		require.NotNil(t, got)
		assert.Equal(t, "late", got.ExecutionID)
	})

	t.Run("await honours context", func(t *testing.T) {
		c := NewCorrelator(nil)
		ch, err := c.Expect("exec-2")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = c.Await(ctx, "exec-2", ch)
		require.Error(t, err)
		assert.Equal(t, 0, c.Pending())
	})
}
