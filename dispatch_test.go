package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigBuilder(t *testing.T) {
	config := NewConfigBuilder("instance-a").
		WithWorkers(8, 256).
		WithSweepInterval(50*time.Millisecond).
		WithLock(10*time.Second, 0).
		WithRetryPolicy(NoRetry()).
		WithCallback("http://10.0.0.5:7070", ":7070").
		Build()

	assert.Equal(t, "instance-a", config.InstanceID)
	assert.Equal(t, 8, config.Scheduler.WorkerCount)
	assert.Equal(t, 256, config.Scheduler.QueueSize)
	assert.Equal(t, 50*time.Millisecond, config.Scheduler.SweepInterval)
	assert.Equal(t, 10*time.Second, config.Lock.TTL)
	assert.Equal(t, DefaultConfig().Lock.RetryInterval, config.Lock.RetryInterval)
	assert.Equal(t, 1, config.Retry.Default.MaxAttempts)
	assert.Equal(t, ":7070", config.Transport.ListenAddr)
	assert.NoError(t, config.Validate())
}

func TestNew_RunsInProcessExecutor(t *testing.T) {
	config := NewConfigBuilder("instance-b").
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithSweepInterval(10 * time.Millisecond).
		Build()

	manager, err := New(config)
	require.NoError(t, err)

	require.NoError(t, manager.RegisterInProcessExecutor(ExecutorDescriptor{
		ExecutorID: "greeter",
		NodeTypes:  []string{"greet"},
	}, func(_ context.Context, contract *ExecutionContract, _ ProgressFunc) (map[string]interface{}, error) {
		return map[string]interface{}{"greeting": "hello " + contract.Inputs["name"].(string)}, nil
	}))

	ctx := context.Background()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop()

	outcome, err := manager.Scheduler().ScheduleTask(ctx, NodeExecutionTask{
		RunID:   "run-1",
		NodeID:  "hello",
		Node:    NodeDescriptor{NodeID: "hello", NodeType: "greet"},
		Attempt: 1,
		Inputs:  map[string]interface{}{"name": "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	state, err := manager.Events().State(ctx, "run-1")
	require.NoError(t, err)
	node, ok := state.Node("hello")
	require.True(t, ok)
	assert.Equal(t, "COMPLETED", string(node.Status))

	events, err := manager.Events().Events(ctx, "run-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	outputs, ok := last.Data["outputs"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello world", outputs["greeting"])
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	manager, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, manager.Scheduler())
}

func TestExecutorServer_ServesRemoteDispatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	executor := NewExecutorServer(func(_ context.Context, contract *ExecutionContract, _ ProgressFunc) (map[string]interface{}, error) {
		return map[string]interface{}{"echo": contract.Inputs["text"]}, nil
	}, logger, "echo")
	srv := httptest.NewServer(executor.Handler())
	defer srv.Close()

	manager, err := New(NewConfigBuilder("instance-c").WithLogger(logger).Build())
	require.NoError(t, err)
	require.NoError(t, manager.Registry().Register(ExecutorDescriptor{
		ExecutorID: "remote-echo",
		NodeTypes:  []string{"echo"},
		Mode:       ModeSync,
		Transport:  TransportREST,
		Endpoint:   srv.URL,
	}))

	ctx := context.Background()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop()

	outcome, err := manager.Scheduler().ScheduleTask(ctx, NodeExecutionTask{
		RunID:   "run-remote",
		NodeID:  "e1",
		Node:    NodeDescriptor{NodeID: "e1", NodeType: "echo"},
		Attempt: 1,
		Inputs:  map[string]interface{}{"text": "ping"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}
