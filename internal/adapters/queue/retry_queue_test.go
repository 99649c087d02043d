package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dispatch/internal/domain"
)

func entry(run, node string, at time.Time) domain.RetryQueueEntry {
	return domain.RetryQueueEntry{
		RunID:     run,
		NodeID:    node,
		ExecuteAt: at,
		Task:      domain.NodeExecutionTask{RunID: run, NodeID: node, Attempt: 2},
	}
}

func TestRetryQueue_UpsertKeepsLatest(t *testing.T) {
	q := NewRetryQueue(nil)
	base := time.Unix(0, 0)

	q.Upsert(entry("run-1", "node-A", base.Add(time.Second)))
	q.Upsert(entry("run-1", "node-A", base.Add(5*time.Second)))

	require.Equal(t, 1, q.Len())
	got, ok := q.Get("run-1", "node-A")
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), got.ExecuteAt)
}

func TestRetryQueue_DueRemovesInOrder(t *testing.T) {
	q := NewRetryQueue(nil)
	base := time.Unix(0, 0)

	q.Upsert(entry("run-1", "c", base.Add(3*time.Second)))
	q.Upsert(entry("run-1", "a", base.Add(time.Second)))
	q.Upsert(entry("run-1", "b", base.Add(2*time.Second)))

	due := q.Due(base.Add(2*time.Second), 0)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].NodeID)
	assert.Equal(t, "b", due[1].NodeID)
	assert.Equal(t, 1, q.Len())

	assert.Empty(t, q.Due(base.Add(2*time.Second), 0))
	assert.Len(t, q.Due(base.Add(time.Hour), 0), 1)
	assert.Equal(t, 0, q.Len())
}

func TestRetryQueue_DueRespectsLimit(t *testing.T) {
	q := NewRetryQueue(nil)
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		q.Upsert(entry("run-1", fmt.Sprintf("n%d", i), base))
	}

	assert.Len(t, q.Due(base, 2), 2)
	assert.Equal(t, 3, q.Len())
}

func TestRetryQueue_RemoveRunMatchesPrefixOnly(t *testing.T) {
	q := NewRetryQueue(nil)
	now := time.Now()

	q.Upsert(entry("run-1", "a", now))
	q.Upsert(entry("run-1", "b", now))
	q.Upsert(entry("run-10", "a", now))

	assert.Equal(t, 2, q.RemoveRun("run-1"))
	assert.Equal(t, 1, q.Len())
	_, ok := q.Get("run-10", "a")
	assert.True(t, ok)
}

func TestRetryQueue_RemoveAndClear(t *testing.T) {
	q := NewRetryQueue(nil)
	q.Upsert(entry("run-1", "a", time.Now()))
	q.Upsert(entry("run-2", "a", time.Now()))

	assert.True(t, q.Remove("run-1", "a"))
	assert.False(t, q.Remove("run-1", "a"))
	assert.Len(t, q.Entries(), 1)

	q.Clear()
	assert.Equal(t, 0, q.Len())
}

func TestRetryQueue_ConcurrentAccess(t *testing.T) {
	q := NewRetryQueue(nil)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Upsert(entry(fmt.Sprintf("run-%d", i), fmt.Sprintf("n%d", j%10), now))
				q.Due(now, 3)
				q.Entries()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, q.Len(), 80)
}
