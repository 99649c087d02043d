package rate_limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dispatch/internal/domain"
)

func newLimiter(rps float64, burst int, wait time.Duration) *Limiter {
	return New(domain.RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: rps,
		BurstSize:         burst,
		WaitTimeout:       wait,
	}, nil)
}

func TestLimiter_BucketPerExecutor(t *testing.T) {
	l := newLimiter(2, 2, 100*time.Millisecond)

	assert.True(t, l.TryAcquire("exec-1"))
	assert.True(t, l.TryAcquire("exec-1"))
	assert.False(t, l.TryAcquire("exec-1"))
	assert.True(t, l.TryAcquire("exec-2"))
}

func TestLimiter_Refills(t *testing.T) {
	l := newLimiter(10, 1, 200*time.Millisecond)

	require.True(t, l.TryAcquire("exec-1"))
	require.False(t, l.TryAcquire("exec-1"))
	time.Sleep(120 * time.Millisecond)
	assert.True(t, l.TryAcquire("exec-1"))
}

func TestLimiter_AcquireWaitsForToken(t *testing.T) {
	l := newLimiter(20, 1, 200*time.Millisecond)
	require.True(t, l.TryAcquire("exec-1"))

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "exec-1"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestLimiter_AcquireGivesUpPastWaitTimeout(t *testing.T) {
	l := newLimiter(1, 1, 50*time.Millisecond)
	require.True(t, l.TryAcquire("exec-1"))

	start := time.Now()
	err := l.Acquire(context.Background(), "exec-1")
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), l.Stats()["exec-1"].Throttled)
}

func TestLimiter_AcquireHonoursCancellation(t *testing.T) {
	l := newLimiter(1, 1, time.Second)
	l.TryAcquire("exec-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Acquire(ctx, "exec-1"), context.Canceled)
}

func TestLimiter_ExecutorOverrides(t *testing.T) {
	l := New(domain.RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		ExecutorOverrides: map[string]domain.RateLimiterOverride{
			"bulk": {RequestsPerSecond: 50, BurstSize: 5},
		},
	}, nil)

	for i := 0; i < 5; i++ {
		require.True(t, l.TryAcquire("bulk"), "request %d", i+1)
	}
	stats := l.Stats()["bulk"]
	assert.Equal(t, 50.0, stats.Limit)
	assert.Equal(t, 5, stats.Burst)
	assert.Equal(t, int64(5), stats.Admitted)
}

func TestLimiter_Override(t *testing.T) {
	l := newLimiter(1, 1, 100*time.Millisecond)
	require.True(t, l.TryAcquire("exec-1"))
	require.False(t, l.TryAcquire("exec-1"))

	l.Override("exec-1", 10, 5)
	time.Sleep(110 * time.Millisecond)
	assert.True(t, l.TryAcquire("exec-1"))

	stats := l.Stats()
	assert.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats["exec-1"].Admitted)
	assert.Equal(t, int64(1), stats["exec-1"].Throttled)
}
