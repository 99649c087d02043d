package rate_limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

var ErrWaitTimeout = errors.New("rate limit wait timeout exceeded")

type bucket struct {
	limiter   *rate.Limiter
	mu        sync.Mutex
	admitted  int64
	throttled int64
}

func (b *bucket) count(admitted bool) {
	b.mu.Lock()
	if admitted {
		b.admitted++
	} else {
		b.throttled++
	}
	b.mu.Unlock()
}

// Limiter paces dispatches per executor. Executors without an entry in
// ExecutorOverrides share the configured default rate, each with a bucket
// of its own.
type Limiter struct {
	config domain.RateLimiterConfig
	logger *slog.Logger

	mu      sync.RWMutex
	buckets map[string]*bucket
}

func New(config domain.RateLimiterConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 100
	}
	if config.BurstSize <= 0 {
		config.BurstSize = max(int(config.RequestsPerSecond), 1)
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = time.Second
	}
	return &Limiter{
		config:  config,
		logger:  logger.With("component", "rate-limiter"),
		buckets: make(map[string]*bucket),
	}
}

func (l *Limiter) bucket(executorID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[executorID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[executorID]; ok {
		return b
	}
	limit, burst := l.config.RequestsPerSecond, l.config.BurstSize
	if o, ok := l.config.ExecutorOverrides[executorID]; ok {
		if o.RequestsPerSecond > 0 {
			limit = o.RequestsPerSecond
		}
		if o.BurstSize > 0 {
			burst = o.BurstSize
		}
	}
	b = &bucket{limiter: rate.NewLimiter(rate.Limit(limit), burst)}
	l.buckets[executorID] = b
	return b
}

func (l *Limiter) TryAcquire(executorID string) bool {
	b := l.bucket(executorID)
	ok := b.limiter.Allow()
	b.count(ok)
	return ok
}

// Acquire reserves a token and sleeps until it is usable. A reservation
// further out than WaitTimeout is given back immediately instead of waited
// on.
func (l *Limiter) Acquire(ctx context.Context, executorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := l.bucket(executorID)

	r := b.limiter.Reserve()
	if !r.OK() {
		b.count(false)
		return fmt.Errorf("%w: executor %s has no burst", ErrWaitTimeout, executorID)
	}
	delay := r.Delay()
	if delay > l.config.WaitTimeout {
		r.Cancel()
		b.count(false)
		l.logger.Debug("dispatch throttled", "executor_id", executorID, "delay", delay)
		return fmt.Errorf("%w: executor %s needs %s", ErrWaitTimeout, executorID, delay)
	}
	if delay == 0 {
		b.count(true)
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		b.count(true)
		return nil
	case <-ctx.Done():
		r.Cancel()
		b.count(false)
		return ctx.Err()
	}
}

func (l *Limiter) Override(executorID string, requestsPerSecond float64, burst int) {
	b := l.bucket(executorID)
	b.limiter.SetLimit(rate.Limit(requestsPerSecond))
	b.limiter.SetBurst(burst)
	l.logger.Info("executor rate changed", "executor_id", executorID, "rps", requestsPerSecond, "burst", burst)
}

func (l *Limiter) Stats() map[string]ports.LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]ports.LimiterStats, len(l.buckets))
	for id, b := range l.buckets {
		b.mu.Lock()
		stats[id] = ports.LimiterStats{
			Admitted:  b.admitted,
			Throttled: b.throttled,
			Limit:     float64(b.limiter.Limit()),
			Burst:     b.limiter.Burst(),
			Available: b.limiter.Tokens(),
		}
		b.mu.Unlock()
	}
	return stats
}
