package ports

import (
	"context"
)

type LimiterStats struct {
	Admitted  int64   `json:"admitted"`
	Throttled int64   `json:"throttled"`
	Limit     float64 `json:"limit"`
	Burst     int     `json:"burst"`
	Available float64 `json:"available"`
}

// ExecutorLimiter paces dispatches with one token bucket per executor.
type ExecutorLimiter interface {
	TryAcquire(executorID string) bool
	Acquire(ctx context.Context, executorID string) error
	Override(executorID string, requestsPerSecond float64, burst int)
	Stats() map[string]LimiterStats
}
