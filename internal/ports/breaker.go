package ports

import (
	"context"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

type BreakerStats struct {
	ExecutorID          string       `json:"executor_id"`
	State               BreakerState `json:"state"`
	Calls               int64        `json:"calls"`
	Failures            int64        `json:"failures"`
	Rejected            int64        `json:"rejected"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	ProbeAt             time.Time    `json:"probe_at,omitempty"`
}

// ExecutorBreaker stops sending work to an executor whose transport keeps
// failing. Execute returns ErrCircuitOpen without running fn while open.
type ExecutorBreaker interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
	State() BreakerState
	Stats() BreakerStats
	Reset()
}

type BreakerSet interface {
	For(executorID string) ExecutorBreaker
	Stats() map[string]BreakerStats
}
