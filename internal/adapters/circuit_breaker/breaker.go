package circuit_breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

var (
	ErrCircuitOpen     = domain.ErrCircuitOpen
	ErrProbesExhausted = fmt.Errorf("%w: half-open probe limit reached", domain.ErrCircuitOpen)
)

// Breaker guards one executor. FailureThreshold consecutive transport
// failures open it; after OpenInterval up to MaxRequests probes are let
// through and SuccessThreshold successful probes close it again.
type Breaker struct {
	config domain.CircuitBreakerConfig
	clock  ports.Clock
	logger *slog.Logger

	mu        sync.Mutex
	state     ports.BreakerState
	failures  int
	successes int
	probes    int
	stats     ports.BreakerStats
}

func withDefaults(config domain.CircuitBreakerConfig) domain.CircuitBreakerConfig {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}
	if config.OpenInterval <= 0 {
		config.OpenInterval = 10 * time.Second
	}
	return config
}

func NewBreaker(executorID string, config domain.CircuitBreakerConfig, clock ports.Clock, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Breaker{
		config: withDefaults(config),
		clock:  clock,
		logger: logger.With("component", "circuit-breaker", "executor_id", executorID),
		state:  ports.BreakerClosed,
		stats:  ports.BreakerStats{ExecutorID: executorID, State: ports.BreakerClosed},
	}
}

// Execute runs fn unless the circuit is open. A call abandoned because the
// caller's context was cancelled says nothing about the executor and is not
// counted.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.settle(ctx, probe, err)
	return err
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Calls++
	if b.state == ports.BreakerOpen && !b.clock.Now().Before(b.stats.ProbeAt) {
		b.transition(ports.BreakerHalfOpen)
	}

	switch b.state {
	case ports.BreakerClosed:
		return false, nil
	case ports.BreakerHalfOpen:
		if b.probes >= b.config.MaxRequests {
			b.stats.Rejected++
			return false, ErrProbesExhausted
		}
		b.probes++
		return true, nil
	default:
		b.stats.Rejected++
		return false, fmt.Errorf("%w until %s", ErrCircuitOpen, b.stats.ProbeAt.Format(time.RFC3339))
	}
}

func (b *Breaker) settle(ctx context.Context, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.state == ports.BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}

	if err == nil {
		b.failures = 0
		if b.state == ports.BreakerHalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transition(ports.BreakerClosed)
			}
		}
		return
	}

	b.stats.Failures++
	b.stats.LastError = err.Error()
	b.failures++
	switch b.state {
	case ports.BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transition(ports.BreakerOpen)
		}
	case ports.BreakerHalfOpen:
		b.transition(ports.BreakerOpen)
	}
}

func (b *Breaker) transition(to ports.BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.logger.Info("circuit state changed", "from", from, "to", to, "consecutive_failures", b.failures)

	now := b.clock.Now()
	b.state = to
	b.probes = 0
	b.successes = 0
	switch to {
	case ports.BreakerOpen:
		b.stats.OpenedAt = now
		b.stats.ProbeAt = now.Add(b.config.OpenInterval)
	case ports.BreakerHalfOpen:
		b.failures = 0
	case ports.BreakerClosed:
		b.failures = 0
		b.stats.OpenedAt = time.Time{}
		b.stats.ProbeAt = time.Time{}
	}
}

func (b *Breaker) State() ports.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() ports.BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	stats.State = b.state
	stats.ConsecutiveFailures = b.failures
	return stats
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(ports.BreakerClosed)
	b.stats = ports.BreakerStats{ExecutorID: b.stats.ExecutorID, State: ports.BreakerClosed}
	b.logger.Info("circuit reset")
}
