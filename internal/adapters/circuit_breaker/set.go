package circuit_breaker

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// Set keeps one breaker per executor, created on first dispatch.
type Set struct {
	config domain.CircuitBreakerConfig
	clock  ports.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewSet(config domain.CircuitBreakerConfig, clock ports.Clock, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		config:   withDefaults(config),
		clock:    clock,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

func (s *Set) For(executorID string) ports.ExecutorBreaker {
	s.mu.RLock()
	breaker, ok := s.breakers[executorID]
	s.mu.RUnlock()
	if ok {
		return breaker
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if breaker, ok := s.breakers[executorID]; ok {
		return breaker
	}
	breaker = NewBreaker(executorID, s.config, s.clock, s.logger)
	s.breakers[executorID] = breaker
	return breaker
}

func (s *Set) Stats() map[string]ports.BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]ports.BreakerStats, len(s.breakers))
	for id, breaker := range s.breakers {
		stats[id] = breaker.Stats()
	}
	return stats
}
