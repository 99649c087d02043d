package dispatch

import (
	"log/slog"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
)

type Config = domain.Config

type SchedulerConfig = domain.SchedulerConfig

type LockConfig = domain.LockConfig

type RetryConfig = domain.RetryConfig

type DispatchConfig = domain.DispatchConfig

type TransportConfig = domain.TransportConfig

type RegistryConfig = domain.RegistryConfig

type StoreConfig = domain.StoreConfig

type RaftConfig = domain.RaftConfig

type RaftPeer = domain.RaftPeer

type CircuitBreakerConfig = domain.CircuitBreakerConfig

type RateLimiterConfig = domain.RateLimiterConfig

type ObservabilityConfig = domain.ObservabilityConfig

type StoreKind = domain.StoreKind

const (
	StoreMemory StoreKind = domain.StoreMemory
	StoreBadger StoreKind = domain.StoreBadger
	StoreRaft   StoreKind = domain.StoreRaft
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

func DefaultSchedulerConfig() SchedulerConfig {
	return domain.DefaultSchedulerConfig()
}

func DefaultTransportConfig() TransportConfig {
	return domain.DefaultTransportConfig()
}

func DefaultRaftConfig() RaftConfig {
	return domain.DefaultRaftConfig()
}

// LoadConfig reads a YAML or JSON file over the defaults.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(instanceID string) *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig().WithInstanceID(instanceID)}
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.WithLogger(logger)
	return cb
}

func (cb *ConfigBuilder) WithWorkers(count, queueSize int) *ConfigBuilder {
	cb.config.WithWorkers(count, queueSize)
	return cb
}

func (cb *ConfigBuilder) WithSweepInterval(interval time.Duration) *ConfigBuilder {
	cb.config.WithSweepInterval(interval)
	return cb
}

func (cb *ConfigBuilder) WithLock(ttl, retryInterval time.Duration) *ConfigBuilder {
	cb.config.WithLock(ttl, retryInterval)
	return cb
}

func (cb *ConfigBuilder) WithRetryPolicy(policy RetryPolicy) *ConfigBuilder {
	cb.config.WithRetryPolicy(policy)
	return cb
}

func (cb *ConfigBuilder) WithBadger(path string) *ConfigBuilder {
	cb.config.WithBadger(path)
	return cb
}

func (cb *ConfigBuilder) WithRaft(nodeID, bindAddr string, bootstrap bool, peers ...RaftPeer) *ConfigBuilder {
	cb.config.WithRaft(nodeID, bindAddr, bootstrap, peers...)
	return cb
}

func (cb *ConfigBuilder) WithObservability(addr string) *ConfigBuilder {
	cb.config.WithObservability(addr)
	return cb
}

func (cb *ConfigBuilder) WithRateLimit(requestsPerSecond float64, burst int) *ConfigBuilder {
	cb.config.WithRateLimit(requestsPerSecond, burst)
	return cb
}

// WithCallback sets where ASYNC executors post results and where this
// instance listens for them.
func (cb *ConfigBuilder) WithCallback(callbackAddr, listenAddr string) *ConfigBuilder {
	cb.config.Transport.CallbackAddr = callbackAddr
	cb.config.Transport.ListenAddr = listenAddr
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
