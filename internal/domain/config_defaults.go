package domain

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		InstanceID:     "",
		Scheduler:      DefaultSchedulerConfig(),
		Lock:           DefaultLockConfig(),
		Retry:          RetryConfig{Default: DefaultRetryPolicy()},
		Dispatch:       DefaultDispatchConfig(),
		Transport:      DefaultTransportConfig(),
		Registry:       RegistryConfig{StaleAfter: 30 * time.Second},
		Store:          DefaultStoreConfig(),
		Raft:           DefaultRaftConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		RateLimiter:    DefaultRateLimiterConfig(),
		Observability:  DefaultObservabilityConfig(),
	}
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		WorkerCount:     10,
		QueueSize:       256,
		SweepInterval:   200 * time.Millisecond,
		SweepBatchSize:  64,
		LockTimeout:     2 * time.Second,
		LockRetryDelay:  500 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
		RecoverOnStart:  true,
	}
}

func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL:           30 * time.Second,
		RetryInterval: 25 * time.Millisecond,
	}
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		ContractTTL:    5 * time.Minute,
		MinContractTTL: 5 * time.Second,
		DefaultTimeout: time.Minute,
	}
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		HTTPTimeout:       30 * time.Second,
		MaxMessageSizeMB:  10,
		ConnectionTimeout: 10 * time.Second,
		QueueBufferSize:   128,
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Locks:  StoreMemory,
		Events: StoreMemory,
	}
}

func DefaultRaftConfig() RaftConfig {
	return RaftConfig{
		BindAddr:           "127.0.0.1:7400",
		ApplyTimeout:       5 * time.Second,
		SnapshotInterval:   120 * time.Second,
		SnapshotThreshold:  1024,
		MaxSnapshots:       3,
		HeartbeatTimeout:   1000 * time.Millisecond,
		ElectionTimeout:    1000 * time.Millisecond,
		CommitTimeout:      50 * time.Millisecond,
		LeaderLeaseTimeout: 500 * time.Millisecond,
	}
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MaxRequests:      1,
		OpenInterval:     10 * time.Second,
	}
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:           false,
		RequestsPerSecond: 100,
		BurstSize:         20,
		WaitTimeout:       time.Second,
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:      false,
		Addr:         "127.0.0.1:9190",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// LoadConfig reads a YAML file and overlays it on the defaults. Zero values
// in the file leave the default in place.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("failed to read config file", err, WithComponent("config")).
			WithContext("path", path)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, NewConfigurationError("failed to parse config", err, WithComponent("config"))
	}

	config := DefaultConfig()
	if err := mergo.Merge(config, loaded, mergo.WithOverride); err != nil {
		return nil, NewConfigurationError("failed to merge config over defaults", err, WithComponent("config"))
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) EnsureDefaults() *Config {
	if c.InstanceID == "" {
		c.InstanceID = uuid.New().String()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Raft.NodeID == "" {
		c.Raft.NodeID = c.InstanceID
	}
	return c
}

func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	return c
}

func (c *Config) WithInstanceID(id string) *Config {
	c.InstanceID = id
	return c
}

func (c *Config) WithWorkers(count, queueSize int) *Config {
	if count > 0 {
		c.Scheduler.WorkerCount = count
	}
	if queueSize > 0 {
		c.Scheduler.QueueSize = queueSize
	}
	return c
}

func (c *Config) WithSweepInterval(interval time.Duration) *Config {
	c.Scheduler.SweepInterval = interval
	return c
}

func (c *Config) WithLock(ttl, retryInterval time.Duration) *Config {
	if ttl > 0 {
		c.Lock.TTL = ttl
	}
	if retryInterval > 0 {
		c.Lock.RetryInterval = retryInterval
	}
	return c
}

func (c *Config) WithRetryPolicy(policy RetryPolicy) *Config {
	c.Retry.Default = policy
	return c
}

func (c *Config) WithBadger(path string) *Config {
	c.Store.Locks = StoreBadger
	c.Store.Events = StoreBadger
	c.Store.Path = path
	return c
}

func (c *Config) WithRaft(nodeID, bindAddr string, bootstrap bool, peers ...RaftPeer) *Config {
	c.Store.Locks = StoreRaft
	c.Raft.NodeID = nodeID
	c.Raft.BindAddr = bindAddr
	c.Raft.Bootstrap = bootstrap
	c.Raft.Peers = append(c.Raft.Peers, peers...)
	return c
}

func (c *Config) WithObservability(addr string) *Config {
	c.Observability.Enabled = true
	if addr != "" {
		c.Observability.Addr = addr
	}
	return c
}

func (c *Config) WithRateLimit(requestsPerSecond float64, burst int) *Config {
	c.RateLimiter.Enabled = true
	c.RateLimiter.RequestsPerSecond = requestsPerSecond
	c.RateLimiter.BurstSize = burst
	return c
}

func (c *Config) Validate() error {
	if c.Scheduler.WorkerCount <= 0 {
		return NewConfigError("scheduler.worker_count", ErrInvalidInput)
	}
	if c.Scheduler.QueueSize <= 0 {
		return NewConfigError("scheduler.queue_size", ErrInvalidInput)
	}
	if c.Scheduler.SweepInterval <= 0 {
		return NewConfigError("scheduler.sweep_interval", ErrInvalidInput)
	}
	if c.Scheduler.LockTimeout <= 0 {
		return NewConfigError("scheduler.lock_timeout", ErrInvalidInput)
	}
	if c.Scheduler.LockRetryDelay < 0 {
		return NewConfigError("scheduler.lock_retry_delay", ErrInvalidInput)
	}
	if c.Lock.TTL <= 0 {
		return NewConfigError("lock.ttl", ErrInvalidInput)
	}
	if c.Lock.RetryInterval <= 0 || c.Lock.RetryInterval >= c.Lock.TTL {
		return NewConfigError("lock.retry_interval", ErrInvalidInput)
	}
	if err := c.Retry.Default.Validate(); err != nil {
		return NewConfigError("retry.default", err)
	}
	if c.Dispatch.MinContractTTL <= 0 {
		return NewConfigError("dispatch.min_contract_ttl", ErrInvalidInput)
	}
	if c.Dispatch.ContractTTL < c.Dispatch.MinContractTTL {
		return NewConfigError("dispatch.contract_ttl", fmt.Errorf("must be >= min_contract_ttl (%s)", c.Dispatch.MinContractTTL))
	}
	if c.Registry.StaleAfter < 0 {
		return NewConfigError("registry.stale_after", ErrInvalidInput)
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.Store.Locks == StoreRaft && c.Raft.BindAddr == "" {
		return NewConfigError("raft.bind_addr", ErrInvalidInput)
	}
	if c.RateLimiter.Enabled && (c.RateLimiter.RequestsPerSecond <= 0 || c.RateLimiter.BurstSize <= 0) {
		return NewConfigError("rate_limiter", ErrInvalidInput)
	}
	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold <= 0 {
		return NewConfigError("circuit_breaker.failure_threshold", ErrInvalidInput)
	}
	if c.Observability.Enabled && c.Observability.Addr == "" {
		return NewConfigError("observability.addr", ErrInvalidInput)
	}
	return nil
}

func (s StoreConfig) validate() error {
	switch s.Locks {
	case StoreMemory, StoreBadger, StoreRaft:
	default:
		return NewConfigError("store.locks", fmt.Errorf("unknown store kind %q", s.Locks))
	}
	switch s.Events {
	case StoreMemory, StoreBadger:
	default:
		return NewConfigError("store.events", fmt.Errorf("unknown store kind %q", s.Events))
	}
	return nil
}
