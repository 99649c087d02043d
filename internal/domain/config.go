package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	InstanceID string       `json:"instance_id" yaml:"instance_id"`
	DataDir    string       `json:"data_dir" yaml:"data_dir"`
	Logger     *slog.Logger `json:"-" yaml:"-"`

	Scheduler      SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Lock           LockConfig           `json:"lock" yaml:"lock"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	Dispatch       DispatchConfig       `json:"dispatch" yaml:"dispatch"`
	Transport      TransportConfig      `json:"transport" yaml:"transport"`
	Registry       RegistryConfig       `json:"registry" yaml:"registry"`
	Store          StoreConfig          `json:"store" yaml:"store"`
	Raft           RaftConfig           `json:"raft" yaml:"raft"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimiter    RateLimiterConfig    `json:"rate_limiter" yaml:"rate_limiter"`
	Observability  ObservabilityConfig  `json:"observability" yaml:"observability"`
}

type SchedulerConfig struct {
	WorkerCount     int           `json:"worker_count" yaml:"worker_count"`
	QueueSize       int           `json:"queue_size" yaml:"queue_size"`
	SweepInterval   time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	SweepBatchSize  int           `json:"sweep_batch_size" yaml:"sweep_batch_size"`
	LockTimeout     time.Duration `json:"lock_timeout" yaml:"lock_timeout"`
	LockRetryDelay  time.Duration `json:"lock_retry_delay" yaml:"lock_retry_delay"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	RecoverOnStart  bool          `json:"recover_on_start" yaml:"recover_on_start"`
}

// LockConfig.TTL bounds how long a crashed holder can keep a node locked.
type LockConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
}

type RetryConfig struct {
	Default RetryPolicy `json:"default" yaml:"default"`
}

type DispatchConfig struct {
	ContractTTL    time.Duration `json:"contract_ttl" yaml:"contract_ttl"`
	MinContractTTL time.Duration `json:"min_contract_ttl" yaml:"min_contract_ttl"`
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

type TransportConfig struct {
	HTTPTimeout       time.Duration `json:"http_timeout" yaml:"http_timeout"`
	MaxMessageSizeMB  int           `json:"max_message_size_mb" yaml:"max_message_size_mb"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	// CallbackAddr is the base URL executors post ASYNC results to;
	// ListenAddr is where this instance serves it.
	CallbackAddr    string `json:"callback_addr,omitempty" yaml:"callback_addr,omitempty"`
	ListenAddr      string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	QueueBufferSize int    `json:"queue_buffer_size" yaml:"queue_buffer_size"`
}

// RegistryConfig.StaleAfter is how long an executor may go without a
// heartbeat before it stops being resolved.
type RegistryConfig struct {
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`
}

type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreBadger StoreKind = "badger"
	StoreRaft   StoreKind = "raft"
)

type StoreConfig struct {
	Locks  StoreKind `json:"locks" yaml:"locks"`
	Events StoreKind `json:"events" yaml:"events"`
	// Path is the badger directory; empty runs badger in memory.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type RaftPeer struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
}

type RaftConfig struct {
	NodeID             string        `json:"node_id" yaml:"node_id"`
	BindAddr           string        `json:"bind_addr" yaml:"bind_addr"`
	Bootstrap          bool          `json:"bootstrap" yaml:"bootstrap"`
	Peers              []RaftPeer    `json:"peers,omitempty" yaml:"peers,omitempty"`
	Persistent         bool          `json:"persistent" yaml:"persistent"`
	ApplyTimeout       time.Duration `json:"apply_timeout" yaml:"apply_timeout"`
	SnapshotInterval   time.Duration `json:"snapshot_interval" yaml:"snapshot_interval"`
	SnapshotThreshold  uint64        `json:"snapshot_threshold" yaml:"snapshot_threshold"`
	MaxSnapshots       int           `json:"max_snapshots" yaml:"max_snapshots"`
	HeartbeatTimeout   time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ElectionTimeout    time.Duration `json:"election_timeout" yaml:"election_timeout"`
	CommitTimeout      time.Duration `json:"commit_timeout" yaml:"commit_timeout"`
	LeaderLeaseTimeout time.Duration `json:"leader_lease_timeout" yaml:"leader_lease_timeout"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	MaxRequests      int           `json:"max_requests" yaml:"max_requests"`
	OpenInterval     time.Duration `json:"open_interval" yaml:"open_interval"`
}

type RateLimiterConfig struct {
	Enabled           bool                           `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64                        `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int                            `json:"burst_size" yaml:"burst_size"`
	WaitTimeout       time.Duration                  `json:"wait_timeout" yaml:"wait_timeout"`
	ExecutorOverrides map[string]RateLimiterOverride `json:"executor_overrides,omitempty" yaml:"executor_overrides,omitempty"`
}

type RateLimiterOverride struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

type ObservabilityConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}
