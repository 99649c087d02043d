package core

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/gin-gonic/gin"

	"github.com/eleven-am/dispatch/internal/adapters/broker"
	"github.com/eleven-am/dispatch/internal/adapters/circuit_breaker"
	"github.com/eleven-am/dispatch/internal/adapters/dispatcher"
	"github.com/eleven-am/dispatch/internal/adapters/events"
	"github.com/eleven-am/dispatch/internal/adapters/executorhost"
	"github.com/eleven-am/dispatch/internal/adapters/lock"
	"github.com/eleven-am/dispatch/internal/adapters/memory"
	"github.com/eleven-am/dispatch/internal/adapters/observability"
	"github.com/eleven-am/dispatch/internal/adapters/queue"
	"github.com/eleven-am/dispatch/internal/adapters/raftimpl"
	"github.com/eleven-am/dispatch/internal/adapters/rate_limiter"
	"github.com/eleven-am/dispatch/internal/adapters/storage"
	"github.com/eleven-am/dispatch/internal/adapters/transport"
	"github.com/eleven-am/dispatch/internal/core/scheduler"
	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// Manager owns one scheduler instance and everything it runs on: the lock
// and event stores, the executor registry, the transports and the HTTP
// surfaces.
type Manager struct {
	config *domain.Config
	logger *slog.Logger
	clock  ports.Clock

	db         *badger.DB
	kv         ports.KVStore
	raftStore  *raftimpl.Store
	eventStore ports.EventStore
	events     *events.Log
	locks      *lock.Manager
	registry   *memory.ExecutorRegistry
	retries    *queue.RetryQueue
	correlator *transport.Correlator
	broker     *broker.MemoryBroker
	inProcess  *transport.InProcessTransport
	breakers   *circuit_breaker.Set
	limiter    *rate_limiter.Limiter
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	router     *gin.Engine

	mu       sync.Mutex
	local    []string
	workers  []*executorhost.QueueWorker
	servers  []*http.Server
	observer *observability.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

func NewManager(config *domain.Config) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	config.EnsureDefaults()
	if err := config.Validate(); err != nil {
		config.Logger.Error("invalid configuration", "error", err)
		return nil, err
	}

	logger := config.Logger.With("component", "dispatch", "instance_id", config.InstanceID)
	m := &Manager{
		config: config,
		logger: logger,
		clock:  ports.SystemClock{},
	}
	if err := m.openStores(); err != nil {
		m.closeStores()
		return nil, err
	}

	m.locks = lock.NewManager(m.kv, config.Lock, m.clock, logger)
	m.registry = memory.NewExecutorRegistry(config.Registry.StaleAfter, m.clock, logger)
	m.retries = queue.NewRetryQueue(logger)
	m.correlator = transport.NewCorrelator(logger)
	m.broker = broker.NewMemoryBroker(config.Transport.QueueBufferSize, logger)
	m.inProcess = transport.NewInProcessTransport(m.correlator, m.clock, logger)

	var opts []dispatcher.Option
	if config.CircuitBreaker.Enabled {
		m.breakers = circuit_breaker.NewSet(config.CircuitBreaker, m.clock, logger)
		opts = append(opts, dispatcher.WithCircuitBreakers(m.breakers))
	}
	if config.RateLimiter.Enabled {
		m.limiter = rate_limiter.New(config.RateLimiter, logger)
		opts = append(opts, dispatcher.WithRateLimiter(m.limiter))
	}
	m.dispatcher = dispatcher.New(config.Dispatch, logger, opts...)
	m.dispatcher.RegisterTransport(transport.NewRESTTransport(config.Transport, m.correlator, logger))
	m.dispatcher.RegisterTransport(transport.NewGRPCTransport(config.Transport, m.correlator, logger))
	m.dispatcher.RegisterTransport(transport.NewQueueTransport(m.broker, m.correlator, logger))
	m.dispatcher.RegisterTransport(m.inProcess)

	m.scheduler = scheduler.New(scheduler.Deps{
		Registry:   m.registry,
		Dispatcher: m.dispatcher,
		Locks:      m.locks,
		Queue:      m.retries,
		Events:     m.events,
		Clock:      m.clock,
		Logger:     logger,
	}, config.Scheduler,
		scheduler.WithRetryPolicy(config.Retry.Default),
		scheduler.WithTokenTTL(config.Dispatch.ContractTTL))

	m.correlator.OnUnmatched(func(ctx context.Context, result *domain.ExecutionResult) {
		outcome, err := m.scheduler.DeliverResult(ctx, result)
		if err != nil {
			m.logger.Warn("late result not settled", "execution_id", result.ExecutionID, "error", err)
			return
		}
		m.logger.Debug("late result settled", "execution_id", result.ExecutionID, "outcome", outcome)
	})

	gin.SetMode(gin.ReleaseMode)
	m.router = gin.New()
	m.router.Use(gin.Recovery())
	transport.NewCallbackHandler(m.correlator).RegisterRoutes(m.router)
	m.registry.RegisterRoutes(m.router)

	if config.Observability.Enabled {
		m.observer = observability.NewServer(config.Observability, m, m, m.events, logger)
	}
	return m, nil
}

func (m *Manager) openStores() error {
	cfg := m.config.Store
	if cfg.Locks == domain.StoreBadger || cfg.Events == domain.StoreBadger {
		db, err := storage.OpenBadger(cfg.Path, m.logger)
		if err != nil {
			return err
		}
		m.db = db
	}

	switch cfg.Locks {
	case domain.StoreBadger:
		m.kv = storage.NewBadgerStore(m.db, m.logger)
	case domain.StoreRaft:
		store, err := raftimpl.Open(m.config.Raft, m.config.DataDir, m.logger)
		if err != nil {
			return err
		}
		m.raftStore = store
		m.kv = store
	default:
		m.kv = storage.NewMemoryStore(m.logger)
	}

	switch cfg.Events {
	case domain.StoreBadger:
		m.eventStore = events.NewBadgerStore(m.db, m.logger)
	default:
		m.eventStore = events.NewMemoryStore()
	}
	m.events = events.NewLog(m.eventStore, m.clock, m.logger)
	return nil
}

func (m *Manager) closeStores() error {
	var errs []error
	if m.eventStore != nil {
		errs = append(errs, m.eventStore.Close())
	}
	if m.kv != nil {
		errs = append(errs, m.kv.Close())
	}
	if m.db != nil {
		errs = append(errs, m.db.Close())
	}
	return errors.Join(errs...)
}

// Start waits for a raft leader when the lock store is replicated, then
// starts the scheduler and the HTTP surfaces.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return domain.ErrAlreadyStarted
	}

	if m.raftStore != nil {
		waitCtx, cancel := context.WithTimeout(ctx, m.config.Scheduler.ShutdownTimeout)
		err := m.raftStore.WaitForLeader(waitCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	if err := m.scheduler.Start(m.ctx); err != nil {
		m.cancel()
		return err
	}

	if addr := m.config.Transport.ListenAddr; addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			m.cancel()
			_ = m.scheduler.Stop()
			return domain.NewConfigurationError("failed to listen for callbacks", err, domain.WithComponent("manager")).
				WithContext("addr", addr)
		}
		server := &http.Server{Handler: m.router, ReadHeaderTimeout: m.config.Transport.ConnectionTimeout}
		m.servers = append(m.servers, server)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Error("callback server stopped", "error", err)
			}
		}()
		m.logger.Info("callback server listening", "addr", listener.Addr().String())
	}

	if m.observer != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.observer.Start(m.ctx); err != nil {
				m.logger.Error("observability server stopped", "error", err)
			}
		}()
	}

	if interval := m.config.Registry.StaleAfter / 3; interval > 0 {
		m.wg.Add(1)
		go m.heartbeatLocal(interval)
	}

	m.started = true
	m.logger.Info("dispatch manager started",
		"lock_store", m.config.Store.Locks,
		"event_store", m.config.Store.Events)
	return nil
}

// heartbeatLocal keeps executors hosted by this process resolvable.
func (m *Manager) heartbeatLocal(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			ids := append([]string(nil), m.local...)
			m.mu.Unlock()
			for _, id := range ids {
				if err := m.registry.Heartbeat(id); err != nil {
					m.logger.Warn("local executor heartbeat failed", "executor_id", id, "error", err)
				}
			}
		}
	}
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return domain.ErrNotStarted
	}
	m.started = false
	workers := m.workers
	servers := m.servers
	m.workers, m.servers = nil, nil
	m.mu.Unlock()

	var errs []error
	if err := m.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}
	for _, worker := range workers {
		worker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.config.Scheduler.ShutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	m.cancel()
	m.wg.Wait()

	if err := m.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.closeStores(); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("dispatch manager stopped")
	return errors.Join(errs...)
}

// RegisterInProcessExecutor hosts handler in this process and registers it
// under desc. Endpoint defaults to the executor id.
func (m *Manager) RegisterInProcessExecutor(desc domain.ExecutorDescriptor, handler executorhost.HandlerFunc) error {
	desc.Transport = domain.TransportInProcess
	if desc.Endpoint == "" {
		desc.Endpoint = desc.ExecutorID
	}
	if desc.Mode == "" {
		desc.Mode = domain.ModeSync
	}
	host := executorhost.NewHost(handler, m.logger, executorhost.WithNodeTypes(desc.NodeTypes...))
	if err := m.registry.Register(desc); err != nil {
		return err
	}
	m.inProcess.Register(desc.Endpoint, host)
	m.trackLocal(desc.ExecutorID)
	return nil
}

// RegisterQueueExecutor runs handler as a worker on the in-memory broker,
// consuming contracts published to desc.Endpoint.
func (m *Manager) RegisterQueueExecutor(desc domain.ExecutorDescriptor, handler executorhost.HandlerFunc, concurrency int) error {
	desc.Transport = domain.TransportMessageQueue
	if desc.Endpoint == "" {
		desc.Endpoint = "executors." + desc.ExecutorID
	}
	if desc.Mode == "" {
		desc.Mode = domain.ModeSync
	}
	host := executorhost.NewHost(handler, m.logger, executorhost.WithNodeTypes(desc.NodeTypes...))
	worker := executorhost.NewQueueWorker(host, m.broker, desc.Endpoint, concurrency, m.logger)
	if err := worker.Start(); err != nil {
		return err
	}
	if err := m.registry.Register(desc); err != nil {
		worker.Stop()
		return err
	}

	m.mu.Lock()
	m.workers = append(m.workers, worker)
	m.mu.Unlock()
	m.trackLocal(desc.ExecutorID)
	return nil
}

func (m *Manager) trackLocal(executorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.local {
		if id == executorID {
			return
		}
	}
	m.local = append(m.local, executorID)
}

// Health implements observability.HealthChecker.
func (m *Manager) Health(ctx context.Context) observability.Health {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	health := observability.Health{Healthy: started, Components: map[string]string{}}
	if started {
		health.Components["scheduler"] = "running"
	} else {
		health.Components["scheduler"] = "stopped"
		health.Error = "scheduler not started"
	}

	if m.raftStore != nil {
		switch leader := m.raftStore.Leader(); {
		case leader == "":
			health.Components["lock_store"] = "no leader"
			health.Healthy = false
			health.Error = "raft has no leader"
		case m.raftStore.IsLeader():
			health.Components["lock_store"] = "leader"
		default:
			health.Components["lock_store"] = "follower of " + leader
		}
	} else {
		health.Components["lock_store"] = string(m.config.Store.Locks)
	}

	if _, err := m.events.Runs(ctx); err != nil {
		health.Components["event_store"] = "error"
		health.Healthy = false
		health.Error = err.Error()
	} else {
		health.Components["event_store"] = string(m.config.Store.Events)
	}
	return health
}

// MetricsSnapshot implements observability.MetricsProvider.
func (m *Manager) MetricsSnapshot() observability.Snapshot {
	snapshot := observability.Snapshot{Scheduler: m.scheduler.Metrics()}
	if m.breakers != nil {
		snapshot.CircuitBreakers = m.breakers.Stats()
	}
	if m.limiter != nil {
		snapshot.RateLimits = m.limiter.Stats()
	}
	return snapshot
}

func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.scheduler
}

func (m *Manager) Registry() *memory.ExecutorRegistry {
	return m.registry
}

func (m *Manager) Events() ports.EventLog {
	return m.events
}

func (m *Manager) Broker() ports.MessageBroker {
	return m.broker
}

// Handler serves ASYNC result callbacks and executor registration.
func (m *Manager) Handler() http.Handler {
	return m.router
}
