package raftimpl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"
	raftbadger "github.com/rfyiamcool/raft-badger"

	"github.com/eleven-am/dispatch/internal/adapters/storage"
	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// Store is a KVStore replicated through hashicorp/raft. Writes go through
// the log and must be issued on the leader; reads are served from the local
// replica.
type Store struct {
	config domain.RaftConfig
	clock  ports.Clock
	logger *slog.Logger

	raft      *raft.Raft
	fsm       *fsm
	stateDB   *badger.DB
	logStore  io.Closer
	transport raft.Transport
}

var (
	_ ports.KVStore           = (*Store)(nil)
	_ ports.CompareAndDeleter = (*Store)(nil)
)

type Option func(*openOptions)

type openOptions struct {
	transport raft.Transport
	clock     ports.Clock
}

// WithTransport replaces the TCP transport, e.g. with raft.NewInmemTransport
// in tests.
func WithTransport(transport raft.Transport) Option {
	return func(o *openOptions) { o.transport = transport }
}

func WithClock(clock ports.Clock) Option {
	return func(o *openOptions) { o.clock = clock }
}

// Open starts a raft node. With Persistent set and a data directory, the log
// lives in raft-badger and snapshots on disk; otherwise everything is in
// memory.
func Open(config domain.RaftConfig, dataDir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.NodeID == "" {
		return nil, domain.NewConfigurationError("raft node id is required", domain.ErrInvalidConfig, domain.WithComponent("raft"))
	}
	options := openOptions{clock: ports.SystemClock{}}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Store{
		config: config,
		clock:  options.clock,
		logger: logger.With("component", "raft-store", "node_id", config.NodeID),
	}
	if err := s.open(dataDir, options.transport); err != nil {
		s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *Store) open(dataDir string, transport raft.Transport) error {
	persistent := s.config.Persistent && dataDir != ""

	var logStore raft.LogStore
	var stableStore raft.StableStore
	var snapshots raft.SnapshotStore
	statePath := ""

	if persistent {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return storageError("failed to create raft data directory", err)
		}
		logPath := filepath.Join(dataDir, "raft-log")
		logOpts := badger.DefaultOptions(logPath).WithLogger(storage.NewBadgerLogger(s.logger))
		store, err := raftbadger.New(raftbadger.Config{DataPath: logPath}, &logOpts)
		if err != nil {
			return storageError("failed to open raft log store", err)
		}
		s.logStore = store
		logStore, stableStore = store, store

		retain := s.config.MaxSnapshots
		if retain <= 0 {
			retain = 2
		}
		snapshots, err = raft.NewFileSnapshotStore(dataDir, retain, io.Discard)
		if err != nil {
			return storageError("failed to open snapshot store", err)
		}
		statePath = filepath.Join(dataDir, "state")
	} else {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshots = raft.NewInmemSnapshotStore()
	}

	stateDB, err := storage.OpenBadger(statePath, s.logger)
	if err != nil {
		return err
	}
	s.stateDB = stateDB
	s.fsm = newFSM(stateDB, s.logger)

	if transport == nil {
		transport, err = s.tcpTransport()
		if err != nil {
			return err
		}
	}
	s.transport = transport

	raftConfig := s.raftConfig()
	if s.config.Bootstrap {
		servers := []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}}
		for _, peer := range s.config.Peers {
			if peer.ID == s.config.NodeID {
				continue
			}
			servers = append(servers, raft.Server{ID: raft.ServerID(peer.ID), Address: raft.ServerAddress(peer.Address)})
		}
		err := raft.BootstrapCluster(raftConfig, logStore, stableStore, snapshots, transport, raft.Configuration{Servers: servers})
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return storageError("failed to bootstrap raft cluster", err)
		}
	}

	r, err := raft.NewRaft(raftConfig, s.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return storageError("failed to start raft", err)
	}
	s.raft = r
	s.logger.Info("raft node started", "address", transport.LocalAddr(), "persistent", persistent, "bootstrap", s.config.Bootstrap)
	return nil
}

func (s *Store) raftConfig() *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(s.config.NodeID)
	c.Logger = newHCLogger(s.logger)
	if s.config.HeartbeatTimeout > 0 {
		c.HeartbeatTimeout = s.config.HeartbeatTimeout
	}
	if s.config.ElectionTimeout > 0 {
		c.ElectionTimeout = s.config.ElectionTimeout
	}
	if s.config.CommitTimeout > 0 {
		c.CommitTimeout = s.config.CommitTimeout
	}
	if s.config.LeaderLeaseTimeout > 0 && s.config.LeaderLeaseTimeout <= c.HeartbeatTimeout {
		c.LeaderLeaseTimeout = s.config.LeaderLeaseTimeout
	}
	if s.config.SnapshotInterval > 0 {
		c.SnapshotInterval = s.config.SnapshotInterval
	}
	if s.config.SnapshotThreshold > 0 {
		c.SnapshotThreshold = s.config.SnapshotThreshold
	}
	return c
}

func (s *Store) tcpTransport() (raft.Transport, error) {
	addr, err := net.ResolveTCPAddr("tcp", s.config.BindAddr)
	if err != nil {
		return nil, domain.NewConfigurationError("invalid raft bind address", err, domain.WithComponent("raft")).
			WithContext("bind_addr", s.config.BindAddr)
	}
	transport, err := raft.NewTCPTransport(s.config.BindAddr, addr, 3, 10*time.Second, io.Discard)
	if err != nil {
		return nil, storageError("failed to create raft transport", err)
	}
	return transport, nil
}

// WaitForLeader blocks until the cluster has elected a leader.
func (s *Store) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := s.raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return domain.NewTimeoutError("no raft leader elected", ctx.Err(), domain.WithComponent("raft"))
		case <-ticker.C:
		}
	}
}

func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

func (s *Store) Leader() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	value, ok, err := s.fsm.get(key, s.clock.Now())
	if err != nil {
		return nil, false, storageError("failed to read key", err).WithContext("key", key)
	}
	return value, ok, nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.apply(ctx, command{Type: commandSetIfAbsent, Key: key, Value: value, TTL: ttl})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.apply(ctx, command{Type: commandDelete, Key: key})
	return err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	applied, err := s.apply(ctx, command{Type: commandExpire, Key: key, TTL: ttl})
	if err != nil {
		return err
	}
	if !applied {
		return domain.NewStorageError("key not found", domain.ErrNotFound, domain.WithComponent("raft"), domain.WithRetryable(false)).
			WithContext("key", key)
	}
	return nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	return s.apply(ctx, command{Type: commandCompareAndDelete, Key: key, Expected: expected})
}

func (s *Store) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	return s.apply(ctx, command{Type: commandCompareAndExpire, Key: key, Expected: expected, TTL: ttl})
}

func (s *Store) apply(ctx context.Context, cmd command) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.raft.State() != raft.Leader {
		return false, storageError("write must go to the raft leader", domain.ErrNotLeader).
			WithContext("leader", s.Leader())
	}

	cmd.At = s.clock.Now()
	data, err := xjson.Marshal(cmd)
	if err != nil {
		return false, domain.NewInternalError("failed to encode raft command", err, domain.WithComponent("raft"))
	}

	timeout := s.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	future := s.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return false, storageError("lost raft leadership", domain.ErrNotLeader)
		}
		return false, storageError("raft apply failed", err).WithContext("type", string(cmd.Type))
	}

	result, ok := future.Response().(*commandResult)
	if !ok {
		return false, domain.NewInternalError("unexpected raft response", nil, domain.WithComponent("raft"))
	}
	if result.Err != nil {
		return false, storageError("raft command failed", result.Err).WithContext("key", cmd.Key)
	}
	return result.Applied, nil
}

// Snapshot forces a snapshot of the replicated state.
func (s *Store) Snapshot() error {
	if err := s.raft.Snapshot().Error(); err != nil && !errors.Is(err, raft.ErrNothingNewToSnapshot) {
		return storageError("snapshot failed", err)
	}
	return nil
}

func (s *Store) Close() error {
	var firstErr error
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			firstErr = err
		}
	}
	if err := s.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) closeResources() error {
	var firstErr error
	if closer, ok := s.transport.(io.Closer); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.logStore != nil {
		if err := s.logStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.stateDB != nil {
		if err := s.stateDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func storageError(message string, cause error) *domain.DomainError {
	return domain.NewStorageError(message, cause, domain.WithComponent("raft"))
}
