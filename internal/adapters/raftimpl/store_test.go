package raftimpl

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dispatch/internal/adapters/lock"
	"github.com/eleven-am/dispatch/internal/adapters/storage"
	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/xjson"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRaftConfig() domain.RaftConfig {
	config := domain.DefaultRaftConfig()
	config.NodeID = "node-1"
	config.Bootstrap = true
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ElectionTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond
	return config
}

func openSingleNode(t *testing.T, clock *manualClock) *Store {
	t.Helper()
	_, transport := raft.NewInmemTransport("")
	store, err := Open(testRaftConfig(), "", nil, WithTransport(transport), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, store.WaitForLeader(ctx))
	require.Eventually(t, store.IsLeader, 5*time.Second, 10*time.Millisecond)
	return store
}

func TestStore_SetIfAbsentAndExpiry(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := openSingleNode(t, clock)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "lock:run-1:node-A", []byte("owner-1"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "lock:run-1:node-A", []byte("owner-2"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	value, exists, err := store.Get(ctx, "lock:run-1:node-A")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []byte("owner-1"), value)

	clock.Advance(time.Second)
	_, exists, err = store.Get(ctx, "lock:run-1:node-A")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = store.SetIfAbsent(ctx, "lock:run-1:node-A", []byte("owner-2"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ExpireAndDelete(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := openSingleNode(t, clock)
	ctx := context.Background()

	_, err := store.SetIfAbsent(ctx, "k", []byte("v"), time.Second)
	require.NoError(t, err)
	require.NoError(t, store.Expire(ctx, "k", time.Minute))

	clock.Advance(30 * time.Second)
	_, exists, _ := store.Get(ctx, "k")
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "k"))
	_, exists, _ = store.Get(ctx, "k")
	assert.False(t, exists)

	err = store.Expire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_CompareAndDelete(t *testing.T) {
	store := openSingleNode(t, &manualClock{now: time.Now()})
	ctx := context.Background()

	_, err := store.SetIfAbsent(ctx, "k", []byte("owner-1"), time.Minute)
	require.NoError(t, err)

	deleted, err := store.CompareAndDelete(ctx, "k", []byte("owner-2"))
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = store.CompareAndDelete(ctx, "k", []byte("owner-1"))
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestStore_CompareAndExpire(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := openSingleNode(t, clock)
	ctx := context.Background()

	_, err := store.SetIfAbsent(ctx, "k", []byte("owner-1"), 30*time.Second)
	require.NoError(t, err)

	renewed, err := store.CompareAndExpire(ctx, "k", []byte("owner-2"), 30*time.Second)
	require.NoError(t, err)
	assert.False(t, renewed)

	clock.Advance(20 * time.Second)
	renewed, err = store.CompareAndExpire(ctx, "k", []byte("owner-1"), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, renewed)

	clock.Advance(20 * time.Second)
	_, exists, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_BacksLockManager(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := openSingleNode(t, clock)
	manager := lock.NewManager(store, domain.DefaultLockConfig(), clock, nil)
	ctx := context.Background()

	held, err := manager.AcquireLock(ctx, "run-1:node-A", time.Second)
	require.NoError(t, err)

	locked, err := manager.IsLocked(ctx, "run-1:node-A")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, manager.ReleaseLock(ctx, held))
	locked, err = manager.IsLocked(ctx, "run-1:node-A")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestStore_RequiresNodeID(t *testing.T) {
	_, err := Open(domain.RaftConfig{}, "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }

func applyCommand(t *testing.T, f *fsm, cmd command) *commandResult {
	t.Helper()
	data, err := xjson.Marshal(cmd)
	require.NoError(t, err)
	result, ok := f.Apply(&raft.Log{Data: data}).(*commandResult)
	require.True(t, ok)
	return result
}

func TestFSM_SnapshotRestore(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source, err := storage.OpenBadger("", nil)
	require.NoError(t, err)
	defer source.Close()
	f := newFSM(source, testLogger())

	assert.True(t, applyCommand(t, f, command{Type: commandSetIfAbsent, Key: "a", Value: []byte("1"), TTL: time.Minute, At: at}).Applied)
	assert.True(t, applyCommand(t, f, command{Type: commandSetIfAbsent, Key: "b", Value: []byte("2"), At: at}).Applied)
	assert.Error(t, applyCommand(t, f, command{Type: "bogus", Key: "c", At: at}).Err)

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))

	target, err := storage.OpenBadger("", nil)
	require.NoError(t, err)
	defer target.Close()
	restored := newFSM(target, testLogger())
	require.NoError(t, restored.Restore(io.NopCloser(&sink.Buffer)))

	value, ok, err := restored.get("a", at.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), value)

	_, ok, err = restored.get("a", at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "ttl survives the snapshot")

	_, ok, err = restored.get("b", at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
