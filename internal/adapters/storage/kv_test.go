package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
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

type kvFactory func(t *testing.T) ports.KVStore

func kvStores() map[string]kvFactory {
	return map[string]kvFactory{
		"memory": func(t *testing.T) ports.KVStore {
			return NewMemoryStore(nil)
		},
		"badger": func(t *testing.T) ports.KVStore {
			store, err := OpenBadgerStore("", nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func TestKVStore_SetIfAbsent(t *testing.T) {
	for name, factory := range kvStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			ok, err := store.SetIfAbsent(ctx, "lock:a", []byte("owner-1"), time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = store.SetIfAbsent(ctx, "lock:a", []byte("owner-2"), time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			value, exists, err := store.Get(ctx, "lock:a")
			require.NoError(t, err)
			require.True(t, exists)
			assert.Equal(t, "owner-1", string(value))
		})
	}
}

func TestKVStore_ConcurrentSetIfAbsentHasOneWinner(t *testing.T) {
	for name, factory := range kvStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			var winners int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := store.SetIfAbsent(ctx, "contended", []byte{byte(i)}, time.Minute)
					assert.NoError(t, err)
					if ok {
						atomic.AddInt32(&winners, 1)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), winners)
		})
	}
}

func TestKVStore_CompareAndDelete(t *testing.T) {
	for name, factory := range kvStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			cad, ok := store.(ports.CompareAndDeleter)
			require.True(t, ok)

			_, err := store.SetIfAbsent(ctx, "k", []byte("mine"), time.Minute)
			require.NoError(t, err)

			deleted, err := cad.CompareAndDelete(ctx, "k", []byte("theirs"))
			require.NoError(t, err)
			assert.False(t, deleted)

			_, exists, _ := store.Get(ctx, "k")
			assert.True(t, exists)

			deleted, err = cad.CompareAndDelete(ctx, "k", []byte("mine"))
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = cad.CompareAndDelete(ctx, "k", []byte("mine"))
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestKVStore_CompareAndExpire(t *testing.T) {
	for name, factory := range kvStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			cae, ok := store.(ports.CompareAndExpirer)
			require.True(t, ok)

			renewed, err := cae.CompareAndExpire(ctx, "k", []byte("mine"), time.Minute)
			require.NoError(t, err)
			assert.False(t, renewed, "missing key")

			_, err = store.SetIfAbsent(ctx, "k", []byte("mine"), time.Minute)
			require.NoError(t, err)

			renewed, err = cae.CompareAndExpire(ctx, "k", []byte("theirs"), time.Hour)
			require.NoError(t, err)
			assert.False(t, renewed)

			renewed, err = cae.CompareAndExpire(ctx, "k", []byte("mine"), time.Hour)
			require.NoError(t, err)
			assert.True(t, renewed)

			value, exists, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, exists)
			assert.Equal(t, []byte("mine"), value)
		})
	}
}

func TestMemoryStore_CompareAndExpireExtendsTTL(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	store := NewMemoryStoreWithClock(clock, nil)
	ctx := context.Background()

	_, err := store.SetIfAbsent(ctx, "k", []byte("mine"), 30*time.Second)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	renewed, err := store.CompareAndExpire(ctx, "k", []byte("mine"), 30*time.Second)
	require.NoError(t, err)
	require.True(t, renewed)

	clock.Advance(20 * time.Second)
	_, exists, _ := store.Get(ctx, "k")
	assert.True(t, exists, "renewed key outlives its original ttl")

	clock.Advance(11 * time.Second)
	_, exists, _ = store.Get(ctx, "k")
	assert.False(t, exists)
}

func TestKVStore_DeleteAndExpireMissing(t *testing.T) {
	for name, factory := range kvStores() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.Delete(ctx, "missing"))

			err := store.Expire(ctx, "missing", time.Second)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	store := NewMemoryStoreWithClock(clock, nil)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "k", []byte("a"), 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(9 * time.Second)
	_, exists, _ := store.Get(ctx, "k")
	assert.True(t, exists)

	clock.Advance(time.Second)
	_, exists, _ = store.Get(ctx, "k")
	assert.False(t, exists)

	ok, err = store.SetIfAbsent(ctx, "k", []byte("b"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Expire(ctx, "k", 30*time.Second))
	clock.Advance(20 * time.Second)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore(nil)
	require.NoError(t, store.Close())

	_, err := store.SetIfAbsent(context.Background(), "k", nil, 0)
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestBadgerStore_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on badger's one-second expiry resolution")
	}
	store, err := OpenBadgerStore("", nil)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "k", []byte("a"), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, exists, err := store.Get(ctx, "k")
		return err == nil && !exists
	}, 5*time.Second, 100*time.Millisecond)

	ok, err = store.SetIfAbsent(ctx, "k", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRoundTTL(t *testing.T) {
	assert.Equal(t, time.Second, roundTTL(10*time.Millisecond))
	assert.Equal(t, 2*time.Second, roundTTL(2*time.Second))
	assert.Equal(t, 3*time.Second, roundTTL(2001*time.Millisecond))
}
