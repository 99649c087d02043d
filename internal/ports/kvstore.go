package ports

import (
	"context"
	"time"
)

// KVStore is the shared store behind distributed locks. Implementations must
// make SetIfAbsent atomic across every process that shares the store.
type KVStore interface {
	Get(ctx context.Context, key string) (value []byte, exists bool, err error)

	// SetIfAbsent stores value under key with the given TTL only if no live
	// value exists. It reports whether the write happened.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// CompareAndDeleter is implemented by stores that can delete a key only when
// it still holds an expected value, in one atomic step.
type CompareAndDeleter interface {
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
}

// CompareAndExpirer is implemented by stores that can reset a key's TTL only
// when it still holds an expected value, in one atomic step.
type CompareAndExpirer interface {
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
}
