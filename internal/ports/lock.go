package ports

import (
	"context"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
)

type LockManager interface {
	// AcquireLock blocks until the lock is held or timeout elapses, returning
	// *domain.LockTimeoutError in the latter case.
	AcquireLock(ctx context.Context, key string, timeout time.Duration) (*domain.Lock, error)

	// ReleaseLock is a no-op when the lock is no longer owned by the caller.
	ReleaseLock(ctx context.Context, lock *domain.Lock) error

	IsLocked(ctx context.Context, key string) (bool, error)
}

// LockRenewer extends a held lock's TTL. It reports false once the caller
// no longer owns the lock.
type LockRenewer interface {
	RenewLock(ctx context.Context, lock *domain.Lock) (bool, error)
}
