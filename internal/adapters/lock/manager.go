package lock

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// Manager implements ports.LockManager over a shared KVStore. The stored
// value is the owner token, so only the holder can delete it.
type Manager struct {
	store  ports.KVStore
	config domain.LockConfig
	clock  ports.Clock
	logger *slog.Logger
}

type lockRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func NewManager(store ports.KVStore, config domain.LockConfig, clock ports.Clock, logger *slog.Logger) *Manager {
	if store == nil {
		panic("lock: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	defaults := domain.DefaultLockConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	return &Manager{
		store:  store,
		config: config,
		clock:  clock,
		logger: logger.With("component", "lock-manager"),
	}
}

func (m *Manager) AcquireLock(ctx context.Context, key string, timeout time.Duration) (*domain.Lock, error) {
	if key == "" {
		return nil, domain.NewValidationError("lock key is required", domain.ErrInvalidInput, domain.WithComponent("lock-manager"))
	}

	started := time.Now()
	deadline := started.Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	owner := uuid.New().String()
	attempts := 0
	for {
		attempts++
		acquiredAt := m.clock.Now()
		payload, err := xjson.Marshal(lockRecord{Owner: owner, AcquiredAt: acquiredAt})
		if err != nil {
			return nil, domain.NewInternalError("failed to encode lock record", err)
		}

		ok, err := m.store.SetIfAbsent(ctx, key, payload, m.config.TTL)
		if err != nil {
			return nil, domain.NewLockError("lock store write failed", err, domain.WithComponent("lock-manager")).
				WithContext("key", key)
		}
		if ok {
			m.logger.Debug("lock acquired", "key", key, "attempts", attempts)
			return &domain.Lock{
				Key:        key,
				OwnerToken: owner,
				AcquiredAt: acquiredAt,
				ExpiresAt:  acquiredAt.Add(m.config.TTL),
			}, nil
		}

		wait := m.config.RetryInterval
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &domain.LockTimeoutError{Key: key, Waited: time.Since(started), Attempt: attempts}
		}
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &domain.LockTimeoutError{Key: key, Waited: time.Since(started), Attempt: attempts}
		case <-timer.C:
		}
	}
}

func (m *Manager) ReleaseLock(ctx context.Context, lock *domain.Lock) error {
	if lock == nil {
		return nil
	}

	current, exists, err := m.store.Get(ctx, lock.Key)
	if err != nil {
		return domain.NewLockError("lock store read failed", err, domain.WithComponent("lock-manager")).
			WithContext("key", lock.Key)
	}
	if !exists || !m.ownedBy(current, lock.OwnerToken) {
		m.logger.Debug("lock no longer held by caller, skipping release", "key", lock.Key)
		return nil
	}

	if cad, ok := m.store.(ports.CompareAndDeleter); ok {
		deleted, err := cad.CompareAndDelete(ctx, lock.Key, current)
		if err != nil {
			return domain.NewLockError("lock release failed", err, domain.WithComponent("lock-manager")).
				WithContext("key", lock.Key)
		}
		if !deleted {
			m.logger.Debug("lock changed hands during release", "key", lock.Key)
		}
		return nil
	}

	if err := m.store.Delete(ctx, lock.Key); err != nil {
		return domain.NewLockError("lock release failed", err, domain.WithComponent("lock-manager")).
			WithContext("key", lock.Key)
	}
	return nil
}

// RenewLock resets the lock's TTL to the configured lease length if the
// caller still owns it.
func (m *Manager) RenewLock(ctx context.Context, lock *domain.Lock) (bool, error) {
	if lock == nil {
		return false, nil
	}

	current, exists, err := m.store.Get(ctx, lock.Key)
	if err != nil {
		return false, domain.NewLockError("lock store read failed", err, domain.WithComponent("lock-manager")).
			WithContext("key", lock.Key)
	}
	if !exists || !m.ownedBy(current, lock.OwnerToken) {
		return false, nil
	}

	if cae, ok := m.store.(ports.CompareAndExpirer); ok {
		renewed, err := cae.CompareAndExpire(ctx, lock.Key, current, m.config.TTL)
		if err != nil {
			return false, domain.NewLockError("lock renewal failed", err, domain.WithComponent("lock-manager")).
				WithContext("key", lock.Key)
		}
		return renewed, nil
	}

	if err := m.store.Expire(ctx, lock.Key, m.config.TTL); err != nil {
		if domain.IsNotFound(err) {
			return false, nil
		}
		return false, domain.NewLockError("lock renewal failed", err, domain.WithComponent("lock-manager")).
			WithContext("key", lock.Key)
	}
	return true, nil
}

func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	_, exists, err := m.store.Get(ctx, key)
	if err != nil {
		return false, domain.NewLockError("lock store read failed", err, domain.WithComponent("lock-manager")).
			WithContext("key", key)
	}
	return exists, nil
}

// WithLock runs fn while holding key. The lock is released with a context
// that outlives ctx cancellation.
func (m *Manager) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) error) error {
	lock, err := m.AcquireLock(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.RetryInterval*10)
		defer cancel()
		if err := m.ReleaseLock(releaseCtx, lock); err != nil {
			m.logger.Warn("failed to release lock", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}

func (m *Manager) ownedBy(value []byte, owner string) bool {
	var record lockRecord
	if err := xjson.Unmarshal(value, &record); err != nil {
		return bytes.Equal(value, []byte(owner))
	}
	return record.Owner == owner
}
