package storage

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore is a process-local KVStore. It only coordinates callers that
// share the same instance.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]memoryEntry
	clock  ports.Clock
	logger *slog.Logger
	closed bool
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return NewMemoryStoreWithClock(ports.SystemClock{}, logger)
}

func NewMemoryStoreWithClock(clock ports.Clock, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &MemoryStore{
		data:   make(map[string]memoryEntry),
		clock:  clock,
		logger: logger.With("component", "memory-kv"),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, domain.ErrClosed
	}
	entry, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, domain.ErrClosed
	}
	if _, ok := s.lookup(key); ok {
		return false, nil
	}

	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}
	s.data[key] = entry
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrClosed
	}
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrClosed
	}
	entry, ok := s.lookup(key)
	if !ok {
		return domain.NewStorageError("key not found", domain.ErrNotFound, domain.WithComponent("memory-kv")).
			WithContext("key", key)
	}
	if ttl <= 0 {
		entry.expiresAt = time.Time{}
	} else {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}
	s.data[key] = entry
	return nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, domain.ErrClosed
	}
	entry, ok := s.lookup(key)
	if !ok || !bytes.Equal(entry.value, expected) {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

func (s *MemoryStore) CompareAndExpire(_ context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, domain.ErrClosed
	}
	entry, ok := s.lookup(key)
	if !ok || !bytes.Equal(entry.value, expected) {
		return false, nil
	}
	entry.expiresAt = time.Time{}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}
	s.data[key] = entry
	return true, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := s.clock.Now()
	for _, entry := range s.data {
		if entry.live(now) {
			count++
		}
	}
	return count
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = make(map[string]memoryEntry)
	return nil
}

// lookup drops the entry if it has expired. Caller holds s.mu.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	entry, ok := s.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.live(s.clock.Now()) {
		delete(s.data, key)
		return memoryEntry{}, false
	}
	return entry, true
}
