package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/dispatch/internal/domain"
)

var errKeyExists = errors.New("key exists")

// BadgerStore is a KVStore over badger. TTLs use badger's native expiry,
// which has one-second resolution. Conditional writes rely on badger's
// optimistic transactions: a commit that lost a race returns ErrConflict and
// is reported as "not written".
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
	logger *slog.Logger
}

// OpenBadger opens a badger database at path, or an in-memory one when path
// is empty.
func OpenBadger(path string, logger *slog.Logger) (*badger.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(NewBadgerLogger(logger))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewStorageError("failed to open badger", err, domain.WithComponent("badger-kv")).
			WithContext("path", path)
	}
	return db, nil
}

func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "badger-kv"),
	}
}

// OpenBadgerStore opens its own database and closes it on Close.
func OpenBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	db, err := OpenBadger(path, logger)
	if err != nil {
		return nil, err
	}
	store := NewBadgerStore(db, logger)
	store.ownsDB = true
	return store, nil
}

func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func (s *BadgerStore) Get(_ context.Context, key string) (value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		exists = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, s.wrap("get", key, err)
	}
	return value, exists, nil
}

func (s *BadgerStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return errKeyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(roundTTL(ttl))
		}
		return txn.SetEntry(entry)
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errKeyExists), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, s.wrap("set_if_absent", key, err)
	}
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return s.wrap("delete", key, err)
	}
	return nil
}

func (s *BadgerStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(roundTTL(ttl))
		}
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.NewStorageError("key not found", domain.ErrNotFound, domain.WithComponent("badger-kv")).
			WithContext("key", key)
	}
	if err != nil {
		return s.wrap("expire", key, err)
	}
	return nil
}

func (s *BadgerStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, expected) {
			return errKeyExists
		}
		return txn.Delete([]byte(key))
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound), errors.Is(err, errKeyExists), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, s.wrap("compare_and_delete", key, err)
	}
}

func (s *BadgerStore) CompareAndExpire(_ context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, expected) {
			return errKeyExists
		}
		entry := badger.NewEntry([]byte(key), current)
		if ttl > 0 {
			entry = entry.WithTTL(roundTTL(ttl))
		}
		return txn.SetEntry(entry)
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound), errors.Is(err, errKeyExists), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, s.wrap("compare_and_expire", key, err)
	}
}

func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) wrap(op, key string, err error) error {
	return domain.NewStorageError("badger "+op+" failed", err, domain.WithComponent("badger-kv")).
		WithOperation(op).
		WithContext("key", key)
}

// roundTTL rounds up to badger's one-second expiry resolution so a short TTL
// never expires early.
func roundTTL(ttl time.Duration) time.Duration {
	if rem := ttl % time.Second; rem != 0 {
		ttl += time.Second - rem
	}
	return ttl
}
