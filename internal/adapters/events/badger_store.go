package events

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/xjson"
)

const maxAppendAttempts = 16

// BadgerStore persists events under events:<run>:<seq> with a per-run
// sequence counter under runs:<run>. Events never expire.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "event-store"),
	}
}

func (s *BadgerStore) Append(_ context.Context, event domain.ExecutionEvent) (domain.ExecutionEvent, error) {
	if event.RunID == "" {
		return event, domain.NewValidationError("event run id is required", domain.ErrInvalidInput, domain.WithComponent("event-store"))
	}

	var err error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var stored domain.ExecutionEvent
		stored, err = s.tryAppend(event)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug("event append conflicted, retrying", "run_id", event.RunID, "attempt", attempt+1)
	}
	return event, domain.NewStorageError("failed to append event", err, domain.WithComponent("event-store")).
		WithRunID(event.RunID).
		WithContext("type", string(event.Type))
}

func (s *BadgerStore) tryAppend(event domain.ExecutionEvent) (domain.ExecutionEvent, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		counterKey := []byte(domain.RunKey(event.RunID))

		var last int64
		item, err := txn.Get(counterKey)
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(raw) == 8 {
				last = int64(binary.BigEndian.Uint64(raw))
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		event.Sequence = last + 1
		payload, err := xjson.Marshal(event)
		if err != nil {
			return err
		}

		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, uint64(event.Sequence))
		if err := txn.Set(counterKey, next); err != nil {
			return err
		}
		return txn.Set([]byte(domain.EventKey(event.RunID, event.Sequence)), payload)
	})
	return event, err
}

func (s *BadgerStore) Events(_ context.Context, runID string) ([]domain.ExecutionEvent, error) {
	var out []domain.ExecutionEvent
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(domain.EventRunPrefix(runID))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var event domain.ExecutionEvent
				if err := xjson.Unmarshal(val, &event); err != nil {
					return err
				}
				out = append(out, event)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStorageError("failed to read events", err, domain.WithComponent("event-store")).
			WithRunID(runID)
	}
	return out, nil
}

func (s *BadgerStore) Runs(_ context.Context) ([]string, error) {
	var runs []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(domain.RunKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			runs = append(runs, strings.TrimPrefix(string(it.Item().Key()), domain.RunKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStorageError("failed to list runs", err, domain.WithComponent("event-store"))
	}
	return runs, nil
}

// Close leaves the shared database open; its owner closes it.
func (s *BadgerStore) Close() error {
	return nil
}
