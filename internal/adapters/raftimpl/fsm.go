package raftimpl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"

	"github.com/eleven-am/dispatch/internal/xjson"
)

type commandType string

const (
	commandSetIfAbsent      commandType = "set_if_absent"
	commandDelete           commandType = "delete"
	commandExpire           commandType = "expire"
	commandCompareAndDelete commandType = "compare_and_delete"
	commandCompareAndExpire commandType = "compare_and_expire"
)

// command carries the leader's clock so every replica judges liveness the
// same way when replaying the log.
type command struct {
	Type     commandType   `json:"type"`
	Key      string        `json:"key"`
	Value    []byte        `json:"value,omitempty"`
	Expected []byte        `json:"expected,omitempty"`
	TTL      time.Duration `json:"ttl,omitempty"`
	At       time.Time     `json:"at"`
}

type commandResult struct {
	Applied bool
	Err     error
}

// entry is the stored form of a key. A zero ExpiresAt never expires.
type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e entry) live(at time.Time) bool {
	return e.ExpiresAt.IsZero() || at.Before(e.ExpiresAt)
}

type fsm struct {
	db     *badger.DB
	logger *slog.Logger
	mu     sync.RWMutex
}

func newFSM(db *badger.DB, logger *slog.Logger) *fsm {
	return &fsm{db: db, logger: logger.With("component", "raft-fsm")}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := xjson.Unmarshal(log.Data, &cmd); err != nil {
		f.logger.Error("failed to decode command", "index", log.Index, "error", err)
		return &commandResult{Err: fmt.Errorf("decode command: %w", err)}
	}
	if cmd.Key == "" {
		return &commandResult{Err: errors.New("key cannot be empty")}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var applied bool
	err := f.db.Update(func(txn *badger.Txn) error {
		current, exists, err := readEntry(txn, cmd.Key)
		if err != nil {
			return err
		}
		exists = exists && current.live(cmd.At)

		switch cmd.Type {
		case commandSetIfAbsent:
			if exists {
				return nil
			}
			next := entry{Value: cmd.Value}
			if cmd.TTL > 0 {
				next.ExpiresAt = cmd.At.Add(cmd.TTL)
			}
			applied = true
			return writeEntry(txn, cmd.Key, next)
		case commandDelete:
			applied = exists
			return txn.Delete([]byte(cmd.Key))
		case commandExpire:
			if !exists {
				return nil
			}
			current.ExpiresAt = time.Time{}
			if cmd.TTL > 0 {
				current.ExpiresAt = cmd.At.Add(cmd.TTL)
			}
			applied = true
			return writeEntry(txn, cmd.Key, current)
		case commandCompareAndDelete:
			if !exists || !bytes.Equal(current.Value, cmd.Expected) {
				return nil
			}
			applied = true
			return txn.Delete([]byte(cmd.Key))
		case commandCompareAndExpire:
			if !exists || !bytes.Equal(current.Value, cmd.Expected) {
				return nil
			}
			current.ExpiresAt = time.Time{}
			if cmd.TTL > 0 {
				current.ExpiresAt = cmd.At.Add(cmd.TTL)
			}
			applied = true
			return writeEntry(txn, cmd.Key, current)
		default:
			return fmt.Errorf("unknown command type %q", cmd.Type)
		}
	})
	if err != nil {
		f.logger.Error("failed to apply command", "type", cmd.Type, "key", cmd.Key, "error", err)
		return &commandResult{Err: err}
	}
	return &commandResult{Applied: applied}
}

// get reads the replica's local state.
func (f *fsm) get(key string, at time.Time) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var value []byte
	var found bool
	err := f.db.View(func(txn *badger.Txn) error {
		e, exists, err := readEntry(txn, key)
		if err != nil || !exists || !e.live(at) {
			return err
		}
		value, found = e.Value, true
		return nil
	})
	return value, found, err
}

func readEntry(txn *badger.Txn, key string) (entry, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	var e entry
	err = item.Value(func(val []byte) error {
		return xjson.Unmarshal(val, &e)
	})
	return e, err == nil, err
}

func writeEntry(txn *badger.Txn, key string, e entry) error {
	data, err := xjson.Marshal(e)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data := make(map[string]entry)
	err := f.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var e entry
			if err := item.Value(func(val []byte) error { return xjson.Unmarshal(val, &e) }); err != nil {
				return err
			}
			data[string(item.KeyCopy(nil))] = e
		}
		return nil
	})
	if err != nil {
		f.logger.Error("failed to build snapshot", "error", err)
		return nil, err
	}
	f.logger.Debug("snapshot taken", "keys", len(data))
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data map[string]entry
	if err := xjson.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.db.DropAll(); err != nil {
		return err
	}
	wb := f.db.NewWriteBatch()
	defer wb.Cancel()
	for key, e := range data {
		value, err := xjson.Marshal(e)
		if err != nil {
			return err
		}
		if err := wb.Set([]byte(key), value); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	f.logger.Info("state restored from snapshot", "keys", len(data))
	return nil
}

type fsmSnapshot struct {
	data map[string]entry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := xjson.NewEncoder(sink).Encode(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
