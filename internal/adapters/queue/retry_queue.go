package queue

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
)

// RetryQueue holds at most one pending re-attempt per (run, node). It is
// owned by a single scheduler and safe for concurrent use.
type RetryQueue struct {
	mu      sync.Mutex
	entries map[string]domain.RetryQueueEntry
	logger  *slog.Logger
}

func NewRetryQueue(logger *slog.Logger) *RetryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryQueue{
		entries: make(map[string]domain.RetryQueueEntry),
		logger:  logger.With("component", "retry-queue"),
	}
}

// Upsert replaces any existing entry for the same (run, node).
func (q *RetryQueue) Upsert(entry domain.RetryQueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := entry.Key()
	if prev, ok := q.entries[key]; ok {
		q.logger.Debug("replacing retry entry",
			"run_id", entry.RunID,
			"node_id", entry.NodeID,
			"previous_execute_at", prev.ExecuteAt,
			"execute_at", entry.ExecuteAt)
	}
	q.entries[key] = entry
}

func (q *RetryQueue) Get(runID, nodeID string) (domain.RetryQueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[domain.NodeKey(runID, nodeID)]
	return entry, ok
}

func (q *RetryQueue) Remove(runID, nodeID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := domain.NodeKey(runID, nodeID)
	if _, ok := q.entries[key]; !ok {
		return false
	}
	delete(q.entries, key)
	return true
}

// RemoveRun drops every entry whose key is prefixed by runID.
func (q *RetryQueue) RemoveRun(runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := domain.RunPrefix(runID)
	removed := 0
	for key := range q.entries {
		if strings.HasPrefix(key, prefix) {
			delete(q.entries, key)
			removed++
		}
	}
	return removed
}

// Due removes and returns up to limit entries whose time has come, earliest
// first. limit <= 0 means no limit.
func (q *RetryQueue) Due(now time.Time, limit int) []domain.RetryQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []domain.RetryQueueEntry
	for _, entry := range q.entries {
		if entry.Due(now) {
			due = append(due, entry)
		}
	}
	sortEntries(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, entry := range due {
		delete(q.entries, entry.Key())
	}
	return due
}

func (q *RetryQueue) Entries() []domain.RetryQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.RetryQueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry)
	}
	sortEntries(out)
	return out
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *RetryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]domain.RetryQueueEntry)
}

func sortEntries(entries []domain.RetryQueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ExecuteAt.Equal(entries[j].ExecuteAt) {
			return entries[i].Key() < entries[j].Key()
		}
		return entries[i].ExecuteAt.Before(entries[j].ExecuteAt)
	})
}
