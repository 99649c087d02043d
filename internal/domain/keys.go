package domain

import "fmt"

const (
	LockKeyPrefix  = "lock:node:"
	EventKeyPrefix = "events:"
	RunKeyPrefix   = "runs:"
)

// ActiveTaskKey identifies one attempt in the scheduler's active set.
func ActiveTaskKey(runID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, nodeID, attempt)
}

// NodeKey identifies a node across attempts; retry queue entries and locks
// are scoped to it.
func NodeKey(runID, nodeID string) string {
	return fmt.Sprintf("%s:%s", runID, nodeID)
}

func RunPrefix(runID string) string {
	return runID + ":"
}

func LockKey(runID, nodeID string) string {
	return LockKeyPrefix + NodeKey(runID, nodeID)
}

func EventKey(runID string, sequence int64) string {
	return fmt.Sprintf("%s%s:%020d", EventKeyPrefix, runID, sequence)
}

func EventRunPrefix(runID string) string {
	return fmt.Sprintf("%s%s:", EventKeyPrefix, runID)
}

func RunKey(runID string) string {
	return RunKeyPrefix + runID
}
