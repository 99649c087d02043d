package domain

import (
	"time"

	"github.com/eleven-am/dispatch/internal/xjson"
)

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunCancelled RunStatus = "CANCELLED"
	RunFailed    RunStatus = "FAILED"
)

type NodeStatus string

const (
	NodePending      NodeStatus = "PENDING"
	NodeDispatched   NodeStatus = "DISPATCHED"
	NodeCompleted    NodeStatus = "COMPLETED"
	NodeFailed       NodeStatus = "FAILED"
	NodeRetrying     NodeStatus = "RETRYING"
	NodeDeadLettered NodeStatus = "DEAD_LETTERED"
)

func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeDeadLettered
}

type NodeState struct {
	NodeID      string             `json:"nodeId"`
	Status      NodeStatus         `json:"status"`
	Attempt     int                `json:"attempt"`
	ExecutionID string             `json:"executionId,omitempty"`
	ExpiresAt   time.Time          `json:"expiresAt,omitempty"`
	RetryAt     time.Time          `json:"retryAt,omitempty"`
	RetryTask   *NodeExecutionTask `json:"retryTask,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
	Progress    int                `json:"progress,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// RunState is never stored; it is always the fold of a run's events.
type RunState struct {
	RunID               string                `json:"runId"`
	Status              RunStatus             `json:"status"`
	Nodes               map[string]*NodeState `json:"nodes"`
	CompletedExecutions map[string]bool       `json:"completedExecutions,omitempty"`
	Discarded           int                   `json:"discarded,omitempty"`
	LastSequence        int64                 `json:"lastSequence"`
	UpdatedAt           time.Time             `json:"updatedAt"`
}

func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:               runID,
		Status:              RunRunning,
		Nodes:               make(map[string]*NodeState),
		CompletedExecutions: make(map[string]bool),
	}
}

// FoldRunState derives run and node status from an ordered event slice.
func FoldRunState(runID string, events []ExecutionEvent) *RunState {
	state := NewRunState(runID)
	for _, event := range events {
		state.Apply(event)
	}
	return state
}

func (s *RunState) Apply(event ExecutionEvent) {
	if event.Sequence > s.LastSequence {
		s.LastSequence = event.Sequence
	}
	s.UpdatedAt = event.OccurredAt

	switch event.Type {
	case EventRunCancelled:
		s.Status = RunCancelled
		return
	case EventRunCompleted:
		if s.Status != RunCancelled {
			s.Status = RunCompleted
		}
		return
	case EventNodeResultDiscarded:
		s.Discarded++
		return
	}

	if event.NodeID == "" {
		return
	}
	node := s.node(event.NodeID)
	node.UpdatedAt = event.OccurredAt

	switch event.Type {
	case EventNodeDispatched:
		node.Status = NodeDispatched
		node.Attempt = event.Attempt()
		node.ExecutionID = event.ExecutionID()
		node.ExpiresAt = event.Time(DataExpiresAt)
		node.RetryAt = time.Time{}
		node.RetryTask = nil
	case EventNodeProgress:
		node.Progress++
	case EventNodeCompleted:
		node.Status = NodeCompleted
		node.Attempt = event.Attempt()
		node.ExecutionID = event.ExecutionID()
		node.RetryAt = time.Time{}
		node.RetryTask = nil
		if id := event.ExecutionID(); id != "" {
			s.CompletedExecutions[id] = true
		}
	case EventNodeFailed:
		if !node.Status.Terminal() {
			node.Status = NodeFailed
		}
		node.LastError = event.String(DataError)
	case EventNodeRetryScheduled:
		node.Status = NodeRetrying
		node.RetryAt = event.Time(DataExecuteAt)
		if msg := event.String(DataError); msg != "" {
			node.LastError = msg
		}
		var task NodeExecutionTask
		if err := event.Decode(DataTask, &task); err == nil && task.RunID != "" {
			node.RetryTask = &task
		}
	case EventNodeDeadLettered:
		node.Status = NodeDeadLettered
		node.RetryAt = time.Time{}
		node.RetryTask = nil
		if msg := event.String(DataError); msg != "" {
			node.LastError = msg
		}
	}

	if s.Status == RunRunning || s.Status == RunFailed {
		s.Status = s.deriveStatus()
	}
}

func (s *RunState) deriveStatus() RunStatus {
	for _, node := range s.Nodes {
		if node.Status == NodeDeadLettered {
			return RunFailed
		}
	}
	return RunRunning
}

func (s *RunState) node(nodeID string) *NodeState {
	node, ok := s.Nodes[nodeID]
	if !ok {
		node = &NodeState{NodeID: nodeID, Status: NodePending}
		s.Nodes[nodeID] = node
	}
	return node
}

// InFlight reports whether the node's current attempt was dispatched and its
// token has not yet expired.
func (n *NodeState) InFlight(now time.Time) bool {
	return n.Status == NodeDispatched && now.Before(n.ExpiresAt)
}

func (s *RunState) Node(nodeID string) (*NodeState, bool) {
	node, ok := s.Nodes[nodeID]
	return node, ok
}

func (s *RunState) Cancelled() bool {
	return s.Status == RunCancelled
}

func (s *RunState) Terminal() bool {
	return s.Status == RunCancelled || s.Status == RunCompleted
}

func (s *RunState) ExecutionCompleted(executionID string) bool {
	return s.CompletedExecutions[executionID]
}

// PendingRetries lists the retry queue entries still owed for this run.
// Cancelled and completed runs owe none.
func (s *RunState) PendingRetries() []RetryQueueEntry {
	if s.Terminal() {
		return nil
	}
	var entries []RetryQueueEntry
	for _, node := range s.Nodes {
		if node.Status != NodeRetrying || node.RetryTask == nil {
			continue
		}
		entries = append(entries, RetryQueueEntry{
			RunID:     s.RunID,
			NodeID:    node.NodeID,
			ExecuteAt: node.RetryAt,
			Task:      *node.RetryTask,
		})
	}
	return entries
}

// Decode converts a data value into out, whether it is still the original Go
// value or a map produced by a JSON round trip.
func (e ExecutionEvent) Decode(key string, out interface{}) error {
	raw, ok := e.Data[key]
	if !ok {
		return ErrNotFound
	}
	return xjson.Convert(raw, out)
}

// RetryQueueEntry holds the next attempt to dispatch for a node. At most one
// entry exists per (run, node).
type RetryQueueEntry struct {
	RunID     string            `json:"runId"`
	NodeID    string            `json:"nodeId"`
	ExecuteAt time.Time         `json:"executeAt"`
	Task      NodeExecutionTask `json:"task"`
}

func (e RetryQueueEntry) Key() string {
	return NodeKey(e.RunID, e.NodeID)
}

func (e RetryQueueEntry) Due(now time.Time) bool {
	return !now.Before(e.ExecuteAt)
}

type Lock struct {
	Key        string    `json:"key"`
	OwnerToken string    `json:"ownerToken"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
