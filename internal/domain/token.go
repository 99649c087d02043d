package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var executionNamespace = uuid.MustParse("6f1c2b8e-3d4a-5b6c-9e0f-a1b2c3d4e5f6")

// ExecutionToken is a time-bounded lease on exactly one (run, node, attempt).
type ExecutionToken struct {
	TokenID     string    `json:"tokenId"`
	RunID       string    `json:"runId"`
	NodeID      string    `json:"nodeId"`
	Attempt     int       `json:"attempt"`
	ExecutionID string    `json:"executionId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ExecutionIDFor is stable per attempt so re-deliveries of the same attempt
// can be recognised by executors.
func ExecutionIDFor(runID, nodeID string, attempt int) string {
	return uuid.NewSHA1(executionNamespace, []byte(fmt.Sprintf("%s:%s:%d", runID, nodeID, attempt))).String()
}

func MintToken(runID, nodeID string, attempt int, now time.Time, ttl time.Duration) *ExecutionToken {
	return &ExecutionToken{
		TokenID:     uuid.New().String(),
		RunID:       runID,
		NodeID:      nodeID,
		Attempt:     attempt,
		ExecutionID: ExecutionIDFor(runID, nodeID, attempt),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
}

func (t *ExecutionToken) Expired(now time.Time) bool {
	return t == nil || !now.Before(t.ExpiresAt)
}

func (t *ExecutionToken) Matches(runID, nodeID string, attempt int) bool {
	return t != nil && t.RunID == runID && t.NodeID == nodeID && t.Attempt == attempt
}
