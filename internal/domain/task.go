package domain

import (
	"fmt"
	"time"

	"dario.cat/mergo"
)

// ExecutionContext carries tenant and request scope explicitly through the
// dispatch path.
type ExecutionContext struct {
	TenantID   string                 `json:"tenantId,omitempty"`
	RequestID  string                 `json:"requestId,omitempty"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
	SecretsRef string                 `json:"secretsRef,omitempty"`
	Headers    map[string]string      `json:"headers,omitempty"`
}

type TraceMetadata struct {
	TraceID      string            `json:"traceId,omitempty"`
	SpanID       string            `json:"spanId,omitempty"`
	ParentSpanID string            `json:"parentSpanId,omitempty"`
	Baggage      map[string]string `json:"baggage,omitempty"`
}

type NodeDescriptor struct {
	NodeID   string                 `json:"nodeId"`
	NodeType string                 `json:"nodeType"`
	Name     string                 `json:"name,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NodeExecutionTask is one attempt at running a node. Tasks are values: a
// retry produces a new task through NextAttempt.
type NodeExecutionTask struct {
	RunID       string                 `json:"runId"`
	Node        NodeDescriptor         `json:"node"`
	NodeID      string                 `json:"nodeId"`
	Attempt     int                    `json:"attempt"`
	Token       *ExecutionToken        `json:"executionToken,omitempty"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Context     ExecutionContext       `json:"context"`
	Trace       TraceMetadata          `json:"trace"`
	RetryPolicy RetryPolicy            `json:"retryPolicy"`
	Timeout     time.Duration          `json:"timeout,omitempty"`
}

func (t NodeExecutionTask) Key() string {
	return ActiveTaskKey(t.RunID, t.NodeID, t.Attempt)
}

func (t NodeExecutionTask) NodeKey() string {
	return NodeKey(t.RunID, t.NodeID)
}

func (t NodeExecutionTask) Validate() error {
	if t.RunID == "" {
		return NewValidationError("run id is required", ErrInvalidInput, WithComponent("task"))
	}
	if t.NodeID == "" {
		return NewValidationError("node id is required", ErrInvalidInput, WithComponent("task"))
	}
	if t.Node.NodeType == "" {
		return NewValidationError("node type is required", ErrInvalidInput, WithComponent("task")).
			WithRunID(t.RunID).WithNodeID(t.NodeID)
	}
	if t.Attempt < 1 {
		return NewValidationError(fmt.Sprintf("attempt must be >= 1, got %d", t.Attempt), ErrInvalidInput, WithComponent("task")).
			WithRunID(t.RunID).WithNodeID(t.NodeID)
	}
	return nil
}

// MergedContext returns the inputs overlaid with the node config; config
// keys win on conflict.
func (t NodeExecutionTask) MergedContext() (map[string]interface{}, error) {
	merged := CloneMap(t.Inputs)
	if merged == nil {
		merged = make(map[string]interface{})
	}
	if len(t.Config) == 0 {
		return merged, nil
	}
	if err := mergo.Merge(&merged, CloneMap(t.Config), mergo.WithOverride); err != nil {
		return nil, NewValidationError("failed to merge inputs with config", err).
			WithRunID(t.RunID).WithNodeID(t.NodeID)
	}
	return merged, nil
}

// NextAttempt returns a copy of the task for attempt+1 carrying the given
// token. The receiver is left untouched.
func (t NodeExecutionTask) NextAttempt(token *ExecutionToken) NodeExecutionTask {
	next := t.clone()
	next.Attempt = t.Attempt + 1
	next.Token = token
	return next
}

func (t NodeExecutionTask) WithToken(token *ExecutionToken) NodeExecutionTask {
	next := t.clone()
	next.Token = token
	return next
}

func (t NodeExecutionTask) clone() NodeExecutionTask {
	c := t
	c.Inputs = CloneMap(t.Inputs)
	c.Config = CloneMap(t.Config)
	c.Node.Metadata = CloneMap(t.Node.Metadata)
	c.Context.Variables = CloneMap(t.Context.Variables)
	c.Context.Headers = cloneStrings(t.Context.Headers)
	c.Trace.Baggage = cloneStrings(t.Trace.Baggage)
	return c
}

// CloneMap deep-copies nested maps and slices; scalar values are shared.
func CloneMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		return cloneStrings(val)
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

func cloneStrings(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
