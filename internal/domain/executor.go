package domain

import (
	"time"
)

type ExecutionMode string

const (
	ModeSync   ExecutionMode = "SYNC"
	ModeAsync  ExecutionMode = "ASYNC"
	ModeStream ExecutionMode = "STREAM"
)

type TransportKind string

const (
	TransportREST         TransportKind = "REST"
	TransportGRPC         TransportKind = "GRPC"
	TransportMessageQueue TransportKind = "MESSAGE_QUEUE"
	TransportInProcess    TransportKind = "IN_PROCESS"
)

func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeStream:
		return true
	}
	return false
}

func (k TransportKind) Valid() bool {
	switch k {
	case TransportREST, TransportGRPC, TransportMessageQueue, TransportInProcess:
		return true
	}
	return false
}

type ExecutorMetadata struct {
	Language       string `json:"language,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
	TimeoutMs      int64  `json:"timeoutMs,omitempty"`
}

// ExecutorDescriptor is read-only from the scheduler's point of view; the
// registry hands out copies.
type ExecutorDescriptor struct {
	ExecutorID    string           `json:"executorId"`
	ExecutorType  string           `json:"executorType,omitempty"`
	NodeTypes     []string         `json:"supportedNodeTypes"`
	Capabilities  []string         `json:"capabilities,omitempty"`
	Mode          ExecutionMode    `json:"mode"`
	Transport     TransportKind    `json:"protocol"`
	Endpoint      string           `json:"endpoint"`
	Metadata      ExecutorMetadata `json:"metadata"`
	RegisteredAt  time.Time        `json:"registeredAt"`
	LastHeartbeat time.Time        `json:"lastHeartbeat"`
}

func (d ExecutorDescriptor) Supports(nodeType string) bool {
	for _, t := range d.NodeTypes {
		if t == nodeType || t == "*" {
			return true
		}
	}
	return false
}

func (d ExecutorDescriptor) Healthy(now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		return true
	}
	return now.Sub(d.LastHeartbeat) <= staleAfter
}

func (d ExecutorDescriptor) Timeout() time.Duration {
	return time.Duration(d.Metadata.TimeoutMs) * time.Millisecond
}

func (d ExecutorDescriptor) Clone() ExecutorDescriptor {
	c := d
	c.NodeTypes = append([]string(nil), d.NodeTypes...)
	c.Capabilities = append([]string(nil), d.Capabilities...)
	return c
}

func (d ExecutorDescriptor) Validate() error {
	if d.ExecutorID == "" {
		return NewValidationError("executor id is required", ErrInvalidInput, WithComponent("registry"))
	}
	if len(d.NodeTypes) == 0 {
		return NewValidationError("supported node types are required", ErrInvalidInput, WithComponent("registry")).
			WithExecutorID(d.ExecutorID)
	}
	if !d.Mode.Valid() {
		return NewValidationError("invalid execution mode "+string(d.Mode), ErrInvalidInput, WithComponent("registry")).
			WithExecutorID(d.ExecutorID)
	}
	if !d.Transport.Valid() {
		return NewValidationError("invalid transport "+string(d.Transport), ErrInvalidInput, WithComponent("registry")).
			WithExecutorID(d.ExecutorID)
	}
	if d.Endpoint == "" {
		return NewValidationError("endpoint is required", ErrInvalidInput, WithComponent("registry")).
			WithExecutorID(d.ExecutorID)
	}
	return nil
}
