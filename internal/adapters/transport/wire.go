package transport

import (
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// HTTP surface shared by the REST transport and executor hosts.
const (
	PathExecute = "/execute"
	PathStream  = "/stream"
	PathSubmit  = "/submit"
	PathResults = "/results"

	HeaderExecutionID = "X-Execution-Id"
	HeaderCallbackURL = "X-Callback-Url"
	HeaderTenantID    = "X-Tenant-Id"
	HeaderRequestID   = "X-Request-Id"
	HeaderTraceID     = "X-Trace-Id"
	HeaderSpanID      = "X-Span-Id"
)

// Message headers used on the queue transport.
const (
	MessageHeaderReplyTo    = "reply-to"
	MessageHeaderProgressTo = "progress-to"
	MessageHeaderMode       = "mode"
)

// StreamFrame is one line of an NDJSON stream or one gRPC stream message.
// Exactly one field is set.
type StreamFrame struct {
	Progress *domain.Progress        `json:"progress,omitempty"`
	Result   *domain.ExecutionResult `json:"result,omitempty"`
}

type SubmitAck struct {
	Accepted    bool   `json:"accepted"`
	ExecutionID string `json:"executionId"`
}

func ResultsTopic(endpoint string) string {
	return endpoint + ".results"
}

func ProgressTopic(endpoint string) string {
	return endpoint + ".progress"
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// ToStruct converts any JSON-shaped value into a protobuf Struct.
func ToStruct(v interface{}) (*structpb.Struct, error) {
	data, err := xjson.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromStruct decodes a protobuf Struct into out through its JSON form.
func FromStruct(s *structpb.Struct, out interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return xjson.Unmarshal(data, out)
}

// checkResult ties a returned result to the contract it answers.
func checkResult(kind domain.TransportKind, contract *domain.ExecutionContract, result *domain.ExecutionResult) (*domain.ExecutionResult, error) {
	if result == nil {
		return nil, newSendError(kind, contract.Executor.Endpoint, "executor returned no result", nil, domain.WithRetryable(true))
	}
	if result.ExecutionID == "" {
		result.ExecutionID = contract.ExecutionID
	}
	if result.ExecutionID != contract.ExecutionID {
		return nil, newSendError(kind, contract.Executor.Endpoint, "result execution id does not match contract", nil,
			domain.WithRetryable(true)).
			WithContext("execution_id", contract.ExecutionID).
			WithContext("result_execution_id", result.ExecutionID)
	}
	if result.Status == "" {
		result.Status = domain.StatusFailed
	}
	return result, nil
}
