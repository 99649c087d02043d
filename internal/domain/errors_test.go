package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorShape(t *testing.T) {
	cause := errors.New("attempt must be >= 1")
	err := NewValidationError("task rejected", cause)

	assert.Equal(t, CategoryValidation, err.Category)
	assert.Equal(t, SeverityError, err.Severity)
	assert.Equal(t, "VALIDATION_INVALID", err.Code)
	assert.True(t, err.UserFacing)
	assert.False(t, err.Retryable)
	assert.Same(t, cause, err.Unwrap())
}

func TestErrorContextBuilders(t *testing.T) {
	err := NewTransportError("connection failed", nil).
		WithRunID("run-456").
		WithNodeID("node-123").
		WithExecutorID("exec-1").
		WithOperation("send_contract").
		WithContext("endpoint", "http://10.0.0.7:8080")

	assert.Equal(t, "run-456", err.Context.RunID)
	assert.Equal(t, "node-123", err.Context.NodeID)
	assert.Equal(t, "exec-1", err.Context.ExecutorID)
	assert.Equal(t, "send_contract", err.Context.Operation)
	assert.Equal(t, "http://10.0.0.7:8080", err.Context.Details["endpoint"])
}

func TestConstructorsSetCategoryDefaults(t *testing.T) {
	for _, tc := range []struct {
		build      func(string, error, ...ErrorOption) *DomainError
		category   ErrorCategory
		retryable  bool
		userFacing bool
	}{
		{NewValidationError, CategoryValidation, false, true},
		{NewTransportError, CategoryTransport, true, false},
		{NewStorageError, CategoryStorage, true, false},
		{NewLockError, CategoryLock, false, false},
		{NewTimeoutError, CategoryTimeout, true, false},
		{NewConfigurationError, CategoryConfiguration, false, true},
		{NewResolutionError, CategoryResolution, true, false},
		{NewExecutorError, CategoryExecutor, true, false},
		{NewExpiredError, CategoryExpired, false, false},
		{NewInternalError, CategoryInternal, false, false},
	} {
		t.Run(string(tc.category), func(t *testing.T) {
			err := tc.build("dispatch to exec-1", nil)
			assert.Equal(t, tc.category, err.Category)
			assert.Equal(t, tc.retryable, err.Retryable, "retryable")
			assert.Equal(t, tc.userFacing, err.UserFacing, "user facing")
		})
	}
}

func TestCodeInferredFromMessage(t *testing.T) {
	for _, tc := range []struct {
		category ErrorCategory
		message  string
		code     string
	}{
		{CategoryValidation, "run id is required", "VALIDATION_REQUIRED"},
		{CategoryValidation, "unknown execution mode", "VALIDATION_INVALID"},
		{CategoryTransport, "connection timeout", "TRANSPORT_TIMEOUT"},
		{CategoryTransport, "connection refused", "TRANSPORT_CONNECTION"},
		{CategoryTransport, "bad frame", "TRANSPORT_FAILURE"},
		{CategoryStorage, "event not found", "STORAGE_NOT_FOUND"},
		{CategoryStorage, "sequence conflict on append", "STORAGE_CONFLICT"},
		{CategoryLock, "lock timed out", "LOCK_TIMEOUT"},
		{CategoryResolution, "nothing handles llm nodes", "NO_EXECUTOR"},
		{CategoryExpired, "contract expired", "CONTRACT_EXPIRED"},
		{CategoryInternal, "boom", "INTERNAL_ERROR"},
	} {
		t.Run(tc.code+"/"+tc.message, func(t *testing.T) {
			assert.Equal(t, tc.code, NewDomainErrorWithCategory(tc.category, tc.message, nil).Code)
		})
	}
}

func TestCategoryLookupThroughWrapping(t *testing.T) {
	err := NewValidationError("node id is required", nil)
	wrapped := fmt.Errorf("schedule: %w", err)

	assert.True(t, IsDomainError(wrapped))
	assert.Equal(t, CategoryValidation, GetErrorCategory(wrapped))
	assert.NotNil(t, GetErrorContext(wrapped))

	plain := errors.New("plain")
	assert.Equal(t, CategoryInternal, GetErrorCategory(plain))
	assert.Nil(t, GetErrorContext(plain))
}

func TestErrorIsMatchesCategory(t *testing.T) {
	write := NewStorageError("append failed", nil)
	read := NewStorageError("scan failed", nil)

	assert.ErrorIs(t, write, read)
	assert.NotErrorIs(t, write, NewLockError("lock failed", nil))
	assert.ErrorIs(t, NewStorageError("missing", ErrNotFound), ErrNotFound)
}

func TestErrorString(t *testing.T) {
	err := NewTransportError("send failed", errors.New("reset by peer"), WithComponent("rest-transport"))
	msg := err.Error()

	if !strings.HasPrefix(msg, "[transport:rest-transport] TRANSPORT_FAILURE: send failed") {
		t.Errorf("Unexpected error string %q", msg)
	}
	if !strings.HasSuffix(msg, "reset by peer") {
		t.Errorf("Expected cause in error string, got %q", msg)
	}
}

func TestErrorOptions(t *testing.T) {
	err := NewExecutorError("executor crashed", nil,
		WithCode("EXEC_CRASH"),
		WithRetryable(false),
		WithSeverity(SeverityCritical))

	if err.Code != "EXEC_CRASH" {
		t.Errorf("Expected overridden code, got %s", err.Code)
	}
	if err.Retryable {
		t.Error("Expected retryable override to apply")
	}
	if err.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", err.Severity)
	}
}

func TestErrorCallSite(t *testing.T) {
	err := NewInternalError("where am I", nil)

	if !strings.HasSuffix(err.Context.File, "errors_test.go") {
		t.Errorf("Expected call site in errors_test.go, got %s", err.Context.File)
	}
	if !strings.Contains(err.Context.Function, "TestErrorCallSite") {
		t.Errorf("Expected function name to be captured, got %s", err.Context.Function)
	}
	if time.Since(err.Timestamp) > time.Minute {
		t.Error("Expected timestamp to be set")
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", NewTransportError("send failed", nil), true},
		{"validation", NewValidationError("bad", nil), false},
		{"lock timeout", &LockTimeoutError{Key: "k"}, false},
		{"expired", fmt.Errorf("wrap: %w", ErrContractExpired), false},
		{"foreign timeout", errors.New("i/o timeout"), true},
		{"foreign other", errors.New("permission denied"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryableError(tc.err); got != tc.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestLockTimeoutError(t *testing.T) {
	err := &LockTimeoutError{Key: "lock:node:run-1:node-A", Waited: 2 * time.Second, Attempt: 40}

	if !IsLockTimeout(err) {
		t.Error("Expected IsLockTimeout to match")
	}
	if !errors.Is(fmt.Errorf("sweep: %w", err), ErrLockTimeout) {
		t.Error("Expected wrapped lock timeout to match sentinel")
	}
	if !strings.Contains(err.Error(), "run-1:node-A") {
		t.Errorf("Expected key in message, got %q", err.Error())
	}
}

func TestDispatchErrorRetryableHint(t *testing.T) {
	task := &NodeExecutionTask{RunID: "run-1", NodeID: "node-A", Attempt: 2}

	transport := NewDispatchError(DispatchErrorTransport, task, errors.New("refused"))
	if !transport.Retryable {
		t.Error("Expected transport dispatch errors to be retryable")
	}

	expired := NewDispatchError(DispatchErrorExpired, task, ErrContractExpired)
	if expired.Retryable {
		t.Error("Expected expired dispatch errors to not be retryable")
	}

	found, ok := AsDispatchError(fmt.Errorf("schedule: %w", expired))
	if !ok || found.Kind != DispatchErrorExpired || found.Attempt != 2 {
		t.Errorf("Expected to recover dispatch error through wrapping, got %+v", found)
	}
	if !errors.Is(expired, ErrContractExpired) {
		t.Error("Expected dispatch error to unwrap to its cause")
	}
}
