package domain

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrTimeout           = errors.New("operation timeout")
	ErrClosed            = errors.New("component closed")
	ErrAlreadyStarted    = errors.New("already started")
	ErrNotStarted        = errors.New("not started")
	ErrNotLeader         = errors.New("not the raft leader")
	ErrLockTimeout       = errors.New("lock acquisition timed out")
	ErrNoExecutor        = errors.New("no executor available for node")
	ErrContractExpired   = errors.New("execution contract expired")
	ErrDuplicateDelivery = errors.New("duplicate execution delivery")
	ErrRunCancelled      = errors.New("workflow run cancelled")
	ErrUnknownTransport  = errors.New("unknown transport")
	ErrExecutorRejected  = errors.New("executor rejected contract")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrResponseTooLarge  = errors.New("response exceeds size limit")
)

type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryTransport     ErrorCategory = "transport"
	CategoryStorage       ErrorCategory = "storage"
	CategoryLock          ErrorCategory = "lock"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResolution    ErrorCategory = "resolution"
	CategoryExecutor      ErrorCategory = "executor"
	CategoryExpired       ErrorCategory = "expired"
	CategoryInternal      ErrorCategory = "internal"
)

type ErrorSeverity string

const (
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

type ErrorContext struct {
	Component  string
	Operation  string
	RunID      string
	NodeID     string
	ExecutorID string
	Details    map[string]interface{}
	File       string
	Line       int
	Function   string
}

// DomainError is the structured error carried across package boundaries.
type DomainError struct {
	Category   ErrorCategory
	Severity   ErrorSeverity
	Code       string
	Message    string
	Retryable  bool
	UserFacing bool
	Timestamp  time.Time
	Context    ErrorContext
	Cause      error
}

type ErrorOption func(*DomainError)

func WithCode(code string) ErrorOption {
	return func(e *DomainError) { e.Code = code }
}

func WithRetryable(retryable bool) ErrorOption {
	return func(e *DomainError) { e.Retryable = retryable }
}

func WithSeverity(severity ErrorSeverity) ErrorOption {
	return func(e *DomainError) { e.Severity = severity }
}

func WithComponent(component string) ErrorOption {
	return func(e *DomainError) { e.Context.Component = component }
}

func (e *DomainError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Category))
	if e.Context.Component != "" {
		b.WriteString(":")
		b.WriteString(e.Context.Component)
	}
	b.WriteString("] ")
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches any DomainError of the same category.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if errors.As(target, &other) {
		return other.Category == e.Category
	}
	return false
}

func (e *DomainError) WithRunID(runID string) *DomainError {
	e.Context.RunID = runID
	return e
}

func (e *DomainError) WithNodeID(nodeID string) *DomainError {
	e.Context.NodeID = nodeID
	return e
}

func (e *DomainError) WithExecutorID(executorID string) *DomainError {
	e.Context.ExecutorID = executorID
	return e
}

func (e *DomainError) WithOperation(operation string) *DomainError {
	e.Context.Operation = operation
	return e
}

func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context.Details == nil {
		e.Context.Details = make(map[string]interface{})
	}
	e.Context.Details[key] = value
	return e
}

func NewDomainErrorWithCategory(category ErrorCategory, message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(category, message, cause, opts...)
}

func newDomainError(category ErrorCategory, message string, cause error, opts ...ErrorOption) *DomainError {
	err := &DomainError{
		Category:   category,
		Severity:   SeverityError,
		Message:    message,
		Retryable:  defaultRetryable(category),
		UserFacing: defaultUserFacing(category),
		Timestamp:  time.Now(),
		Cause:      cause,
	}
	err.Code = inferCode(category, message)
	captureCallSite(err, 3)

	for _, opt := range opts {
		opt(err)
	}
	return err
}

func captureCallSite(err *DomainError, skip int) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return
	}
	err.Context.File = file
	err.Context.Line = line
	if fn := runtime.FuncForPC(pc); fn != nil {
		err.Context.Function = fn.Name()
	}
}

func NewValidationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryValidation, message, cause, opts...)
}

func NewTransportError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryTransport, message, cause, opts...)
}

func NewStorageError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryStorage, message, cause, opts...)
}

func NewLockError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryLock, message, cause, opts...)
}

func NewTimeoutError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryTimeout, message, cause, opts...)
}

func NewConfigurationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryConfiguration, message, cause, opts...)
}

func NewResolutionError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryResolution, message, cause, opts...)
}

func NewExecutorError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryExecutor, message, cause, opts...)
}

func NewExpiredError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryExpired, message, cause, opts...)
}

func NewInternalError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryInternal, message, cause, opts...)
}

func defaultRetryable(category ErrorCategory) bool {
	switch category {
	case CategoryTransport, CategoryTimeout, CategoryResolution, CategoryExecutor, CategoryStorage:
		return true
	default:
		return false
	}
}

func defaultUserFacing(category ErrorCategory) bool {
	switch category {
	case CategoryValidation, CategoryConfiguration:
		return true
	default:
		return false
	}
}

func inferCode(category ErrorCategory, message string) string {
	msg := strings.ToLower(message)
	prefix := strings.ToUpper(string(category))

	switch category {
	case CategoryValidation:
		if strings.Contains(msg, "required") || strings.Contains(msg, "empty") {
			return prefix + "_REQUIRED"
		}
		return prefix + "_INVALID"
	case CategoryTransport:
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
			return prefix + "_TIMEOUT"
		}
		if strings.Contains(msg, "refused") || strings.Contains(msg, "connect") {
			return prefix + "_CONNECTION"
		}
		return prefix + "_FAILURE"
	case CategoryStorage:
		if strings.Contains(msg, "not found") {
			return prefix + "_NOT_FOUND"
		}
		if strings.Contains(msg, "conflict") {
			return prefix + "_CONFLICT"
		}
		return prefix + "_FAILURE"
	case CategoryLock:
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
			return prefix + "_TIMEOUT"
		}
		return prefix + "_FAILURE"
	case CategoryResolution:
		return "NO_EXECUTOR"
	case CategoryExpired:
		return "CONTRACT_EXPIRED"
	default:
		return prefix + "_ERROR"
	}
}

func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

func GetErrorCategory(err error) ErrorCategory {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Category
	}
	return CategoryInternal
}

func GetErrorContext(err error) *ErrorContext {
	var de *DomainError
	if errors.As(err, &de) {
		return &de.Context
	}
	return nil
}

// IsRetryableError falls back to message sniffing for errors that did not
// originate in this module.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	if errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrContractExpired) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "unavailable")
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// LockTimeoutError is returned when mutual exclusion could not be obtained
// before the caller's deadline.
type LockTimeoutError struct {
	Key     string
	Waited  time.Duration
	Attempt int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %q not acquired after %s (%d attempts)", e.Key, e.Waited, e.Attempt)
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}

func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}
