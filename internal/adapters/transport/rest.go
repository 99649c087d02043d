package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// RESTTransport speaks JSON over HTTP. SYNC posts to /execute, STREAM reads
// NDJSON frames from /stream and ASYNC posts to /submit and waits for the
// executor to call back.
type RESTTransport struct {
	client      *http.Client
	correlator  *Correlator
	callbackURL string
	maxBytes    int64
	logger      *slog.Logger
}

type RESTOption func(*RESTTransport)

func WithHTTPClient(client *http.Client) RESTOption {
	return func(r *RESTTransport) { r.client = client }
}

func NewRESTTransport(config domain.TransportConfig, correlator *Correlator, logger *slog.Logger, opts ...RESTOption) *RESTTransport {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := int64(config.MaxMessageSizeMB) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	r := &RESTTransport{
		client:      &http.Client{Timeout: timeout},
		correlator:  correlator,
		callbackURL: config.CallbackAddr,
		maxBytes:    maxBytes,
		logger:      logger.With("component", "transport", "adapter", "rest"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RESTTransport) Kind() domain.TransportKind {
	return domain.TransportREST
}

func (r *RESTTransport) Send(ctx context.Context, contract *domain.ExecutionContract, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
	switch contract.Mode {
	case domain.ModeStream:
		return r.stream(ctx, contract, progress)
	case domain.ModeAsync:
		return r.submit(ctx, contract)
	default:
		return r.execute(ctx, contract)
	}
}

func (r *RESTTransport) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *RESTTransport) execute(ctx context.Context, contract *domain.ExecutionContract) (*domain.ExecutionResult, error) {
	resp, err := r.post(ctx, contract, PathExecute, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, newSendError(domain.TransportREST, contract.Executor.Endpoint, "failed to read response", err, domain.WithRetryable(true))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(contract.Executor.Endpoint, resp.StatusCode, body)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, r.tooLarge(contract)
	}

	var result domain.ExecutionResult
	if err := xjson.Unmarshal(body, &result); err != nil {
		return nil, newSendError(domain.TransportREST, contract.Executor.Endpoint, "failed to decode result", err, domain.WithRetryable(true))
	}
	return checkResult(domain.TransportREST, contract, &result)
}

func (r *RESTTransport) stream(ctx context.Context, contract *domain.ExecutionContract, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
	resp, err := r.post(ctx, contract, PathStream, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(contract.Executor.Endpoint, resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(r.maxBytes))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame StreamFrame
		if err := xjson.Unmarshal(line, &frame); err != nil {
			return nil, newSendError(domain.TransportREST, contract.Executor.Endpoint, "failed to decode stream frame", err, domain.WithRetryable(true))
		}
		if frame.Result != nil {
			return checkResult(domain.TransportREST, contract, frame.Result)
		}
		if frame.Progress != nil && progress != nil {
			if frame.Progress.ExecutionID == "" {
				frame.Progress.ExecutionID = contract.ExecutionID
			}
			progress(*frame.Progress)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, r.tooLarge(contract)
		}
		return nil, newSendError(domain.TransportREST, contract.Executor.Endpoint, "stream interrupted", err, domain.WithRetryable(true))
	}
	return nil, newSendError(domain.TransportREST, contract.Executor.Endpoint, "stream ended without a result", nil, domain.WithRetryable(true))
}

func (r *RESTTransport) submit(ctx context.Context, contract *domain.ExecutionContract) (*domain.ExecutionResult, error) {
	if r.correlator == nil || r.callbackURL == "" {
		return nil, domain.NewConfigurationError("async REST dispatch needs a callback address", domain.ErrInvalidConfig,
			domain.WithComponent("transport.REST"))
	}
	ch, err := r.correlator.Expect(contract.ExecutionID)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{HeaderCallbackURL: joinURL(r.callbackURL, PathResults)}
	resp, err := r.post(ctx, contract, PathSubmit, headers)
	if err != nil {
		r.correlator.Cancel(contract.ExecutionID)
		return nil, err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.correlator.Cancel(contract.ExecutionID)
		return nil, statusError(contract.Executor.Endpoint, resp.StatusCode, body)
	}

	r.logger.Debug("contract submitted", "execution_id", contract.ExecutionID, "endpoint", contract.Executor.Endpoint)
	result, err := r.correlator.Await(ctx, contract.ExecutionID, ch)
	if err != nil {
		return nil, err
	}
	return checkResult(domain.TransportREST, contract, result)
}

// tooLarge reports a response over the configured size limit. It is not
// retryable.
func (r *RESTTransport) tooLarge(contract *domain.ExecutionContract) error {
	return newSendError(domain.TransportREST, contract.Executor.Endpoint, "response too large", domain.ErrResponseTooLarge, domain.WithRetryable(false)).
		WithContext("limit_bytes", r.maxBytes)
}

func (r *RESTTransport) post(ctx context.Context, contract *domain.ExecutionContract, path string, extra map[string]string) (*http.Response, error) {
	payload, err := xjson.Marshal(contract)
	if err != nil {
		return nil, newSendError(domain.TransportREST, contract.Executor.Endpoint, "failed to encode contract", err, domain.WithRetryable(false))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(contract.Executor.Endpoint, path), bytes.NewReader(payload))
	if err != nil {
		return nil, newSendError(domain.TransportREST, contract.Executor.Endpoint, "failed to build request", err, domain.WithRetryable(false))
	}
	for k, v := range contract.Context.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderExecutionID, contract.ExecutionID)
	setIfPresent(req.Header, HeaderTenantID, contract.Context.TenantID)
	setIfPresent(req.Header, HeaderRequestID, contract.Context.RequestID)
	setIfPresent(req.Header, HeaderTraceID, contract.Trace.TraceID)
	setIfPresent(req.Header, HeaderSpanID, contract.Trace.SpanID)
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, newSendError(domain.TransportREST, contract.Executor.Endpoint, "request failed", err, domain.WithRetryable(true))
	}
	return resp, nil
}

func setIfPresent(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}
