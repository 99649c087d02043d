package executorhost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/eleven-am/dispatch/internal/adapters/transport"
	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// CallbackReporter posts ASYNC results to the callback address the
// dispatcher sent along with the contract.
type CallbackReporter struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func NewCallbackReporter(client *http.Client, logger *slog.Logger) *CallbackReporter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackReporter{
		client:   client,
		attempts: 3,
		backoff:  100 * time.Millisecond,
		logger:   logger.With("component", "callback-reporter"),
	}
}

func (r *CallbackReporter) Report(ctx context.Context, url string, result *domain.ExecutionResult) error {
	payload, err := xjson.Marshal(result)
	if err != nil {
		return domain.NewInternalError("failed to encode result", err, domain.WithComponent("executorhost"))
	}

	delay := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		lastErr = r.post(ctx, url, result.ExecutionID, payload)
		if lastErr == nil {
			return nil
		}
		if !domain.IsRetryableError(lastErr) || attempt == r.attempts {
			break
		}
		r.logger.Debug("callback failed, retrying", "execution_id", result.ExecutionID, "attempt", attempt, "error", lastErr)
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.logger.Error("result callback failed", "execution_id", result.ExecutionID, "url", url, "error", lastErr)
	return lastErr
}

func (r *CallbackReporter) post(ctx context.Context, url, executionID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.NewValidationError("invalid callback address", err, domain.WithComponent("executorhost"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(transport.HeaderExecutionID, executionID)

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.NewTransportError("callback request failed", err, domain.WithComponent("executorhost"))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return domain.NewTransportError(fmt.Sprintf("callback returned %d", resp.StatusCode), nil,
			domain.WithComponent("executorhost"),
			domain.WithRetryable(resp.StatusCode >= 500))
	}
	return nil
}
