package transport

import (
	"fmt"
	"net/http"

	"github.com/eleven-am/dispatch/internal/domain"
)

func newSendError(kind domain.TransportKind, endpoint, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := []domain.ErrorOption{domain.WithComponent("transport." + string(kind))}
	merged = append(merged, opts...)
	return domain.NewTransportError(message, cause, merged...).
		WithOperation("send").
		WithContext("endpoint", endpoint)
}

// statusError classifies a non-2xx executor response. 4xx responses other
// than 408 and 429 mean the executor refused the contract and resending it
// will not help.
func statusError(endpoint string, status int, body []byte) *domain.DomainError {
	msg := fmt.Sprintf("executor responded %d", status)
	if len(body) > 0 {
		msg += ": " + truncate(string(body), 256)
	}
	switch {
	case status == http.StatusGone:
		return newSendError(domain.TransportREST, endpoint, msg, domain.ErrContractExpired, domain.WithRetryable(false))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return newSendError(domain.TransportREST, endpoint, msg, nil, domain.WithRetryable(true))
	case status >= 400 && status < 500:
		return newSendError(domain.TransportREST, endpoint, msg, domain.ErrExecutorRejected, domain.WithRetryable(false))
	default:
		return newSendError(domain.TransportREST, endpoint, msg, nil, domain.WithRetryable(true))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
