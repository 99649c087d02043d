package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/xjson"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testContract(mode domain.ExecutionMode, kind domain.TransportKind, endpoint string) *domain.ExecutionContract {
	now := time.Now()
	return &domain.ExecutionContract{
		ExecutionID:   domain.ExecutionIDFor("run-1", "node-A", 1),
		WorkflowRunID: "run-1",
		Attempt:       1,
		Node:          domain.NodeDescriptor{NodeID: "node-A", NodeType: "http"},
		Executor:      domain.ContractExecutor{ExecutorID: "exec-1", Endpoint: endpoint, Transport: kind},
		Mode:          mode,
		Inputs:        map[string]interface{}{"url": "https://example.com"},
		Context:       domain.ExecutionContext{TenantID: "tenant-a", RequestID: "req-1"},
		Trace:         domain.TraceMetadata{TraceID: "trace-1"},
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Minute),
	}
}

func successFor(contract *domain.ExecutionContract) *domain.ExecutionResult {
	return &domain.ExecutionResult{
		ExecutionID: contract.ExecutionID,
		Status:      domain.StatusSuccess,
		Outputs:     map[string]interface{}{"status": float64(200)},
		CompletedAt: time.Now(),
	}
}

func TestRESTTransport_SyncExecute(t *testing.T) {
	var seenTenant, seenExecution string
	router := gin.New()
	router.POST(PathExecute, func(c *gin.Context) {
		seenTenant = c.GetHeader(HeaderTenantID)
		seenExecution = c.GetHeader(HeaderExecutionID)
		var contract domain.ExecutionContract
		require.NoError(t, c.ShouldBindJSON(&contract))
		c.JSON(http.StatusOK, successFor(&contract))
	})
	server := httptest.NewServer(router)
	defer server.Close()

	transport := NewRESTTransport(domain.DefaultTransportConfig(), nil, nil)
	contract := testContract(domain.ModeSync, domain.TransportREST, server.URL)

	result, err := transport.Send(context.Background(), contract, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, result.Status)
	assert.Equal(t, contract.ExecutionID, result.ExecutionID)
	assert.Equal(t, "tenant-a", seenTenant)
	assert.Equal(t, contract.ExecutionID, seenExecution)
}

func TestRESTTransport_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		sentinel  error
		retryable bool
	}{
		{"bad request is a rejection", http.StatusBadRequest, domain.ErrExecutorRejected, false},
		{"gone means expired", http.StatusGone, domain.ErrContractExpired, false},
		{"throttled is retryable", http.StatusTooManyRequests, nil, true},
		{"server error is retryable", http.StatusInternalServerError, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, "nope")
			}))
			defer server.Close()

			transport := NewRESTTransport(domain.DefaultTransportConfig(), nil, nil)
			_, err := transport.Send(context.Background(), testContract(domain.ModeSync, domain.TransportREST, server.URL), nil)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, domain.IsRetryableError(err))
			if tt.sentinel != nil {
				assert.True(t, errors.Is(err, tt.sentinel))
			}
		})
	}
}

func TestRESTTransport_MismatchedExecutionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"executionId":"someone-else","status":"SUCCESS"}`)
	}))
	defer server.Close()

	transport := NewRESTTransport(domain.DefaultTransportConfig(), nil, nil)
	_, err := transport.Send(context.Background(), testContract(domain.ModeSync, domain.TransportREST, server.URL), nil)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryTransport, domain.GetErrorCategory(err))
}

func TestRESTTransport_OversizedResponseIsNotRetryable(t *testing.T) {
	blob := strings.Repeat("x", 1024*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == PathStream {
			fmt.Fprintf(w, "{\"progress\":{\"message\":%q}}\n", blob)
			return
		}
		fmt.Fprintf(w, `{"executionId":%q,"status":"SUCCESS","outputs":{"blob":%q}}`, r.Header.Get(HeaderExecutionID), blob)
	}))
	defer server.Close()

	config := domain.DefaultTransportConfig()
	config.MaxMessageSizeMB = 1
	transport := NewRESTTransport(config, nil, nil)

	for _, mode := range []domain.ExecutionMode{domain.ModeSync, domain.ModeStream} {
		t.Run(string(mode), func(t *testing.T) {
			_, err := transport.Send(context.Background(), testContract(mode, domain.TransportREST, server.URL), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrResponseTooLarge)
			assert.False(t, domain.IsRetryableError(err))
		})
	}
}

func TestRESTTransport_StreamForwardsProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var contract domain.ExecutionContract
		require.NoError(t, xjson.NewDecoder(r.Body).Decode(&contract))
		enc := xjson.NewEncoder(w)
		for i := 1; i <= 2; i++ {
			require.NoError(t, enc.Encode(StreamFrame{Progress: &domain.Progress{Sequence: i, Percent: float64(i * 50)}}))
		}
		require.NoError(t, enc.Encode(StreamFrame{Result: successFor(&contract)}))
	}))
	defer server.Close()

	var mu sync.Mutex
	var seen []domain.Progress
	transport := NewRESTTransport(domain.DefaultTransportConfig(), nil, nil)
	contract := testContract(domain.ModeStream, domain.TransportREST, server.URL)

	result, err := transport.Send(context.Background(), contract, func(p domain.Progress) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	require.Len(t, seen, 2)
	assert.Equal(t, contract.ExecutionID, seen[0].ExecutionID)
	assert.Equal(t, 2, seen[1].Sequence)
}

func TestRESTTransport_StreamWithoutResultFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = xjson.NewEncoder(w).Encode(StreamFrame{Progress: &domain.Progress{Sequence: 1}})
	}))
	defer server.Close()

	transport := NewRESTTransport(domain.DefaultTransportConfig(), nil, nil)
	_, err := transport.Send(context.Background(), testContract(domain.ModeStream, domain.TransportREST, server.URL), nil)
	require.Error(t, err)
	assert.True(t, domain.IsRetryableError(err))
}

func TestRESTTransport_AsyncUsesCallback(t *testing.T) {
	correlator := NewCorrelator(nil)
	callbackRouter := gin.New()
	NewCallbackHandler(correlator).RegisterRoutes(callbackRouter)
	callbackServer := httptest.NewServer(callbackRouter)
	defer callbackServer.Close()

	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathSubmit, r.URL.Path)
		callback := r.Header.Get(HeaderCallbackURL)
		var contract domain.ExecutionContract
		require.NoError(t, xjson.NewDecoder(r.Body).Decode(&contract))
		w.WriteHeader(http.StatusAccepted)

		go func() {
			payload, _ := xjson.Marshal(successFor(&contract))
			resp, err := http.Post(callback, "application/json", bytes.NewReader(payload))
			if err == nil {
				resp.Body.Close()
			}
		}()
	}))
	defer executor.Close()

	config := domain.DefaultTransportConfig()
	config.CallbackAddr = callbackServer.URL
	transport := NewRESTTransport(config, correlator, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := transport.Send(ctx, testContract(domain.ModeAsync, domain.TransportREST, executor.URL), nil)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, correlator.Pending())
}

func TestRESTTransport_AsyncWithoutCallbackIsConfigError(t *testing.T) {
	transport := NewRESTTransport(domain.DefaultTransportConfig(), NewCorrelator(nil), nil)
	_, err := transport.Send(context.Background(), testContract(domain.ModeAsync, domain.TransportREST, "http://127.0.0.1:1"), nil)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryConfiguration, domain.GetErrorCategory(err))
}

func TestCallbackHandler_RejectsMissingExecutionID(t *testing.T) {
	router := gin.New()
	NewCallbackHandler(NewCorrelator(nil)).RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, PathResults, bytes.NewBufferString(`{"status":"SUCCESS"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
