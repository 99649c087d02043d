package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
	"github.com/eleven-am/dispatch/internal/xjson"
)

type Health struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type HealthChecker interface {
	Health(ctx context.Context) Health
}

// Snapshot is everything /metrics reports besides the Go runtime.
type Snapshot struct {
	Scheduler       domain.SchedulerMetrics       `json:"scheduler"`
	CircuitBreakers map[string]ports.BreakerStats `json:"circuit_breakers,omitempty"`
	RateLimits      map[string]ports.LimiterStats `json:"rate_limits,omitempty"`
}

type MetricsProvider interface {
	MetricsSnapshot() Snapshot
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type RuntimeMetrics struct {
	GoVersion     string `json:"go_version"`
	NumGoroutine  int    `json:"num_goroutine"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	HeapObjects   uint64 `json:"heap_objects"`
	NumGC         uint32 `json:"gc_cycles"`
	PauseTotalNs  uint64 `json:"gc_pause_total_ns"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type MetricsResponse struct {
	Timestamp   time.Time      `json:"timestamp"`
	Runtime     RuntimeMetrics `json:"runtime"`
	Application Snapshot       `json:"application"`
}

// Server exposes health, metrics and run event logs over plain HTTP for
// probes and scrapers.
type Server struct {
	config    domain.ObservabilityConfig
	health    HealthChecker
	metrics   MetricsProvider
	events    ports.EventLog
	logger    *slog.Logger
	startTime time.Time
	server    *http.Server
}

func NewServer(config domain.ObservabilityConfig, health HealthChecker, metrics MetricsProvider, events ports.EventLog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		health:    health,
		metrics:   metrics,
		events:    events,
		logger:    logger.With("component", "observability"),
		startTime: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheus)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /runs/{runID}/events", s.handleRunEvents)
	mux.HandleFunc("GET /runs/{runID}/state", s.handleRunState)
	return s.withLogging(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting observability server", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return domain.NewConfigurationError("observability server failed", err, domain.WithComponent("observability")).
				WithContext("addr", s.config.Addr)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down observability server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}
	status := http.StatusOK
	if s.health != nil {
		health := s.health.Health(r.Context())
		response.Components = health.Components
		if !health.Healthy {
			response.Status = "unhealthy"
			response.Error = health.Error
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, response)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.Health(r.Context()).Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ready")
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "live")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	response := MetricsResponse{
		Timestamp: time.Now(),
		Runtime:   s.runtimeMetrics(),
	}
	if s.metrics != nil {
		response.Application = s.metrics.MetricsSnapshot()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	rt := s.runtimeMetrics()
	gauge(w, "dispatch_uptime_seconds", "Time since the service started", float64(rt.UptimeSeconds))
	gauge(w, "dispatch_go_goroutines", "Number of goroutines", float64(rt.NumGoroutine))
	gauge(w, "dispatch_go_heap_alloc_bytes", "Heap bytes allocated", float64(rt.HeapAlloc))

	if s.metrics == nil {
		return
	}
	snapshot := s.metrics.MetricsSnapshot()
	m := snapshot.Scheduler
	counter(w, "dispatch_tasks_scheduled_total", "Tasks accepted by the scheduler", m.TasksScheduled)
	counter(w, "dispatch_tasks_dispatched_total", "Attempts sent to executors", m.TasksDispatched)
	counter(w, "dispatch_tasks_completed_total", "Attempts completed successfully", m.TasksCompleted)
	counter(w, "dispatch_tasks_failed_total", "Attempts that failed", m.TasksFailed)
	counter(w, "dispatch_retries_scheduled_total", "Retries queued", m.RetriesScheduled)
	counter(w, "dispatch_retries_dispatched_total", "Retries taken from the queue", m.RetriesDispatched)
	counter(w, "dispatch_dead_lettered_total", "Tasks that exhausted their retries", m.DeadLettered)
	counter(w, "dispatch_results_discarded_total", "Results dropped for cancelled runs", m.ResultsDiscarded)
	counter(w, "dispatch_duplicate_results_total", "Repeated results for a completed attempt", m.DuplicateResults)
	counter(w, "dispatch_lock_timeouts_total", "Lock acquisitions that timed out", m.LockTimeouts)
	counter(w, "dispatch_runs_cancelled_total", "Runs cancelled", m.RunsCancelled)
	counter(w, "dispatch_sweeps_total", "Retry sweeps run", m.SweepRuns)
	gauge(w, "dispatch_active_tasks", "Attempts in flight", float64(m.ActiveTasks))
	gauge(w, "dispatch_retry_queue_size", "Entries waiting in the retry queue", float64(m.RetryQueueSize))

	names := make([]string, 0, len(snapshot.CircuitBreakers))
	for name := range snapshot.CircuitBreakers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		fmt.Fprintf(w, "# HELP dispatch_circuit_state Circuit state per executor (0 closed, 1 open, 2 half-open)\n")
		fmt.Fprintf(w, "# TYPE dispatch_circuit_state gauge\n")
		for _, name := range names {
			fmt.Fprintf(w, "dispatch_circuit_state{executor=%q} %d\n", name, circuitGauge(snapshot.CircuitBreakers[name].State))
		}
	}

	limited := make([]string, 0, len(snapshot.RateLimits))
	for name := range snapshot.RateLimits {
		limited = append(limited, name)
	}
	sort.Strings(limited)
	if len(limited) > 0 {
		fmt.Fprintf(w, "# HELP dispatch_throttled_total Dispatches refused by the executor rate limit\n")
		fmt.Fprintf(w, "# TYPE dispatch_throttled_total counter\n")
		for _, name := range limited {
			fmt.Fprintf(w, "dispatch_throttled_total{executor=%q} %d\n", name, snapshot.RateLimits[name].Throttled)
		}
	}
}

func circuitGauge(state ports.BreakerState) int {
	switch state {
	case ports.BreakerOpen:
		return 1
	case ports.BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event log not configured"})
		return
	}
	runs, err := s.events.Runs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event log not configured"})
		return
	}
	runID := r.PathValue("runID")
	events, err := s.events.Events(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runId": runID, "events": events})
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event log not configured"})
		return
	}
	state, err := s.events.State(r.Context(), r.PathValue("runID"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if state.LastSequence == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) runtimeMetrics() RuntimeMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeMetrics{
		GoVersion:     runtime.Version(),
		NumGoroutine:  runtime.NumGoroutine(),
		HeapAlloc:     m.HeapAlloc,
		HeapObjects:   m.HeapObjects,
		NumGC:         m.NumGC,
		PauseTotalNs:  m.PauseTotalNs,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
}

func counter(w io.Writer, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
}

func gauge(w io.Writer, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, value)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	xjson.NewEncoder(w).Encode(v)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
