package executorhost

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/eleven-am/dispatch/internal/adapters/transport"
	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/xjson"
)

// RESTServer exposes a Host on the execute, stream and submit routes the
// REST transport calls.
type RESTServer struct {
	host     *Host
	reporter *CallbackReporter
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewRESTServer(host *Host, reporter *CallbackReporter, logger *slog.Logger) *RESTServer {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = NewCallbackReporter(nil, logger)
	}
	return &RESTServer{
		host:     host,
		reporter: reporter,
		logger:   logger.With("component", "executor-rest"),
	}
}

func (s *RESTServer) RegisterRoutes(router gin.IRouter) {
	router.POST(transport.PathExecute, s.handleExecute)
	router.POST(transport.PathStream, s.handleStream)
	router.POST(transport.PathSubmit, s.handleSubmit)
}

// Handler returns a standalone gin engine serving the executor routes.
func (s *RESTServer) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	s.RegisterRoutes(router)
	return router
}

func (s *RESTServer) bind(c *gin.Context) (*domain.ExecutionContract, bool) {
	var contract domain.ExecutionContract
	if err := c.ShouldBindJSON(&contract); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if contract.ExecutionID == "" {
		contract.ExecutionID = c.GetHeader(transport.HeaderExecutionID)
	}
	return &contract, true
}

func (s *RESTServer) handleExecute(c *gin.Context) {
	contract, ok := s.bind(c)
	if !ok {
		return
	}
	result, err := s.host.Handle(c.Request.Context(), contract, nil)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *RESTServer) handleStream(c *gin.Context) {
	contract, ok := s.bind(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := xjson.NewEncoder(c.Writer)

	var mu sync.Mutex
	write := func(frame transport.StreamFrame) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(frame); err != nil {
			s.logger.Debug("stream write failed", "execution_id", contract.ExecutionID, "error", err)
			return
		}
		c.Writer.Flush()
	}

	result, err := s.host.Handle(c.Request.Context(), contract, func(p domain.Progress) {
		write(transport.StreamFrame{Progress: &p})
	})
	if err != nil {
		// Closing without a result frame tells the caller the stream broke.
		s.logger.Warn("stream aborted", "execution_id", contract.ExecutionID, "error", err)
		return
	}
	write(transport.StreamFrame{Result: result})
}

func (s *RESTServer) handleSubmit(c *gin.Context) {
	contract, ok := s.bind(c)
	if !ok {
		return
	}
	callback := c.GetHeader(transport.HeaderCallbackURL)
	if callback == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": transport.HeaderCallbackURL + " header is required"})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.host.Handle(ctx, contract, nil)
		if err != nil {
			s.logger.Error("async execution failed", "execution_id", contract.ExecutionID, "error", err)
			return
		}
		s.reporter.Report(ctx, callback, result)
	}()

	c.JSON(http.StatusAccepted, transport.SubmitAck{Accepted: true, ExecutionID: contract.ExecutionID})
}

// Wait blocks until submitted executions have reported back.
func (s *RESTServer) Wait() {
	s.wg.Wait()
}
