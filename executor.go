package dispatch

import (
	"log/slog"
	"net/http"

	"google.golang.org/grpc"

	"github.com/eleven-am/dispatch/internal/adapters/executorhost"
)

// ExecutorServer hosts a HandlerFunc for schedulers on other machines. It
// serves the REST routes (/execute, /stream, /submit) and the gRPC
// Executor service; ASYNC results are posted back to the contract's
// callback address.
type ExecutorServer struct {
	host *executorhost.Host
	rest *executorhost.RESTServer
	grpc *executorhost.GRPCServer
}

// NewExecutorServer wraps handler. nodeTypes, when given, restricts which
// contracts are accepted.
func NewExecutorServer(handler HandlerFunc, logger *slog.Logger, nodeTypes ...string) *ExecutorServer {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []executorhost.Option
	if len(nodeTypes) > 0 {
		opts = append(opts, executorhost.WithNodeTypes(nodeTypes...))
	}
	host := executorhost.NewHost(handler, logger, opts...)
	reporter := executorhost.NewCallbackReporter(nil, logger)
	return &ExecutorServer{
		host: host,
		rest: executorhost.NewRESTServer(host, reporter, logger),
		grpc: executorhost.NewGRPCServer(host, reporter, logger),
	}
}

func (s *ExecutorServer) Handler() http.Handler {
	return s.rest.Handler()
}

func (s *ExecutorServer) RegisterGRPC(registrar grpc.ServiceRegistrar) {
	s.grpc.Register(registrar)
}

// Wait blocks until every ASYNC execution accepted so far has reported.
func (s *ExecutorServer) Wait() {
	s.rest.Wait()
	s.grpc.Wait()
}
