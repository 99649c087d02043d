package executorhost

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/eleven-am/dispatch/internal/adapters/transport"
	"github.com/eleven-am/dispatch/internal/domain"
)

// GRPCServer serves a Host over the dispatch.v1.Executor service.
type GRPCServer struct {
	host     *Host
	reporter *CallbackReporter
	logger   *slog.Logger
	wg       sync.WaitGroup
}

var _ transport.ExecutorServer = (*GRPCServer)(nil)

func NewGRPCServer(host *Host, reporter *CallbackReporter, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = NewCallbackReporter(nil, logger)
	}
	return &GRPCServer{
		host:     host,
		reporter: reporter,
		logger:   logger.With("component", "executor-grpc"),
	}
}

func (s *GRPCServer) Register(registrar grpc.ServiceRegistrar) {
	transport.RegisterExecutorServer(registrar, s)
}

func (s *GRPCServer) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	contract, err := decodeContract(in)
	if err != nil {
		return nil, err
	}
	result, err := s.host.Handle(ctx, contract, nil)
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return encodeStruct(result)
}

func (s *GRPCServer) ExecuteStream(in *structpb.Struct, stream grpc.ServerStream) error {
	contract, err := decodeContract(in)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	send := func(frame transport.StreamFrame) error {
		msg, err := encodeStruct(frame)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return stream.SendMsg(msg)
	}

	result, err := s.host.Handle(stream.Context(), contract, func(p domain.Progress) {
		if err := send(transport.StreamFrame{Progress: &p}); err != nil {
			s.logger.Debug("progress send failed", "execution_id", contract.ExecutionID, "error", err)
		}
	})
	if err != nil {
		return status.FromContextError(err).Err()
	}
	return send(transport.StreamFrame{Result: result})
}

func (s *GRPCServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	contract, err := decodeContract(in)
	if err != nil {
		return nil, err
	}
	md, _ := metadata.FromIncomingContext(ctx)
	urls := md.Get(transport.GRPCCallbackMetadata)
	if len(urls) == 0 || urls[0] == "" {
		return nil, status.Error(codes.InvalidArgument, "missing "+transport.GRPCCallbackMetadata+" metadata")
	}
	callback := urls[0]

	background := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.host.Handle(background, contract, nil)
		if err != nil {
			s.logger.Error("async execution failed", "execution_id", contract.ExecutionID, "error", err)
			return
		}
		s.reporter.Report(background, callback, result)
	}()

	return encodeStruct(transport.SubmitAck{Accepted: true, ExecutionID: contract.ExecutionID})
}

func (s *GRPCServer) Wait() {
	s.wg.Wait()
}

func decodeContract(in *structpb.Struct) (*domain.ExecutionContract, error) {
	var contract domain.ExecutionContract
	if err := transport.FromStruct(in, &contract); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid contract: %v", err)
	}
	if contract.ExecutionID == "" {
		return nil, status.Error(codes.InvalidArgument, "contract has no execution id")
	}
	return &contract, nil
}

func encodeStruct(v interface{}) (*structpb.Struct, error) {
	out, err := transport.ToStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}
