package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

// GRPCTransport keeps one client connection per executor endpoint.
type GRPCTransport struct {
	mu          sync.RWMutex
	connections map[string]*grpc.ClientConn
	config      domain.TransportConfig
	correlator  *Correlator
	dialOpts    []grpc.DialOption
	logger      *slog.Logger
	closed      bool
}

// NewGRPCTransport takes extra dial options after the defaults; tests use
// them to dial in-memory listeners.
func NewGRPCTransport(config domain.TransportConfig, correlator *Correlator, logger *slog.Logger, dialOpts ...grpc.DialOption) *GRPCTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCTransport{
		connections: make(map[string]*grpc.ClientConn),
		config:      config,
		correlator:  correlator,
		dialOpts:    dialOpts,
		logger:      logger.With("component", "transport", "adapter", "grpc"),
	}
}

func (g *GRPCTransport) Kind() domain.TransportKind {
	return domain.TransportGRPC
}

func (g *GRPCTransport) Send(ctx context.Context, contract *domain.ExecutionContract, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
	conn, err := g.getConnection(contract.Executor.Endpoint)
	if err != nil {
		return nil, err
	}
	req, err := ToStruct(contract)
	if err != nil {
		return nil, newSendError(domain.TransportGRPC, contract.Executor.Endpoint, "failed to encode contract", err, domain.WithRetryable(false))
	}

	switch contract.Mode {
	case domain.ModeStream:
		return g.stream(ctx, conn, contract, req, progress)
	case domain.ModeAsync:
		return g.submit(ctx, conn, contract, req)
	default:
		resp := new(structpb.Struct)
		if err := conn.Invoke(ctx, GRPCExecuteMethod, req, resp); err != nil {
			return nil, grpcError(contract.Executor.Endpoint, err)
		}
		return decodeResult(contract, resp)
	}
}

func (g *GRPCTransport) stream(ctx context.Context, conn *grpc.ClientConn, contract *domain.ExecutionContract, req *structpb.Struct, progress ports.ProgressFunc) (*domain.ExecutionResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := conn.NewStream(ctx, &executorServiceDesc.Streams[0], GRPCExecuteStreamMethod)
	if err != nil {
		return nil, grpcError(contract.Executor.Endpoint, err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, grpcError(contract.Executor.Endpoint, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, grpcError(contract.Executor.Endpoint, err)
	}

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil, newSendError(domain.TransportGRPC, contract.Executor.Endpoint, "stream ended without a result", nil, domain.WithRetryable(true))
		}
		if err != nil {
			return nil, grpcError(contract.Executor.Endpoint, err)
		}

		var frame StreamFrame
		if err := FromStruct(msg, &frame); err != nil {
			return nil, newSendError(domain.TransportGRPC, contract.Executor.Endpoint, "failed to decode stream frame", err, domain.WithRetryable(true))
		}
		if frame.Result != nil {
			return checkResult(domain.TransportGRPC, contract, frame.Result)
		}
		if frame.Progress != nil && progress != nil {
			if frame.Progress.ExecutionID == "" {
				frame.Progress.ExecutionID = contract.ExecutionID
			}
			progress(*frame.Progress)
		}
	}
}

func (g *GRPCTransport) submit(ctx context.Context, conn *grpc.ClientConn, contract *domain.ExecutionContract, req *structpb.Struct) (*domain.ExecutionResult, error) {
	if g.correlator == nil || g.config.CallbackAddr == "" {
		return nil, domain.NewConfigurationError("async gRPC dispatch needs a callback address", domain.ErrInvalidConfig,
			domain.WithComponent("transport.GRPC"))
	}
	ch, err := g.correlator.Expect(contract.ExecutionID)
	if err != nil {
		return nil, err
	}

	callCtx := metadata.AppendToOutgoingContext(ctx, GRPCCallbackMetadata, joinURL(g.config.CallbackAddr, PathResults))
	ack := new(structpb.Struct)
	if err := conn.Invoke(callCtx, GRPCSubmitMethod, req, ack); err != nil {
		g.correlator.Cancel(contract.ExecutionID)
		return nil, grpcError(contract.Executor.Endpoint, err)
	}

	result, err := g.correlator.Await(ctx, contract.ExecutionID, ch)
	if err != nil {
		return nil, err
	}
	return checkResult(domain.TransportGRPC, contract, result)
}

func (g *GRPCTransport) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	var firstErr error
	for address, conn := range g.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.connections, address)
	}
	return firstErr
}

func (g *GRPCTransport) getConnection(address string) (*grpc.ClientConn, error) {
	g.mu.RLock()
	conn, exists := g.connections[address]
	closed := g.closed
	g.mu.RUnlock()

	if closed {
		return nil, newSendError(domain.TransportGRPC, address, "transport closed", domain.ErrClosed, domain.WithRetryable(false))
	}
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	conn, exists = g.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}
	if conn != nil {
		conn.Close()
	}

	newConn, err := g.createConnection(address)
	if err != nil {
		return nil, err
	}
	g.connections[address] = newConn
	return newConn, nil
}

func (g *GRPCTransport) createConnection(address string) (*grpc.ClientConn, error) {
	connectTimeout := g.config.ConnectionTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	dialOpts := []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   5 * time.Second,
			},
			MinConnectTimeout: connectTimeout,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if g.config.MaxMessageSizeMB > 0 {
		size := g.config.MaxMessageSizeMB * 1024 * 1024
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(size),
			grpc.MaxCallSendMsgSize(size),
		))
	}
	dialOpts = append(dialOpts, g.dialOpts...)

	g.logger.Debug("creating connection", "address", address)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		g.logger.Error("failed to create connection", "address", address, "error", err)
		return nil, newSendError(domain.TransportGRPC, address, "failed to create client connection", err, domain.WithRetryable(true))
	}
	return conn, nil
}

func decodeResult(contract *domain.ExecutionContract, resp *structpb.Struct) (*domain.ExecutionResult, error) {
	var result domain.ExecutionResult
	if err := FromStruct(resp, &result); err != nil {
		return nil, newSendError(domain.TransportGRPC, contract.Executor.Endpoint, "failed to decode result", err, domain.WithRetryable(true))
	}
	return checkResult(domain.TransportGRPC, contract, &result)
}

// grpcError maps status codes the same way statusError maps HTTP codes.
func grpcError(endpoint string, err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented, codes.NotFound:
		return newSendError(domain.TransportGRPC, endpoint, st.Message(), domain.ErrExecutorRejected, domain.WithRetryable(false)).
			WithContext("grpc_code", st.Code().String())
	case codes.FailedPrecondition:
		return newSendError(domain.TransportGRPC, endpoint, st.Message(), domain.ErrContractExpired, domain.WithRetryable(false)).
			WithContext("grpc_code", st.Code().String())
	default:
		return newSendError(domain.TransportGRPC, endpoint, st.Message(), err, domain.WithRetryable(true)).
			WithContext("grpc_code", st.Code().String())
	}
}
