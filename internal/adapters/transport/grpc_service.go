package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The executor service carries contracts and results as google.protobuf.Struct
// values so executors in any language can serve it without generated stubs.
const (
	GRPCServiceName         = "dispatch.v1.Executor"
	GRPCExecuteMethod       = "/dispatch.v1.Executor/Execute"
	GRPCExecuteStreamMethod = "/dispatch.v1.Executor/ExecuteStream"
	GRPCSubmitMethod        = "/dispatch.v1.Executor/Submit"

	// GRPCCallbackMetadata names the outgoing metadata key that carries the
	// result callback address on Submit.
	GRPCCallbackMetadata = "x-callback-url"
)

// ExecutorServer is implemented by executor hosts. ExecuteStream sends
// StreamFrame structs on the stream; the last one carries the result.
type ExecutorServer interface {
	Execute(ctx context.Context, contract *structpb.Struct) (*structpb.Struct, error)
	ExecuteStream(contract *structpb.Struct, stream grpc.ServerStream) error
	Submit(ctx context.Context, contract *structpb.Struct) (*structpb.Struct, error)
}

func RegisterExecutorServer(registrar grpc.ServiceRegistrar, srv ExecutorServer) {
	registrar.RegisterService(&executorServiceDesc, srv)
}

var executorServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ExecuteStream", Handler: executeStreamHandler, ServerStreams: true},
	},
	Metadata: "dispatch/v1/executor.proto",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GRPCExecuteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GRPCSubmitMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func executeStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExecutorServer).ExecuteStream(in, stream)
}
