package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "reviewbot.v1.ReviewBotService"

// ReviewBotServiceServer is the server API. Messages are protobuf Structs
// carrying the JSON forms of the request and response types in this package.
type ReviewBotServiceServer interface {
	OnReviewEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IngestResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunManual(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structCall func(ReviewBotServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call structCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReviewBotServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReviewBotServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes ReviewBotService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReviewBotServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OnReviewEvent", Handler: unaryHandler("OnReviewEvent", ReviewBotServiceServer.OnReviewEvent)},
		{MethodName: "IngestResult", Handler: unaryHandler("IngestResult", ReviewBotServiceServer.IngestResult)},
		{MethodName: "RefreshTools", Handler: unaryHandler("RefreshTools", ReviewBotServiceServer.RefreshTools)},
		{MethodName: "RegisterTools", Handler: unaryHandler("RegisterTools", ReviewBotServiceServer.RegisterTools)},
		{MethodName: "RunManual", Handler: unaryHandler("RunManual", ReviewBotServiceServer.RunManual)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterReviewBotServiceServer registers srv on s.
func RegisterReviewBotServiceServer(s grpc.ServiceRegistrar, srv ReviewBotServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
