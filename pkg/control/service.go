package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the management API
const ServiceName = "hsu.mgmt.ManagementService"

const (
	methodInvokeEffector = "InvokeEffector"
	methodGetTask        = "GetTask"
	methodGetAttribute   = "GetAttribute"
	methodSetConfig      = "SetConfig"
	methodGetChildren    = "GetChildren"
)

// managementServer is the server side of the management API. Every message
// is a google.protobuf.Struct.
type managementServer interface {
	InvokeEffector(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetTask(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetAttribute(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	SetConfig(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetChildren(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv managementServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := dec(request); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(managementServer), ctx, request)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(managementServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, request, info, handler)
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodInvokeEffector, managementServer.InvokeEffector),
		unary(methodGetTask, managementServer.GetTask),
		unary(methodGetAttribute, managementServer.GetAttribute),
		unary(methodSetConfig, managementServer.SetConfig),
		unary(methodGetChildren, managementServer.GetChildren),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hsu/mgmt/management.proto",
}
