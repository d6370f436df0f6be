// Package api defines the gRPC service of the engine pool. Every message is a google.protobuf.Struct
// carrying one of the JSON shaped messages in messages.go.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName string = "enginepool.EnginePoolAPI"

	EvaluateMethod    string = "/" + ServiceName + "/Evaluate"
	SetOptionMethod   string = "/" + ServiceName + "/SetOption"
	StopAllMethod     string = "/" + ServiceName + "/StopAll"
	CloudLookupMethod string = "/" + ServiceName + "/CloudLookup"
	CacheStatsMethod  string = "/" + ServiceName + "/CacheStats"
	ClearCacheMethod  string = "/" + ServiceName + "/ClearCache"
	EnginesMethod     string = "/" + ServiceName + "/Engines"
)

// EnginePoolAPIServer is the server API of the engine pool service
type EnginePoolAPIServer interface {
	Evaluate(request *structpb.Struct, stream EnginePoolAPI_EvaluateServer) error
	SetOption(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	StopAll(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CloudLookup(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CacheStats(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ClearCache(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Engines(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// EnginePoolAPI_EvaluateServer streams evaluation updates to the client
type EnginePoolAPI_EvaluateServer interface {
	Send(response *structpb.Struct) error
	grpc.ServerStream
}

type enginePoolAPIEvaluateServer struct {
	grpc.ServerStream
}

func (stream *enginePoolAPIEvaluateServer) Send(response *structpb.Struct) error {
	return stream.ServerStream.SendMsg(response)
}

type unaryCall func(server EnginePoolAPIServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			request := new(structpb.Struct)
			if err := dec(request); err != nil {
				return nil, err
			}

			if interceptor == nil {
				return call(srv.(EnginePoolAPIServer), ctx, request)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}

			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(EnginePoolAPIServer), ctx, req.(*structpb.Struct))
			}

			return interceptor(ctx, request, info, handler)
		},
	}
}

func evaluateHandler(srv interface{}, stream grpc.ServerStream) error {
	request := new(structpb.Struct)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}

	return srv.(EnginePoolAPIServer).Evaluate(request, &enginePoolAPIEvaluateServer{stream})
}

// ServiceDesc describes the engine pool service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EnginePoolAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("SetOption", EnginePoolAPIServer.SetOption),
		unaryMethod("StopAll", EnginePoolAPIServer.StopAll),
		unaryMethod("CloudLookup", EnginePoolAPIServer.CloudLookup),
		unaryMethod("CacheStats", EnginePoolAPIServer.CacheStats),
		unaryMethod("ClearCache", EnginePoolAPIServer.ClearCache),
		unaryMethod("Engines", EnginePoolAPIServer.Engines),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Evaluate",
			Handler:       evaluateHandler,
			ServerStreams: true,
		},
	},
	Metadata: "enginepool.proto",
}

// RegisterEnginePoolAPIServer registers the server implementation
func RegisterEnginePoolAPIServer(registrar grpc.ServiceRegistrar, server EnginePoolAPIServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

// EnginePoolAPIClient is the client API of the engine pool service
type EnginePoolAPIClient interface {
	Evaluate(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (EnginePoolAPI_EvaluateClient, error)
	SetOption(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	StopAll(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CloudLookup(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CacheStats(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ClearCache(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Engines(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

// EnginePoolAPI_EvaluateClient receives evaluation updates
type EnginePoolAPI_EvaluateClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type enginePoolAPIClient struct {
	conn grpc.ClientConnInterface
}

// NewEnginePoolAPIClient creates a client over the connection
func NewEnginePoolAPIClient(conn grpc.ClientConnInterface) EnginePoolAPIClient {
	return &enginePoolAPIClient{
		conn: conn,
	}
}

func (client *enginePoolAPIClient) invoke(ctx context.Context, method string, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	err := client.conn.Invoke(ctx, method, request, response, opts...)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (client *enginePoolAPIClient) Evaluate(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (EnginePoolAPI_EvaluateClient, error) {
	stream, err := client.conn.NewStream(ctx, &ServiceDesc.Streams[0], EvaluateMethod, opts...)
	if err != nil {
		return nil, err
	}

	evaluateClient := &enginePoolAPIEvaluateClient{stream}
	if err := evaluateClient.ClientStream.SendMsg(request); err != nil {
		return nil, err
	}

	if err := evaluateClient.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return evaluateClient, nil
}

type enginePoolAPIEvaluateClient struct {
	grpc.ClientStream
}

func (stream *enginePoolAPIEvaluateClient) Recv() (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := stream.ClientStream.RecvMsg(response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *enginePoolAPIClient) SetOption(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, SetOptionMethod, request, opts...)
}

func (client *enginePoolAPIClient) StopAll(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, StopAllMethod, request, opts...)
}

func (client *enginePoolAPIClient) CloudLookup(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, CloudLookupMethod, request, opts...)
}

func (client *enginePoolAPIClient) CacheStats(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, CacheStatsMethod, request, opts...)
}

func (client *enginePoolAPIClient) ClearCache(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, ClearCacheMethod, request, opts...)
}

func (client *enginePoolAPIClient) Engines(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, EnginesMethod, request, opts...)
}
