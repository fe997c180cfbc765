package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "toolsandbox.v1.ToolSandboxService"

const (
	invokeMethod    = "/" + ServiceName + "/Invoke"
	listToolsMethod = "/" + ServiceName + "/ListTools"
)

// ToolSandboxServiceServer is the server API. Messages are
// google.protobuf.Struct so clients need no generated code.
type ToolSandboxServiceServer interface {
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterToolSandboxServiceServer registers srv on s.
func RegisterToolSandboxServiceServer(s grpc.ServiceRegistrar, srv ToolSandboxServiceServer) {
	s.RegisterService(&ToolSandboxServiceDesc, srv)
}

// ToolSandboxServiceDesc describes the service for grpc.Server.
var ToolSandboxServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolSandboxServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "ListTools", Handler: listToolsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolsandbox/v1/tool_sandbox.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolSandboxServiceServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolSandboxServiceServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolSandboxServiceServer).ListTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listToolsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolSandboxServiceServer).ListTools(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Invoke(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, invokeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTools(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listToolsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
