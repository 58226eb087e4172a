package publisher

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "eventmesh.v1.PublisherService"

const (
	publishMethod     = "/" + ServiceName + "/Publish"
	createTopicMethod = "/" + ServiceName + "/CreateTopic"
	listTopicsMethod  = "/" + ServiceName + "/ListTopics"
)

// PublisherServer is the server API of the publisher service. Requests and
// responses are structpb documents so no generated code is needed.
type PublisherServer interface {
	Publish(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateTopic(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTopics(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the publisher service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PublisherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: unaryHandler(publishMethod, PublisherServer.Publish)},
		{MethodName: "CreateTopic", Handler: unaryHandler(createTopicMethod, PublisherServer.CreateTopic)},
		{MethodName: "ListTopics", Handler: unaryHandler(listTopicsMethod, PublisherServer.ListTopics)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eventmesh/v1/publisher.proto",
}

// RegisterPublisherServer registers srv on s.
func RegisterPublisherServer(s grpc.ServiceRegistrar, srv PublisherServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(PublisherServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, method unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(PublisherServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(PublisherServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls the publisher service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Publish publishes one message.
func (c *Client) Publish(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, publishMethod, in, opts...)
}

// CreateTopic creates a topic.
func (c *Client) CreateTopic(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, createTopicMethod, in, opts...)
}

// ListTopics lists topics.
func (c *Client) ListTopics(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, listTopicsMethod, in, opts...)
}
