package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/nainya/govlifecycle/pkg/version"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "govlifecycle.v1.Lifecycle"

// Metadata keys carrying the caller identity.
const (
	MetadataActorID  = "x-actor-id"
	MetadataTenantID = "x-tenant-id"
	MetadataRole     = "x-actor-role"
)

// LifecycleServer is the server API of the lifecycle service.
type LifecycleServer interface {
	Create(context.Context, *CreateRequest) (*VersionResponse, error)
	Transition(context.Context, *TransitionRequest) (*VersionResponse, error)
	CreateVersion(context.Context, *CreateVersionRequest) (*VersionResponse, error)
	GetVersion(context.Context, *GetVersionRequest) (*VersionResponse, error)
	GetCurrent(context.Context, *ChainRequest) (*VersionResponse, error)
	GetHistory(context.Context, *ChainRequest) (*HistoryResponse, error)
	Compare(context.Context, *CompareRequest) (*CompareResponse, error)
	GetTimeline(context.Context, *ChainRequest) (*TimelineResponse, error)
	GetStats(context.Context, *ChainRequest) (*StatsResponse, error)
	GetAuditTrail(context.Context, *AuditTrailRequest) (*AuditTrailResponse, error)
}

// unary builds a method descriptor that decodes Req and dispatches to call,
// running the server interceptor when one is installed.
func unary[Req, Resp any](name string, call func(LifecycleServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LifecycleServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LifecycleServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LifecycleServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Create", LifecycleServer.Create),
		unary("Transition", LifecycleServer.Transition),
		unary("CreateVersion", LifecycleServer.CreateVersion),
		unary("GetVersion", LifecycleServer.GetVersion),
		unary("GetCurrent", LifecycleServer.GetCurrent),
		unary("GetHistory", LifecycleServer.GetHistory),
		unary("Compare", LifecycleServer.Compare),
		unary("GetTimeline", LifecycleServer.GetTimeline),
		unary("GetStats", LifecycleServer.GetStats),
		unary("GetAuditTrail", LifecycleServer.GetAuditTrail),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "govlifecycle/v1/lifecycle",
}

// RegisterLifecycleServer registers srv on r.
func RegisterLifecycleServer(r grpc.ServiceRegistrar, srv LifecycleServer) {
	r.RegisterService(&serviceDesc, srv)
}

// WithActor attaches the caller identity to outgoing calls.
func WithActor(ctx context.Context, actor version.Actor) context.Context {
	pairs := []string{MetadataActorID, actor.ID}
	if actor.TenantID != "" {
		pairs = append(pairs, MetadataTenantID, actor.TenantID)
	}
	if actor.Role != "" {
		pairs = append(pairs, MetadataRole, actor.Role)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// Client calls the lifecycle service over cc using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Create(ctx context.Context, in *CreateRequest, opts ...grpc.CallOption) (*VersionResponse, error) {
	return invoke[VersionResponse](ctx, c.cc, "Create", in, opts)
}

func (c *Client) Transition(ctx context.Context, in *TransitionRequest, opts ...grpc.CallOption) (*VersionResponse, error) {
	return invoke[VersionResponse](ctx, c.cc, "Transition", in, opts)
}

func (c *Client) CreateVersion(ctx context.Context, in *CreateVersionRequest, opts ...grpc.CallOption) (*VersionResponse, error) {
	return invoke[VersionResponse](ctx, c.cc, "CreateVersion", in, opts)
}

func (c *Client) GetVersion(ctx context.Context, in *GetVersionRequest, opts ...grpc.CallOption) (*VersionResponse, error) {
	return invoke[VersionResponse](ctx, c.cc, "GetVersion", in, opts)
}

func (c *Client) GetCurrent(ctx context.Context, in *ChainRequest, opts ...grpc.CallOption) (*VersionResponse, error) {
	return invoke[VersionResponse](ctx, c.cc, "GetCurrent", in, opts)
}

func (c *Client) GetHistory(ctx context.Context, in *ChainRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, c.cc, "GetHistory", in, opts)
}

func (c *Client) Compare(ctx context.Context, in *CompareRequest, opts ...grpc.CallOption) (*CompareResponse, error) {
	return invoke[CompareResponse](ctx, c.cc, "Compare", in, opts)
}

func (c *Client) GetTimeline(ctx context.Context, in *ChainRequest, opts ...grpc.CallOption) (*TimelineResponse, error) {
	return invoke[TimelineResponse](ctx, c.cc, "GetTimeline", in, opts)
}

func (c *Client) GetStats(ctx context.Context, in *ChainRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	return invoke[StatsResponse](ctx, c.cc, "GetStats", in, opts)
}

func (c *Client) GetAuditTrail(ctx context.Context, in *AuditTrailRequest, opts ...grpc.CallOption) (*AuditTrailResponse, error) {
	return invoke[AuditTrailResponse](ctx, c.cc, "GetAuditTrail", in, opts)
}
