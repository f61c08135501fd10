package wire

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExclusionService is the fully-qualified name of the peer-to-peer
// mutual-exclusion service. Every peer both serves and calls it.
const ExclusionService = "printmesh.MutualExclusion"

const (
	methodRequestAccess = "/" + ExclusionService + "/RequestAccess"
	methodReleaseAccess = "/" + ExclusionService + "/ReleaseAccess"
)

// ExclusionServer is implemented by the peer daemon. RequestAccess may
// block until the local node is willing to grant; the eventual return
// value is the (possibly deferred) reply. ReleaseAccess must not block.
type ExclusionServer interface {
	RequestAccess(ctx context.Context, req *AccessRequest) (*AccessReply, error)
	ReleaseAccess(ctx context.Context, rel *ReleaseNotice) (*ReleaseAck, error)
}

// RegisterExclusionServer registers srv with a gRPC server.
func RegisterExclusionServer(s grpc.ServiceRegistrar, srv ExclusionServer) {
	s.RegisterService(&exclusionServiceDesc, srv)
}

var exclusionServiceDesc = grpc.ServiceDesc{
	ServiceName: ExclusionService,
	HandlerType: (*ExclusionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestAccess", Handler: requestAccessHandler},
		{MethodName: "ReleaseAccess", Handler: releaseAccessHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wire/exclusion.go",
}

func requestAccessHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, payload any) (any, error) {
		var req AccessRequest
		if err := Decode(payload.(*structpb.Struct), &req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad access request: %v", err)
		}
		rep, err := srv.(ExclusionServer).RequestAccess(ctx, &req)
		if err != nil {
			return nil, err
		}
		return Encode(rep)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestAccess}
	return interceptor(ctx, in, info, handler)
}

func releaseAccessHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, payload any) (any, error) {
		var rel ReleaseNotice
		if err := Decode(payload.(*structpb.Struct), &rel); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad release notice: %v", err)
		}
		ack, err := srv.(ExclusionServer).ReleaseAccess(ctx, &rel)
		if err != nil {
			return nil, err
		}
		return Encode(ack)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReleaseAccess}
	return interceptor(ctx, in, info, handler)
}

// ExclusionClient calls one peer's mutual-exclusion service.
type ExclusionClient struct {
	cc grpc.ClientConnInterface
}

func NewExclusionClient(cc grpc.ClientConnInterface) *ExclusionClient {
	return &ExclusionClient{cc: cc}
}

// RequestAccess sends the request and waits for the peer's reply, which
// the peer may defer until it leaves the critical section. A fresh
// message ID is stamped unless the caller provided one.
func (c *ExclusionClient) RequestAccess(ctx context.Context, req *AccessRequest, opts ...grpc.CallOption) (*AccessReply, error) {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodRequestAccess, in, out, opts...); err != nil {
		return nil, err
	}
	rep := new(AccessReply)
	if err := Decode(out, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// ReleaseAccess notifies one peer that the sender released the
// resource. The ack is informational.
func (c *ExclusionClient) ReleaseAccess(ctx context.Context, rel *ReleaseNotice, opts ...grpc.CallOption) (*ReleaseAck, error) {
	if rel.MessageID == "" {
		rel.MessageID = uuid.NewString()
	}
	in, err := Encode(rel)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodReleaseAccess, in, out, opts...); err != nil {
		return nil, err
	}
	ack := new(ReleaseAck)
	if err := Decode(out, ack); err != nil {
		return nil, err
	}
	return ack, nil
}
