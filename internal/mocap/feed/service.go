package feed

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "mocap.relay.Feed"

const (
	getSnapshotMethod     = "/" + ServiceName + "/GetSnapshot"
	streamSnapshotsMethod = "/" + ServiceName + "/StreamSnapshots"
)

// FeedServer is the server API for the Feed service. Requests and responses
// are google.protobuf.Struct values holding a Frame.
type FeedServer interface {
	GetSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamSnapshots(*structpb.Struct, grpc.ServerStream) error
}

var feedServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamSnapshots", Handler: streamSnapshotsHandler, ServerStreams: true},
	},
	Metadata: "mocap/relay/feed.proto",
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeedServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSnapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FeedServer).GetSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamSnapshotsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FeedServer).StreamSnapshots(in, stream)
}

// RegisterService registers the Feed service with a gRPC server.
func RegisterService(s grpc.ServiceRegistrar, srv FeedServer) {
	s.RegisterService(&feedServiceDesc, srv)
}

// Server implements FeedServer on top of a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a Feed server reading from publisher.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// GetSnapshot returns the latest frame.
func (s *Server) GetSnapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	f, ok := s.publisher.Latest()
	if !ok {
		return nil, status.Error(codes.Unavailable, "no frame published yet")
	}
	out, err := ToStruct(f)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// StreamSnapshots sends the latest frame, then every frame published until
// the client goes away. A numeric "max_frames" request field ends the stream
// after that many frames.
func (s *Server) StreamSnapshots(req *structpb.Struct, stream grpc.ServerStream) error {
	limit := int(req.GetFields()["max_frames"].GetNumberValue())

	c, err := s.publisher.addClient("grpc")
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.removeClient(c.id)

	sent := 0
	send := func(f Frame) error {
		msg, err := ToStruct(f)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
		sent++
		return nil
	}

	var lastSeq uint64
	if f, ok := s.publisher.Latest(); ok {
		if err := send(f); err != nil {
			return err
		}
		lastSeq = f.Seq
	}

	ctx := stream.Context()
	for limit <= 0 || sent < limit {
		select {
		case <-ctx.Done():
			return nil
		case <-s.publisher.stopCh:
			return nil
		case f := <-c.frameCh:
			if f.Seq <= lastSeq {
				continue
			}
			lastSeq = f.Seq
			if err := send(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Client calls the Feed service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetSnapshot fetches the latest frame.
func (c *Client) GetSnapshot(ctx context.Context) (Frame, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getSnapshotMethod, &structpb.Struct{}, out); err != nil {
		return Frame{}, err
	}
	return FromStruct(out)
}

// Stream opens a snapshot stream. maxFrames of 0 streams until ctx ends.
// The returned function yields frames until io.EOF.
func (c *Client) Stream(ctx context.Context, maxFrames int) (func() (Frame, error), error) {
	stream, err := c.cc.NewStream(ctx, &feedServiceDesc.Streams[0], streamSnapshotsMethod)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"max_frames": maxFrames})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (Frame, error) {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return Frame{}, err
		}
		return FromStruct(msg)
	}, nil
}
