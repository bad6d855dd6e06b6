package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "things_plc.v1.LiveService"

const (
	getStatusMethod      = "/" + ServiceName + "/GetStatus"
	streamReadingsMethod = "/" + ServiceName + "/StreamReadings"
)

// LiveServer is the server API for LiveService.
type LiveServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// StreamReadings sends events matching the filter struct. Recognized
	// filter fields are "device", "tag" and "kind".
	StreamReadings(*structpb.Struct, LiveStreamReadingsServer) error
}

type LiveStreamReadingsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type liveStreamReadingsServer struct {
	grpc.ServerStream
}

func (x *liveStreamReadingsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LiveServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LiveServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func streamReadingsHandler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(LiveServer).StreamReadings(m, &liveStreamReadingsServer{stream})
}

// LiveServiceDesc describes LiveService. The messages are well-known types,
// so no generated code is involved.
var LiveServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamReadings", Handler: streamReadingsHandler, ServerStreams: true},
	},
	Metadata: "things_plc/v1/live.proto",
}

// StatusFunc reports the current system status as a JSON-like map.
type StatusFunc func(ctx context.Context) (map[string]any, error)

type LiveService struct {
	streamer *Streamer
	status   StatusFunc
	logger   *zap.Logger
}

func NewLiveService(streamer *Streamer, status StatusFunc, logger *zap.Logger) *LiveService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveService{streamer: streamer, status: status, logger: logger}
}

func (s *LiveService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	m, err := s.status(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	out, err := toStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	return out, nil
}

func (s *LiveService) StreamReadings(filter *structpb.Struct, stream LiveStreamReadingsServer) error {
	f := parseFilter(filter)

	id, events := s.streamer.Subscribe()
	defer s.streamer.Unsubscribe(id)

	s.logger.Debug("Live stream opened", zap.String("subscriber", id.String()))

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !f.match(ev) {
				continue
			}
			msg, err := toStruct(ev)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

type filter struct {
	device string
	tag    string
	kind   Kind
}

func parseFilter(s *structpb.Struct) filter {
	var f filter
	if s == nil {
		return f
	}
	fields := s.GetFields()
	f.device = fields["device"].GetStringValue()
	f.tag = fields["tag"].GetStringValue()
	f.kind = Kind(fields["kind"].GetStringValue())
	return f
}

func (f filter) match(ev Event) bool {
	if f.kind != "" && ev.Kind != f.kind {
		return false
	}
	if f.device == "" && f.tag == "" {
		return true
	}
	if ev.Reading == nil {
		return false
	}
	if f.device != "" && ev.Reading.Device != f.device {
		return false
	}
	return f.tag == "" || ev.Reading.Tag == f.tag
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// Register adds LiveService and the standard health service to srv.
func Register(srv *grpc.Server, svc *LiveService) *health.Server {
	srv.RegisterService(&LiveServiceDesc, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return hs
}

// LiveClient is a minimal client for LiveService.
type LiveClient struct {
	cc grpc.ClientConnInterface
}

func NewLiveClient(cc grpc.ClientConnInterface) *LiveClient {
	return &LiveClient{cc: cc}
}

func (c *LiveClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamReadings opens the event stream and calls fn for each message until
// fn returns an error, the stream ends, or ctx is cancelled.
func (c *LiveClient) StreamReadings(ctx context.Context, filter map[string]any, fn func(*structpb.Struct) error, opts ...grpc.CallOption) error {
	req, err := structpb.NewStruct(filter)
	if err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &LiveServiceDesc.Streams[0], streamReadingsMethod, opts...)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
