package service

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// StatisticsService_Subscribe_FullMethodName is the full gRPC method name of Subscribe.
const StatisticsService_Subscribe_FullMethodName = "/tickstats.v1.StatisticsService/Subscribe"

// StatisticsServer is the server API for the statistics stream. Requests and
// envelopes travel as google.protobuf.Struct values.
type StatisticsServer interface {
	Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterStatisticsServer registers srv on s.
func RegisterStatisticsServer(s grpc.ServiceRegistrar, srv StatisticsServer) {
	s.RegisterService(&StatisticsService_ServiceDesc, srv)
}

func _StatisticsService_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(StatisticsServer).Subscribe(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// StatisticsService_ServiceDesc is the grpc.ServiceDesc for the statistics service.
var StatisticsService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tickstats.v1.StatisticsService",
	HandlerType: (*StatisticsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       _StatisticsService_Subscribe_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "tickstats/v1/statistics.proto",
}

// StatisticsClient is the client API for the statistics stream.
type StatisticsClient struct {
	cc grpc.ClientConnInterface
}

// NewStatisticsClient creates a client on cc.
func NewStatisticsClient(cc grpc.ClientConnInterface) *StatisticsClient {
	return &StatisticsClient{cc: cc}
}

// Subscribe opens a stream of envelopes for req.
func (c *StatisticsClient) Subscribe(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &StatisticsService_ServiceDesc.Streams[0], StatisticsService_Subscribe_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
