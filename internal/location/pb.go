package location

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used by the location stream.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the hand-written service below run without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// DriverLocation represents a streaming update.
type DriverLocation struct {
	DriverId string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Speed    float64 `json:"speed,omitempty"`
	Accuracy float64 `json:"accuracy,omitempty"`
	Ts       int64   `json:"ts,omitempty"`
}

// Ack is returned once the client closes its side of the stream.
type Ack struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

const streamLocationMethod = "/location.Location/StreamLocation"

var locationServiceDesc = grpc.ServiceDesc{
	ServiceName: "location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Location_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&locationServiceDesc, srv)
}

// Location_StreamLocationServer is the server side of the client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DriverLocation, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *locationStreamServer) Recv() (*DriverLocation, error) {
	msg := new(DriverLocation)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Location_StreamLocationClient is the client side of the stream.
type Location_StreamLocationClient interface {
	Send(*DriverLocation) error
	CloseAndRecv() (*Ack, error)
}

// NewStreamLocationClient opens a location stream on cc.
func NewStreamLocationClient(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (Location_StreamLocationClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &locationServiceDesc.Streams[0], streamLocationMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &locationStreamClient{ClientStream: stream}, nil
}

type locationStreamClient struct {
	grpc.ClientStream
}

func (c *locationStreamClient) Send(m *DriverLocation) error { return c.ClientStream.SendMsg(m) }

func (c *locationStreamClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
