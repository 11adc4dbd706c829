// ABOUTME: gRPC binding of the C2 protocol: a two-method unary service carrying raw JSON bytes
// ABOUTME: Declares the service descriptor, the server implementation and a thin client

package grpcc2

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/edge-c2/internal/c2"
	"github.com/2389/edge-c2/internal/metrics"
)

// Fully-qualified names
const (
	ServiceName       = "edgec2.C2Protocol"
	MethodHeartbeat   = "/" + ServiceName + "/Heartbeat"
	MethodAcknowledge = "/" + ServiceName + "/Acknowledge"
)

// C2ProtocolServer is the server API for the C2Protocol service.
type C2ProtocolServer interface {
	Heartbeat(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Acknowledge(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// ServiceDesc describes the C2Protocol service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*C2ProtocolServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "Acknowledge", Handler: acknowledgeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "edgec2/c2.proto",
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(C2ProtocolServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodHeartbeat}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(C2ProtocolServer).Heartbeat(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func acknowledgeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(C2ProtocolServer).Acknowledge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodAcknowledge}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(C2ProtocolServer).Acknowledge(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Config configures the gRPC C2 service.
type Config struct {
	// BaseURL overrides the base URI reported to agents. When empty it is derived from the
	// :authority the agent dialled.
	BaseURL string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service implements C2ProtocolServer on top of a c2.Protocol.
type Service struct {
	proto   c2.Protocol
	baseURL string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ C2ProtocolServer = (*Service)(nil)

// NewService creates a Service delegating to proto.
func NewService(proto c2.Protocol, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		proto:   proto,
		baseURL: cfg.BaseURL,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "grpc-c2"),
	}
}

// Heartbeat implements C2ProtocolServer.
func (s *Service) Heartbeat(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	hb := c2.NewHeartbeatContext(s.baseURI(ctx), -1)
	out, err := s.proto.ProcessHeartbeat(ctx, in.GetValue(), hb)

	switch c2.ClassifyHeartbeat(out, err) {
	case c2.OutcomeOK:
		s.record(c2.OpHeartbeat, codes.OK)
		return wrapperspb.Bytes(out), nil
	case c2.OutcomeIncomplete:
		s.record(c2.OpHeartbeat, codes.Unavailable)
		return nil, status.Error(codes.Unavailable, "heartbeat response incomplete")
	default:
		return nil, s.fail(c2.OpHeartbeat, err)
	}
}

// Acknowledge implements C2ProtocolServer.
func (s *Service) Acknowledge(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	err := s.proto.ProcessOperationAck(ctx, in.GetValue())

	switch c2.Classify(err) {
	case c2.OutcomeOK:
		s.record(c2.OpAcknowledge, codes.OK)
		return &wrapperspb.BytesValue{}, nil
	case c2.OutcomeIncomplete:
		s.record(c2.OpAcknowledge, codes.Unavailable)
		return nil, status.Error(codes.Unavailable, "acknowledgement not applied")
	default:
		return nil, s.fail(c2.OpAcknowledge, err)
	}
}

func (s *Service) fail(op string, err error) error {
	s.logger.Warn("c2 request failed", "operation", op, "error", err)
	s.record(op, codes.Internal)
	return status.Error(codes.Internal, err.Error())
}

func (s *Service) record(op string, code codes.Code) {
	s.metrics.Request("grpc", op, code.String())
}

func (s *Service) baseURI(ctx context.Context) string {
	if s.baseURL != "" {
		return s.baseURL
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if authority := md.Get(":authority"); len(authority) > 0 && authority[0] != "" {
			return "grpc://" + strings.TrimSpace(authority[0])
		}
	}
	return ""
}

// Client calls the C2Protocol service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Heartbeat sends a heartbeat payload and returns the response payload.
func (c *Client) Heartbeat(ctx context.Context, payload []byte, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, MethodHeartbeat, wrapperspb.Bytes(payload), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Acknowledge sends an operation acknowledgement.
func (c *Client) Acknowledge(ctx context.Context, payload []byte, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, MethodAcknowledge, wrapperspb.Bytes(payload), new(wrapperspb.BytesValue), opts...)
}
