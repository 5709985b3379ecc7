package collector

import (
	"context"
	"fmt"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// #region wire
// Sensing backends speak a single unary RPC whose request and response are
// google.protobuf.Struct messages:
//
//	request:  {"modality": "face"}
//	response: {"present": true, "label": "happy", "confidence": 0.9,
//	           "probabilities": {"happy": 0.9, ...}, "timestamp": "<RFC3339Nano>"}
const (
	ServiceName   = "affect.collector.v1.Collector"
	collectMethod = "/" + ServiceName + "/Collect"
)

// #endregion wire

// #region client

// GRPCCollector reads one modality from a remote sensing backend.
type GRPCCollector struct {
	modality emotion.Modality
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
}

// DialGRPC connects to a backend at addr. Calls are instrumented with the
// grpc_prometheus client interceptor.
func DialGRPC(addr string, m emotion.Modality, opts ...grpc.DialOption) (*GRPCCollector, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return NewGRPCCollector(conn, m), nil
}

// NewGRPCCollector wraps an existing connection.
func NewGRPCCollector(conn *grpc.ClientConn, m emotion.Modality) *GRPCCollector {
	return &GRPCCollector{
		modality: m,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
	}
}

// Close shuts down the gRPC connection.
func (c *GRPCCollector) Close() error {
	return c.conn.Close()
}

func (c *GRPCCollector) Modality() emotion.Modality { return c.modality }

// Probe asks the backend's health service whether the collector service is
// serving.
func (c *GRPCCollector) Probe(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check %s: %w: %w", c.modality, ErrUnavailable, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check %s: %s: %w", c.modality, resp.GetStatus(), ErrUnavailable)
	}
	return nil
}

// Collect requests one observation. A deadline hit on the wire surfaces as
// context.DeadlineExceeded.
func (c *GRPCCollector) Collect(ctx context.Context) (*emotion.Observation, error) {
	req, err := structpb.NewStruct(map[string]any{"modality": string(c.modality)})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, collectMethod, req, resp); err != nil {
		if status.Code(err) == codes.DeadlineExceeded {
			return nil, fmt.Errorf("collect rpc: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("collect rpc: %w", err)
	}
	return decodeObservation(c.modality, resp)
}

// #endregion client

// #region server

// Backend is the server side of the collector RPC.
type Backend interface {
	Collect(ctx context.Context, m emotion.Modality) (*emotion.Observation, error)
}

// Backends serves each modality from a local Collector.
type Backends map[emotion.Modality]Collector

func (b Backends) Collect(ctx context.Context, m emotion.Modality) (*emotion.Observation, error) {
	c, ok := b[m]
	if !ok {
		return nil, nil
	}
	return c.Collect(ctx)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Collect", Handler: collectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "affect/collector/v1/collector.proto",
}

// RegisterServer exposes backend on s.
func RegisterServer(s grpc.ServiceRegistrar, backend Backend) {
	s.RegisterService(&serviceDesc, backend)
}

// NewServer builds a gRPC server hosting backend, a health service that
// reports the collector as serving, and grpc_prometheus instrumentation.
func NewServer(backend Backend, opts ...grpc.ServerOption) *grpc.Server {
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	s := grpc.NewServer(serverOpts...)

	RegisterServer(s, backend)
	grpc_prometheus.Register(s)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, healthSrv)
	return s
}

func collectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		return serveCollect(ctx, srv.(Backend), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: collectMethod}
	return interceptor(ctx, in, info, handle)
}

func serveCollect(ctx context.Context, backend Backend, req *structpb.Struct) (*structpb.Struct, error) {
	m := emotion.Modality(req.GetFields()["modality"].GetStringValue())
	if !m.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown modality %q", m)
	}
	obs, err := backend.Collect(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Errorf(codes.Unavailable, "collect %s: %v", m, err)
	}
	resp, err := encodeObservation(obs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode %s: %v", m, err)
	}
	return resp, nil
}

// #endregion server

// #region codec

func encodeObservation(obs *emotion.Observation) (*structpb.Struct, error) {
	if obs == nil {
		return structpb.NewStruct(map[string]any{"present": false})
	}
	probs := make(map[string]any, len(obs.Probabilities))
	for l, p := range obs.Probabilities {
		probs[l] = p
	}
	fields := map[string]any{
		"present":       true,
		"label":         obs.Label,
		"confidence":    obs.Confidence,
		"probabilities": probs,
	}
	if !obs.Timestamp.IsZero() {
		fields["timestamp"] = obs.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(fields)
}

func decodeObservation(m emotion.Modality, s *structpb.Struct) (*emotion.Observation, error) {
	f := s.GetFields()
	if !f["present"].GetBoolValue() {
		return nil, nil
	}
	obs := &emotion.Observation{
		Modality:   m,
		Label:      f["label"].GetStringValue(),
		Confidence: f["confidence"].GetNumberValue(),
	}
	if probs := f["probabilities"].GetStructValue(); probs != nil {
		obs.Probabilities = make(map[string]float64, len(probs.GetFields()))
		for l, v := range probs.GetFields() {
			obs.Probabilities[l] = v.GetNumberValue()
		}
	}
	if ts := f["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("decode %s timestamp: %w", m, err)
		}
		obs.Timestamp = t
	}
	if obs.Label == "" {
		return nil, fmt.Errorf("decode %s: empty label", m)
	}
	return obs, nil
}

// #endregion codec
