// Package grpc provides the gRPC API of the trust engine.
//
// Messages are google.protobuf.Struct values carrying the same JSON shapes as
// the HTTP API, so the service needs no generated code.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "trustlens.v1.TrustService"

// Full method names.
const (
	SubmitEvaluationMethod = "/" + ServiceName + "/SubmitEvaluation"
	GetSnapshotMethod      = "/" + ServiceName + "/GetSnapshot"
	GetTrendMethod         = "/" + ServiceName + "/GetTrend"
	GetSummaryMethod       = "/" + ServiceName + "/GetSummary"
)

// TrustServiceServer is the server API of TrustService.
type TrustServiceServer interface {
	SubmitEvaluation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetTrend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSummary(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterTrustServiceServer registers srv on s.
func RegisterTrustServiceServer(s grpc.ServiceRegistrar, srv TrustServiceServer) {
	s.RegisterService(&trustServiceDesc, srv)
}

var trustServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrustServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitEvaluation", Handler: submitEvaluationHandler},
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
		{MethodName: "GetTrend", Handler: getTrendHandler},
		{MethodName: "GetSummary", Handler: getSummaryHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func submitEvaluationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrustServiceServer).SubmitEvaluation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitEvaluationMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrustServiceServer).SubmitEvaluation(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrustServiceServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSnapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrustServiceServer).GetSnapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getTrendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrustServiceServer).GetTrend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetTrendMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrustServiceServer).GetTrend(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getSummaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrustServiceServer).GetSummary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSummaryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrustServiceServer).GetSummary(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// TrustServiceClient is the client API of TrustService.
type TrustServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTrustServiceClient creates a client over cc.
func NewTrustServiceClient(cc grpc.ClientConnInterface) *TrustServiceClient {
	return &TrustServiceClient{cc: cc}
}

// SubmitEvaluation submits one evaluation.
func (c *TrustServiceClient) SubmitEvaluation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SubmitEvaluationMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSnapshot returns the running totals.
func (c *TrustServiceClient) GetSnapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetSnapshotMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTrend returns the last days days. The response holds the points
// under "trend".
func (c *TrustServiceClient) GetTrend(ctx context.Context, days int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"days": days})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetTrendMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSummary returns the snapshot plus action rates.
func (c *TrustServiceClient) GetSummary(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetSummaryMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
