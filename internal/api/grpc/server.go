package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/trustlens/trustlens/internal/engine"
	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/internal/query"
)

// TrustServer implements TrustServiceServer over an engine.
type TrustServer struct {
	engine *engine.Engine
}

// NewTrustServer creates a new gRPC trust server.
func NewTrustServer(eng *engine.Engine) *TrustServer {
	return &TrustServer{engine: eng}
}

// NewServer creates a gRPC server carrying TrustService and the standard
// health service, which reports SERVING for both.
func NewServer(eng *engine.Engine, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(requestIDInterceptor))
	s := grpc.NewServer(opts...)
	RegisterTrustServiceServer(s, NewTrustServer(eng))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}

// SubmitEvaluation accepts the same body as POST /v1/evaluations.
func (s *TrustServer) SubmitEvaluation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req engine.SubmitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(terrors.NewValidationError(terrors.CodeInvalidBody, fmt.Sprintf("invalid request: %v", err)))
	}
	res, err := s.engine.Submit(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	if res.Created {
		_ = grpc.SetHeader(ctx, metadata.Pairs("x-created", "true"))
	}
	return toStruct(res)
}

// GetSnapshot returns the running totals.
func (s *TrustServer) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.engine.Query().GetSnapshot())
}

// GetTrend reads "days" from the request, defaulting to the HTTP default.
func (s *TrustServer) GetTrend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	days := query.DefaultTrendDays
	if v, ok := in.GetFields()["days"]; ok {
		n := v.GetNumberValue()
		if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum || n != math.Trunc(n) {
			return nil, toStatus(terrors.NewInvalidRangeError("days must be an integer"))
		}
		// Range-check as a float; int() of an out-of-range float is undefined.
		if n < 1 || n > float64(s.engine.Query().RetentionDays()) {
			return nil, toStatus(terrors.NewInvalidRangeError(
				fmt.Sprintf("days must be between 1 and %d", s.engine.Query().RetentionDays())))
		}
		days = int(n)
	}
	points, err := s.engine.Query().GetTrend(days)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(struct {
		Days  int                `json:"days"`
		Trend []query.TrendPoint `json:"trend"`
	}{days, points})
}

// GetSummary returns the snapshot plus action rates.
func (s *TrustServer) GetSummary(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.engine.Query().GetSummary())
}

// toStruct converts v through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case terrors.IsValidation(err), errors.Is(err, terrors.ErrInvalidRange):
		code = codes.InvalidArgument
	case errors.Is(err, terrors.ErrNotFound):
		code = codes.NotFound
	case terrors.IsRetryable(err):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// requestIDInterceptor propagates or assigns x-request-id and logs failures.
func requestIDInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	requestID := extractRequestID(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", requestID))

	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil && status.Code(err) != codes.InvalidArgument {
		log.Printf("grpc: %s (request %s) failed after %v: %v", info.FullMethod, requestID, time.Since(start), err)
	}
	return resp, err
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
