package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/bastion-pdp/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Сервис описан вручную: запрос и ответ - google.protobuf.Struct с теми же JSON-формами, что и в HTTP.
const (
	DecisionServiceName    = "pdp.v1.DecisionService"
	decisionEvaluateMethod = "/" + DecisionServiceName + "/Evaluate"
	decisionSimulateMethod = "/" + DecisionServiceName + "/Simulate"
)

type DecisionServiceServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Simulate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var DecisionServiceDesc = grpc.ServiceDesc{
	ServiceName: DecisionServiceName,
	HandlerType: (*DecisionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler(decisionEvaluateMethod, DecisionServiceServer.Evaluate)},
		{MethodName: "Simulate", Handler: unaryHandler(decisionSimulateMethod, DecisionServiceServer.Simulate)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pdp/v1/decision.proto",
}

func unaryHandler(fullMethod string, call func(DecisionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DecisionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DecisionServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SimulateRequest - запрос плюс необязательный what-if набор политик.
type SimulateRequest struct {
	domain.AccessRequest
	Policies []domain.Policy `json:"policies,omitempty"`
}

type GRPCDecisionServer struct {
	pdp *PDP
}

func NewGRPCDecisionServer(pdp *PDP) *GRPCDecisionServer {
	return &GRPCDecisionServer{pdp: pdp}
}

func (s *GRPCDecisionServer) Register(srv *grpc.Server) {
	srv.RegisterService(&DecisionServiceDesc, s)
}

func (s *GRPCDecisionServer) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.AccessRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	// Тот же пайплайн, что и для HTTP
	res, err := s.pdp.Evaluate(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *GRPCDecisionServer) Simulate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SimulateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	d, err := s.pdp.Simulate(ctx, req.AccessRequest, req.Policies)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(d)
}

func fromStruct(in *structpb.Struct, dst any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidPolicyConfig):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrSnapshotUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// DecisionClient - клиент для шлюза подключений.
type DecisionClient struct {
	cc grpc.ClientConnInterface
}

func NewDecisionClient(cc grpc.ClientConnInterface) *DecisionClient {
	return &DecisionClient{cc: cc}
}

func (c *DecisionClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, decisionEvaluateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DecisionClient) Simulate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, decisionSimulateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
