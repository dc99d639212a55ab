package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/riskgate/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DecideMethod полное имя метода для клиентов без сгенерированного кода.
const DecideMethod = "/riskgate.v1.DecisionService/Decide"

// GRPCDecisionServer тот же пайплайн Decide, что и для HTTP, поверх google.protobuf.Struct.
type GRPCDecisionServer struct {
	engine *Engine
}

func NewGRPCDecisionServer(e *Engine) *GRPCDecisionServer {
	return &GRPCDecisionServer{engine: e}
}

func (s *GRPCDecisionServer) Register(srv *grpc.Server) {
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "riskgate.v1.DecisionService",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Decide",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.Decide(ctx, req.(*structpb.Struct))
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: s, FullMethod: DecideMethod}, handler)
			},
		}},
		Streams:  []grpc.StreamDesc{},
		Metadata: "riskgate/v1/decision.proto",
	}, s)
}

func (s *GRPCDecisionServer) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct -> JSON -> Transaction: одна схема с HTTP
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var tx domain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed transaction: "+err.Error())
	}
	// Struct хранит числа как double; decimal принимает и строку, и число
	if v, ok := req.GetFields()["amount"]; ok {
		if n, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
			tx.Amount = decimal.NewFromFloat(n.NumberValue)
		}
	}

	// 2. Единый пайплайн обработки (Тот же, что и для HTTP!)
	o, err := s.engine.Decide(ctx, &tx)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransaction) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, "decision failed")
	}

	// 3. Собираем ответ обратно в Struct
	out, err := json.Marshal(decisionResponse{DecisionOutcome: o, ExternalStatus: o.ExternalStatus()})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}
