package scoring

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/riskgate/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterScorerServer поднимает ScorerService поверх любого Client.
// Используется командой simulate-scorer и тестами gRPC клиента.
func RegisterScorerServer(s *grpc.Server, backend Client) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "riskgate.scorer.v1.ScorerService",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Score",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return serveScore(ctx, backend, req.(*structpb.Struct))
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{FullMethod: ScoreMethod}, handler)
			},
		}},
		Streams:  []grpc.StreamDesc{},
		Metadata: "riskgate/scorer/v1/scorer.proto",
	}, nil)
}

func serveScore(ctx context.Context, backend Client, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	s := &domain.Scorer{
		ID:      f["scorer_id"].GetStringValue(),
		Family:  f["model_family"].GetStringValue(),
		Version: f["model_version"].GetStringValue(),
	}
	submitted, _ := time.Parse(time.RFC3339, f["submitted_at"].GetStringValue())
	tx := &domain.Transaction{
		ID:                f["transaction_id"].GetStringValue(),
		UserID:            f["user_id"].GetStringValue(),
		Amount:            decimal.NewFromFloat(f["amount"].GetNumberValue()),
		Currency:          f["currency"].GetStringValue(),
		IPAddress:         f["ip_address"].GetStringValue(),
		DeviceFingerprint: f["device_fingerprint"].GetStringValue(),
		BillingCountry:    f["billing_country"].GetStringValue(),
		SubmittedAt:       submitted,
	}

	score, err := backend.Score(ctx, s, tx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]interface{}{"score": score, "scorer_id": s.ID})
}
