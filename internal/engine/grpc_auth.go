package engine

import (
	"context"

	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor проверяет JWT в метаданных gRPC вызова и scope decisions:write
func UnaryAuthInterceptor(v auth.TokenValidator) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен (в gRPC заголовки обычно в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		// 3. Та же проверка подписи и scopes, что и в HTTP
		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}
		if !auth.HasScope(claims, domain.ScopeDecide) {
			return nil, status.Errorf(codes.PermissionDenied, "token does not grant %s", domain.ScopeDecide)
		}

		// Идем дальше по цепочке
		return handler(auth.WithClaims(ctx, claims), req)
	}
}
