package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/riskgate/internal/domain"
	"go.uber.org/zap"
)

type ctxKey struct{}

// TokenValidator общий интерфейс для API решений, gRPC и консоли
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope пропускает только операторов с нужным scope (или admin).
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil || !HasScope(claims, scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func HasScope(c *domain.CustomClaims, scope string) bool {
	return c.Scopes[domain.ScopeAdmin] || c.Scopes[scope]
}

func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFrom(ctx context.Context) *domain.CustomClaims {
	c, _ := ctx.Value(ctxKey{}).(*domain.CustomClaims)
	return c
}

// OperatorID идентификатор оператора для аудита действий; "system" без токена.
func OperatorID(ctx context.Context) string {
	if c := ClaimsFrom(ctx); c != nil && c.OperatorID != "" {
		return c.OperatorID
	}
	return "system"
}
