package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes операторской консоли
const (
	ScopeRulesWrite    = "rules:write"
	ScopeScorersWrite  = "scorers:write"
	ScopeRolloutsWrite = "rollouts:write"
	ScopeReviewsWrite  = "reviews:write"
	ScopeDecide        = "decisions:write"
	ScopeAdmin         = "admin"
)

type CustomClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"` // "admin": true или "rollouts:write": true
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

type Operator struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // Никогда не отправляем на фронт
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
}
