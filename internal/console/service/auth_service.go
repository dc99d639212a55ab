package service

import (
	"context"
	"errors"
	"time"

	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra/auth"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type OperatorProvider interface {
	GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error)
}

type AuthService struct {
	repo   OperatorProvider
	issuer *auth.Issuer
}

func NewAuthService(repo OperatorProvider, issuer *auth.Issuer) *AuthService {
	return &AuthService{repo: repo, issuer: issuer}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Оператор (источник правды хранилище)
	op, err := s.repo.GetOperatorByUsername(ctx, username)
	if err != nil || op == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Пароль
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Токен со scope оператора, подпись RS256
	return s.issuer.Issue(op, time.Now())
}

// HashPassword для seed и заведения операторов.
func HashPassword(password string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
