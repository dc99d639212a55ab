package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/riskgate/internal/domain"
)

type TokenService interface {
	GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error)
}

type AuthHandler struct {
	service TokenService
}

func NewAuthHandler(s TokenService) *AuthHandler {
	return &AuthHandler{service: s}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// не уточняем, что именно неверно (логин или пароль)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
