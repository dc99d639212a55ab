package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra/auth"
	"github.com/xela07ax/riskgate/internal/review"
)

type ReviewService interface {
	List(ctx context.Context, status domain.ReviewStatus) ([]domain.ReviewItem, error)
	Decide(ctx context.Context, outcomeID string, d review.Decision) (*domain.ReviewItem, error)
	FinalizeChallenge(ctx context.Context, outcomeID string, result domain.ChallengeResult) (*domain.Challenge, error)
}

type ReviewHandler struct {
	service ReviewService
}

func NewReviewHandler(s ReviewService) *ReviewHandler {
	return &ReviewHandler{service: s}
}

// List GET /v1/reviews?status=pending
func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.ReviewStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.ReviewPending // дефолт для очереди ревьюера
	}
	if status == "all" {
		status = ""
	}
	list, err := h.service.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Decide POST /v1/reviews/{outcomeID}/decide
func (h *ReviewHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var d review.Decision
	if !decode(w, r, &d) {
		return
	}
	// подотчетность: ревьюер берется только из токена
	d.ReviewerID = auth.OperatorID(r.Context())

	item, err := h.service.Decide(r.Context(), chi.URLParam(r, "outcomeID"), d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type challengeRequest struct {
	Result domain.ChallengeResult `json:"result"`
}

// ChallengeResult POST /v1/challenges/{outcomeID}/result
func (h *ReviewHandler) ChallengeResult(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.service.FinalizeChallenge(r.Context(), chi.URLParam(r, "outcomeID"), req.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":        c,
		"effective_status": c.Result.FinalStatus(),
	})
}
