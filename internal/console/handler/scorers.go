package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra/auth"
	"go.uber.org/zap"
)

type ScorerRegistry interface {
	List(family string) []domain.Scorer
	Register(ctx context.Context, s *domain.Scorer) (*domain.Scorer, error)
	Transition(ctx context.Context, id string, from, to domain.DeploymentStatus) (*domain.Scorer, error)
}

// KillSwitch перевод семейства на одни правила без остановки сервиса
type KillSwitch interface {
	Set(ctx context.Context, family string, disabled bool) error
	Families() []string
}

type ScorerHandler struct {
	registry   ScorerRegistry
	killSwitch KillSwitch
	logger     *zap.Logger
}

func NewScorerHandler(registry ScorerRegistry, ks KillSwitch, logger *zap.Logger) *ScorerHandler {
	return &ScorerHandler{registry: registry, killSwitch: ks, logger: logger}
}

// List GET /v1/scorers?family=fraud
func (h *ScorerHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List(r.URL.Query().Get("family")))
}

// Register POST /v1/scorers
func (h *ScorerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var sc domain.Scorer
	if !decode(w, r, &sc) {
		return
	}
	out, err := h.registry.Register(r.Context(), &sc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type statusRequest struct {
	From domain.DeploymentStatus `json:"from,omitempty"`
	To   domain.DeploymentStatus `json:"to"`
}

// SetStatus POST /v1/scorers/{id}/status
func (h *ScorerHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.registry.Transition(r.Context(), chi.URLParam(r, "id"), req.From, req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("scorer status set by operator",
		zap.String("scorer_id", out.ID), zap.String("to", string(req.To)),
		zap.String("operator", auth.OperatorID(r.Context())))
	writeJSON(w, http.StatusOK, out)
}

type killSwitchRequest struct {
	Family   string `json:"model_family"`
	Disabled bool   `json:"disabled"`
}

// KillSwitch POST /v1/scoring/kill-switch
func (h *ScorerHandler) KillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Family == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model_family is required"})
		return
	}
	if err := h.killSwitch.Set(r.Context(), req.Family, req.Disabled); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("kill switch set by operator",
		zap.String("family", req.Family), zap.Bool("disabled", req.Disabled),
		zap.String("operator", auth.OperatorID(r.Context())))
	writeJSON(w, http.StatusOK, map[string][]string{"disabled_families": h.killSwitch.Families()})
}

// DisabledFamilies GET /v1/scoring/kill-switch
func (h *ScorerHandler) DisabledFamilies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"disabled_families": h.killSwitch.Families()})
}
