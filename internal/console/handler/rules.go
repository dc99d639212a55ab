package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/riskgate/internal/domain"
)

type RuleService interface {
	List(ctx context.Context) ([]domain.Rule, error)
	Get(ctx context.Context, id string) (*domain.Rule, error)
	Create(ctx context.Context, r *domain.Rule) error
	Update(ctx context.Context, r *domain.Rule) error
	SetActive(ctx context.Context, id string, active bool) (*domain.Rule, error)
	Delete(ctx context.Context, id string) error
}

type RuleHandler struct {
	service RuleService
}

func NewRuleHandler(s RuleService) *RuleHandler {
	return &RuleHandler{service: s}
}

// List GET /v1/rules
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Get GET /v1/rules/{id}
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Create POST /v1/rules
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if !decode(w, r, &rule) {
		return
	}
	if err := h.service.Create(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// Update PUT /v1/rules/{id}
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if !decode(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := h.service.Update(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RuleHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *RuleHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *RuleHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	rule, err := h.service.SetActive(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}
