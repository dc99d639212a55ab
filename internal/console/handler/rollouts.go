package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra/auth"
	"github.com/xela07ax/riskgate/internal/rollout"
	"go.uber.org/zap"
)

// RolloutController операторские действия над раскатками
type RolloutController interface {
	StartCanary(ctx context.Context, req rollout.CanaryRequest) (*domain.Rollout, error)
	AdjustWeight(ctx context.Context, id string, pct int, expectedVersion int64) (*domain.Rollout, error)
	Complete(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error)
	Abort(ctx context.Context, id, reason string) (*domain.Rollout, error)

	CreateExperiment(ctx context.Context, req rollout.ExperimentRequest) (*domain.Rollout, error)
	StartExperiment(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error)
	PauseExperiment(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error)
	ResumeExperiment(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error)
	CancelExperiment(ctx context.Context, id, reason string, expectedVersion int64) (*domain.Rollout, error)
	CompleteExperiment(ctx context.Context, id, winner string, expectedVersion int64) (*domain.Rollout, error)

	Get(ctx context.Context, id string) (*domain.Rollout, error)
	List(ctx context.Context) ([]*domain.Rollout, error)
	Metrics(ctx context.Context, id string, window time.Duration, historyLimit int) (*rollout.RolloutMetrics, error)
	Routing() *rollout.Table
}

type RolloutHandler struct {
	ctrl   RolloutController
	logger *zap.Logger
}

func NewRolloutHandler(ctrl RolloutController, logger *zap.Logger) *RolloutHandler {
	return &RolloutHandler{ctrl: ctrl, logger: logger}
}

// actionRequest общее тело действий. Version = версия раскатки, которую видел оператор;
// 0 значит "текущая".
type actionRequest struct {
	Version int64  `json:"version"`
	Weight  int    `json:"weight"`
	Reason  string `json:"reason"`
	Winner  string `json:"winner"`
}

// decodeAction пустое тело допустимо
func decodeAction(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if r.ContentLength == 0 {
		return req, true
	}
	return req, decode(w, r, &req)
}

func (h *RolloutHandler) respond(w http.ResponseWriter, r *http.Request, action string, ro *domain.Rollout, err error) {
	if err != nil {
		h.logger.Warn("rollout action rejected",
			zap.String("action", action), zap.String("rollout_id", chi.URLParam(r, "id")), zap.Error(err))
		writeError(w, err)
		return
	}
	h.logger.Info("rollout action applied",
		zap.String("action", action), zap.String("rollout_id", ro.ID),
		zap.String("status", string(ro.Status)), zap.Int("weight", ro.Weight),
		zap.String("operator", auth.OperatorID(r.Context())))
	writeJSON(w, http.StatusOK, ro)
}

// StartCanary POST /v1/rollouts/canary
func (h *RolloutHandler) StartCanary(w http.ResponseWriter, r *http.Request) {
	var req rollout.CanaryRequest
	if !decode(w, r, &req) {
		return
	}
	ro, err := h.ctrl.StartCanary(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ro)
}

// AdjustWeight POST /v1/rollouts/{id}/weight
func (h *RolloutHandler) AdjustWeight(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ro, err := h.ctrl.AdjustWeight(r.Context(), chi.URLParam(r, "id"), req.Weight, req.Version)
	h.respond(w, r, "adjust_weight", ro, err)
}

func (h *RolloutHandler) Complete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ro, err := h.ctrl.Complete(r.Context(), chi.URLParam(r, "id"), req.Version)
	h.respond(w, r, "complete", ro, err)
}

func (h *RolloutHandler) Abort(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ro, err := h.ctrl.Abort(r.Context(), chi.URLParam(r, "id"), req.Reason)
	h.respond(w, r, "abort", ro, err)
}

// CreateExperiment POST /v1/experiments
func (h *RolloutHandler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req rollout.ExperimentRequest
	if !decode(w, r, &req) {
		return
	}
	ro, err := h.ctrl.CreateExperiment(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ro)
}

func (h *RolloutHandler) StartExperiment(w http.ResponseWriter, r *http.Request) {
	h.versioned(w, r, "start", h.ctrl.StartExperiment)
}

func (h *RolloutHandler) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	h.versioned(w, r, "pause", h.ctrl.PauseExperiment)
}

func (h *RolloutHandler) ResumeExperiment(w http.ResponseWriter, r *http.Request) {
	h.versioned(w, r, "resume", h.ctrl.ResumeExperiment)
}

func (h *RolloutHandler) versioned(w http.ResponseWriter, r *http.Request, action string,
	fn func(ctx context.Context, id string, expectedVersion int64) (*domain.Rollout, error)) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ro, err := fn(r.Context(), chi.URLParam(r, "id"), req.Version)
	h.respond(w, r, action, ro, err)
}

func (h *RolloutHandler) CompleteExperiment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ro, err := h.ctrl.CompleteExperiment(r.Context(), chi.URLParam(r, "id"), req.Winner, req.Version)
	h.respond(w, r, "complete", ro, err)
}

func (h *RolloutHandler) CancelExperiment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ro, err := h.ctrl.CancelExperiment(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Version)
	h.respond(w, r, "cancel", ro, err)
}

// List GET /v1/rollouts
func (h *RolloutHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.ctrl.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *RolloutHandler) Get(w http.ResponseWriter, r *http.Request) {
	ro, err := h.ctrl.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

// Metrics GET /v1/rollouts/{id}/metrics?window=60s&limit=100
func (h *RolloutHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var window time.Duration
	if s := q.Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window"})
			return
		}
		window = d
	}
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	m, err := h.ctrl.Metrics(r.Context(), chi.URLParam(r, "id"), window, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type routingResponse struct {
	Version int64                    `json:"version"`
	Routes  map[string]rollout.Route `json:"routes"`
}

// Routing GET /v1/routing
func (h *RolloutHandler) Routing(w http.ResponseWriter, r *http.Request) {
	t := h.ctrl.Routing()
	writeJSON(w, http.StatusOK, routingResponse{Version: t.Version(), Routes: t.Routes()})
}
