package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/review"
	"go.uber.org/zap"
)

type OutcomeReader interface {
	GetOutcome(ctx context.Context, id string) (*domain.DecisionOutcome, error)
}

// LaggingReader решения, которые отданы клиенту, но еще не записаны.
type LaggingReader interface {
	Lookup(id string) (*domain.DecisionOutcome, bool)
}

type StateReader interface {
	State(ctx context.Context, o *domain.DecisionOutcome) (*review.State, error)
}

// Handler публичный API решений для чекаута.
type Handler struct {
	engine   *Engine
	outcomes OutcomeReader
	lagging  LaggingReader
	states   StateReader
	logger   *zap.Logger
}

func NewHandler(e *Engine, outcomes OutcomeReader, lagging LaggingReader, states StateReader, logger *zap.Logger) *Handler {
	return &Handler{
		engine:   e,
		outcomes: outcomes,
		lagging:  lagging,
		states:   states,
		logger:   logger.Named("decision-api"),
	}
}

// Routes guard необязательная авторизация (JWT + scope) для защищенной группы.
func (h *Handler) Routes(guard ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		for _, mw := range guard {
			r.Use(mw)
		}
		r.Post("/v1/decide", h.Decide)
		r.Get("/v1/decisions/{id}", h.GetDecision)
	})
	return r
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.engine.Decide(r.Context(), &tx)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransaction) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("decision failed", zap.String("trace_id", extractTraceID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := decisionResponse{DecisionOutcome: o, ExternalStatus: o.ExternalStatus()}
	writeJSON(w, http.StatusOK, resp)
}

// decisionResponse внешний статус рядом с внутренним: blocked в очереди виден как manual_review.
type decisionResponse struct {
	*domain.DecisionOutcome
	ExternalStatus domain.EvaluationStatus `json:"status"`
}

func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	o, err := h.outcomes.GetOutcome(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) && h.lagging != nil {
		if lagged, ok := h.lagging.Lookup(id); ok {
			o, err = lagged, nil
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "decision not found")
			return
		}
		h.logger.Error("decision lookup failed", zap.String("outcome_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if h.states == nil {
		writeJSON(w, http.StatusOK, review.State{Outcome: o, EffectiveStatus: o.ExternalStatus()})
		return
	}
	st, err := h.states.State(r.Context(), o)
	if err != nil {
		h.logger.Error("decision state lookup failed", zap.String("outcome_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
