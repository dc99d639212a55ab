package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/riskgate/internal/domain"
	"go.uber.org/zap"
)

// Reconciler журнал решений, чей аудит не удалось записать
type Reconciler interface {
	Pending() []domain.DecisionOutcome
	Replay(ctx context.Context) (int, error)
}

type ReconciliationHandler struct {
	journal Reconciler
	logger  *zap.Logger
}

func NewReconciliationHandler(j Reconciler, logger *zap.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{journal: j, logger: logger}
}

// List GET /v1/reconciliation
func (h *ReconciliationHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.journal.Pending())
}

// Replay POST /v1/reconciliation/replay
func (h *ReconciliationHandler) Replay(w http.ResponseWriter, r *http.Request) {
	n, err := h.journal.Replay(r.Context())
	if err != nil {
		h.logger.Error("reconciliation replay failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": n, "remaining": len(h.journal.Pending())})
}
