package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/riskgate/internal/domain"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменные ошибки в HTTP коды
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflictingDeployment),
		errors.Is(err, domain.ErrStaleRolloutState),
		errors.Is(err, domain.ErrRolloutActive),
		errors.Is(err, domain.ErrInvalidRolloutTransition),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRule),
		errors.Is(err, domain.ErrThresholdsNotMet),
		errors.Is(err, domain.ErrConfigurationIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPersistenceLag):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
