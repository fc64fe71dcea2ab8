package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/agentflow-engine/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError переводит доменную ошибку в HTTP-статус.
// Текст ошибки отдаем как есть: API внутренний, операторский.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrDependencyCycle),
		errors.Is(err, domain.ErrCapabilityMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAgentExists),
		errors.Is(err, domain.ErrAlreadyDecided),
		errors.Is(err, domain.ErrRunFinished),
		errors.Is(err, domain.ErrWorkflowNotActive):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
