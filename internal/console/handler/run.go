package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentflow-engine/internal/domain"
)

type RunService interface {
	Start(ctx context.Context, workflowID string, trigger map[string]interface{}) (*domain.WorkflowRun, error)
	Get(ctx context.Context, id string) (*domain.RunDetail, error)
	List(ctx context.Context, workflowID string, limit int) ([]*domain.WorkflowRun, error)
	Cancel(ctx context.Context, id string) error
}

type RunHandler struct {
	service RunService
}

func NewRunHandler(s RunService) *RunHandler {
	return &RunHandler{service: s}
}

type startRunRequest struct {
	Trigger map[string]interface{} `json:"trigger"`
}

// Start — ручной запуск воркфлоу: POST /v1/workflows/{id}/runs
func (h *RunHandler) Start(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")

	var req startRunRequest
	// Тело опционально: запуск без контекста триггера легален
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Trigger == nil {
		req.Trigger = map[string]interface{}{}
	}

	run, err := h.service.Start(r.Context(), workflowID, req.Trigger)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := h.service.List(r.Context(), workflowID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
