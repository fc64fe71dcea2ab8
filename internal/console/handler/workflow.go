package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentflow-engine/internal/domain"
)

type WorkflowService interface {
	Save(ctx context.Context, wf *domain.Workflow) (*domain.Workflow, error)
	Get(ctx context.Context, id string) (*domain.Workflow, error)
	List(ctx context.Context) ([]*domain.Workflow, error)
	SetStatus(ctx context.Context, id string, status domain.WorkflowStatus) error
}

type WorkflowHandler struct {
	service WorkflowService
}

func NewWorkflowHandler(s WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{service: s}
}

// Save — создание нового или новая версия существующего (project, name)
func (h *WorkflowHandler) Save(w http.ResponseWriter, r *http.Request) {
	var wf domain.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	saved, err := h.service.Save(r.Context(), &wf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus переключает lifecycle: ACTIVE / DRAFT / ARCHIVED
func (h *WorkflowHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.SetStatus(r.Context(), chi.URLParam(r, "id"), domain.WorkflowStatus(req.Status)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
