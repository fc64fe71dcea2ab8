package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/infra/auth"
)

// ApprovalService — что хендлеру нужно от сервиса
type ApprovalService interface {
	Get(ctx context.Context, id string) (*domain.Approval, error)
	List(ctx context.Context, status domain.ApprovalStatus) ([]*domain.Approval, error)
	Decide(ctx context.Context, id string, approved bool, reviewerID, notes string) (*domain.Approval, error)
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) Get(w http.ResponseWriter, r *http.Request) {
	approval, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status") // ?status=...
	if status == "" {
		status = string(domain.ApprovalPending) // дефолт: очередь ревьюера
	}

	list, err := h.service.List(r.Context(), domain.ApprovalStatus(status))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type decideRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Ревьюер — авторизованный оператор из токена
	reviewerID := auth.UserID(r.Context())
	if reviewerID == "" {
		http.Error(w, "reviewer identity missing", http.StatusUnauthorized)
		return
	}
	if !auth.HasScope(r.Context(), "approvals.decide") {
		http.Error(w, "scope approvals.decide required", http.StatusForbidden)
		return
	}

	decided, err := h.service.Decide(r.Context(), id, req.Approved, reviewerID, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decided)
}
