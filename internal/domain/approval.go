package domain

import "time"

// Статусы State Machine апрува.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Approval — решение оператора по узлу конкретного запуска.
// Ровно одна запись на пару (run, node); создается лениво, когда узел
// впервые становится eligible.
type Approval struct {
	ID     string         `json:"id"` // UUID
	RunID  string         `json:"run_id"`
	NodeID string         `json:"node_id"`
	Status ApprovalStatus `json:"status"`

	RequestedBy string  `json:"requested_by"` // "scheduler" или user_id при ручном запросе
	ReviewerID  *string `json:"reviewer_id,omitempty"`
	Notes       *string `json:"notes,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// CanTransitionTo проверяет правила конечного автомата: решение single-shot,
// из PENDING можно уйти только в APPROVED/REJECTED.
func (a *Approval) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != ApprovalPending {
		return ErrAlreadyDecided
	}
	if next != ApprovalApproved && next != ApprovalRejected {
		return ErrValidation
	}
	return nil
}
