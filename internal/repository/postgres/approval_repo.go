package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/agentflow-engine/internal/domain"
)

const approvalColumns = `id, run_id, node_id, status, requested_by, reviewer_id, notes, created_at, updated_at, decided_at`

// EnsureApproval создает запись approval лениво и ровно один раз на пару
// (run_id, node_id). Повторная переоценка запуска попадает в ON CONFLICT
// DO NOTHING и читает уже существующую запись — дубликатов не бывает.
func (s *Store) EnsureApproval(ctx context.Context, a *domain.Approval) (*domain.Approval, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_approvals (id, run_id, node_id, status, requested_by)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, node_id) DO NOTHING`,
		a.ID, a.RunID, a.NodeID, a.Status, a.RequestedBy)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to ensure approval: %w", err)
	}
	created := tag.RowsAffected() > 0

	var got domain.Approval
	err = s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approvals WHERE run_id = $1 AND node_id = $2`,
		a.RunID, a.NodeID,
	).Scan(&got.ID, &got.RunID, &got.NodeID, &got.Status, &got.RequestedBy,
		&got.ReviewerID, &got.Notes, &got.CreatedAt, &got.UpdatedAt, &got.DecidedAt)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to read approval back: %w", err)
	}
	return &got, created, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.Approval, error) {
	var a domain.Approval
	err := s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approvals WHERE id = $1`, id,
	).Scan(&a.ID, &a.RunID, &a.NodeID, &a.Status, &a.RequestedBy,
		&a.ReviewerID, &a.Notes, &a.CreatedAt, &a.UpdatedAt, &a.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: approval %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to fetch approval: %w", err)
	}
	return &a, nil
}

// FindApprovals — список для очереди ревьюера, фильтр по статусу опционален.
func (s *Store) FindApprovals(ctx context.Context, status domain.ApprovalStatus) ([]*domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM workflow_approvals`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()
	return scanApprovals(rows)
}

// ListRunApprovals — все approvals конкретного запуска (для карточки запуска).
func (s *Store) ListRunApprovals(ctx context.Context, runID string) ([]*domain.Approval, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approvals WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query run approvals: %w", err)
	}
	defer rows.Close()
	return scanApprovals(rows)
}

func scanApprovals(rows pgx.Rows) ([]*domain.Approval, error) {
	results := make([]*domain.Approval, 0)
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ID, &a.RunID, &a.NodeID, &a.Status, &a.RequestedBy,
			&a.ReviewerID, &a.Notes, &a.CreatedAt, &a.UpdatedAt, &a.DecidedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		results = append(results, &a)
	}
	return results, rows.Err()
}

// DecideApproval фиксирует решение ревьюера. CAS по status = 'PENDING':
// повторное решение по той же записи получает ErrAlreadyDecided, а не
// перезаписывает первое.
func (s *Store) DecideApproval(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, notes string) (*domain.Approval, error) {
	var a domain.Approval
	err := s.pool.QueryRow(ctx,
		`UPDATE workflow_approvals
		 SET status = $1, reviewer_id = $2, notes = NULLIF($3, ''), decided_at = NOW(), updated_at = NOW()
		 WHERE id = $4 AND status = 'PENDING'
		 RETURNING `+approvalColumns,
		status, reviewerID, notes, id,
	).Scan(&a.ID, &a.RunID, &a.NodeID, &a.Status, &a.RequestedBy,
		&a.ReviewerID, &a.Notes, &a.CreatedAt, &a.UpdatedAt, &a.DecidedAt)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: failed to decide approval: %w", err)
	}

	// Ни одной строки: либо approval нет, либо по нему уже есть решение
	existing, gErr := s.GetApproval(ctx, id)
	if gErr != nil {
		return nil, gErr
	}
	return nil, fmt.Errorf("%w: approval %s is %s", domain.ErrAlreadyDecided, id, existing.Status)
}
