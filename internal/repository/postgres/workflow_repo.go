package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/agentflow-engine/internal/domain"
)

// SaveWorkflow сохраняет определение DAG целиком (replace-on-save).
// Существующий воркфлоу с тем же (project, name) получает version+1,
// старые узлы заменяются новым набором в одной транзакции —
// частичной записи не бывает. Живые запуски это не трогает:
// они работают со снапшотом в workflow_run_nodes.
func (s *Store) SaveWorkflow(ctx context.Context, wf *domain.Workflow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingID string
	var existingVersion int
	err = tx.QueryRow(ctx,
		`SELECT id, version FROM workflows WHERE project = $1 AND name = $2`,
		wf.Project, wf.Name,
	).Scan(&existingID, &existingVersion)

	switch {
	case err == nil:
		wf.ID = existingID
		wf.Version = existingVersion + 1
		_, err = tx.Exec(ctx,
			`UPDATE workflows SET version = $1, status = $2, trigger_event = $3, trigger_pattern = $4, updated_at = NOW()
			 WHERE id = $5`,
			wf.Version, wf.Status, wf.Trigger.Event, wf.Trigger.Pattern, wf.ID)
		if err != nil {
			return fmt.Errorf("postgres: failed to update workflow: %w", err)
		}
		if _, err = tx.Exec(ctx, `DELETE FROM workflow_nodes WHERE workflow_id = $1`, wf.ID); err != nil {
			return fmt.Errorf("postgres: failed to drop old nodes: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		wf.Version = 1
		_, err = tx.Exec(ctx,
			`INSERT INTO workflows (id, project, name, version, status, trigger_event, trigger_pattern)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			wf.ID, wf.Project, wf.Name, wf.Version, wf.Status, wf.Trigger.Event, wf.Trigger.Pattern)
		if err != nil {
			return fmt.Errorf("postgres: failed to insert workflow: %w", err)
		}
	default:
		return fmt.Errorf("postgres: failed to look up workflow: %w", err)
	}

	for _, n := range wf.Nodes {
		input, mErr := json.Marshal(n.Input)
		if mErr != nil {
			return fmt.Errorf("postgres: failed to marshal node input: %w", mErr)
		}
		deps, mErr := json.Marshal(n.DependsOn)
		if mErr != nil {
			return fmt.Errorf("postgres: failed to marshal node deps: %w", mErr)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO workflow_nodes (workflow_id, node_id, agent_id, capability, input, depends_on, approval_required)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			wf.ID, n.ID, n.AgentID, n.Capability, input, deps, n.ApprovalRequired)
		if err != nil {
			return fmt.Errorf("postgres: failed to insert node %s: %w", n.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	var wf domain.Workflow
	err := s.pool.QueryRow(ctx,
		`SELECT id, project, name, version, status, trigger_event, trigger_pattern, created_at, updated_at
		 FROM workflows WHERE id = $1`, id,
	).Scan(&wf.ID, &wf.Project, &wf.Name, &wf.Version, &wf.Status,
		&wf.Trigger.Event, &wf.Trigger.Pattern, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: workflow %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to fetch workflow: %w", err)
	}

	nodes, err := s.loadNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Nodes = nodes
	return &wf, nil
}

func (s *Store) loadNodes(ctx context.Context, workflowID string) ([]domain.WorkflowNode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, agent_id, capability, input, depends_on, approval_required
		 FROM workflow_nodes WHERE workflow_id = $1 ORDER BY node_id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]domain.WorkflowNode, 0)
	for rows.Next() {
		var n domain.WorkflowNode
		var input, deps []byte
		if err := rows.Scan(&n.ID, &n.AgentID, &n.Capability, &input, &deps, &n.ApprovalRequired); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan node: %w", err)
		}
		if err := json.Unmarshal(input, &n.Input); err != nil {
			return nil, fmt.Errorf("postgres: corrupted input for node %s: %w", n.ID, err)
		}
		if err := json.Unmarshal(deps, &n.DependsOn); err != nil {
			return nil, fmt.Errorf("postgres: corrupted deps for node %s: %w", n.ID, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListWorkflows отдает определения без узлов (легкий список для консоли).
func (s *Store) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	return s.listWorkflows(ctx,
		`SELECT id, project, name, version, status, trigger_event, trigger_pattern, created_at, updated_at
		 FROM workflows ORDER BY updated_at DESC`)
}

// ListActiveWorkflows — источник для индекса триггеров Event Bridge.
func (s *Store) ListActiveWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	return s.listWorkflows(ctx,
		`SELECT id, project, name, version, status, trigger_event, trigger_pattern, created_at, updated_at
		 FROM workflows WHERE status = 'ACTIVE'`)
}

func (s *Store) listWorkflows(ctx context.Context, query string) ([]*domain.Workflow, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query workflows: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Workflow, 0)
	for rows.Next() {
		var wf domain.Workflow
		if err := rows.Scan(&wf.ID, &wf.Project, &wf.Name, &wf.Version, &wf.Status,
			&wf.Trigger.Event, &wf.Trigger.Pattern, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan workflow: %w", err)
		}
		results = append(results, &wf)
	}
	return results, rows.Err()
}

// SetWorkflowStatus переключает lifecycle (ACTIVE/DRAFT/ARCHIVED).
func (s *Store) SetWorkflowStatus(ctx context.Context, id string, status domain.WorkflowStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: workflow %s", domain.ErrNotFound, id)
	}
	return nil
}
