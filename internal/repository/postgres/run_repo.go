package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/agentflow-engine/internal/domain"
)

// CreateRun создает запуск вместе со снапшотом узлов в одной транзакции.
// Снапшот фиксирует DAG на момент старта: поздние правки воркфлоу
// запуск уже не видят.
func (s *Store) CreateRun(ctx context.Context, run *domain.WorkflowRun, nodes []domain.RunNode) error {
	triggerCtx, err := json.Marshal(run.TriggerContext)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal trigger context: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, workflow_version, trigger_context, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.WorkflowID, run.WorkflowVersion, triggerCtx, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert run: %w", err)
	}

	for _, n := range nodes {
		input, mErr := json.Marshal(n.Input)
		if mErr != nil {
			return fmt.Errorf("postgres: failed to marshal snapshot input: %w", mErr)
		}
		deps, mErr := json.Marshal(n.DependsOn)
		if mErr != nil {
			return fmt.Errorf("postgres: failed to marshal snapshot deps: %w", mErr)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO workflow_run_nodes (run_id, node_id, agent_id, capability, input, depends_on, approval_required, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			run.ID, n.NodeID, n.AgentID, n.Capability, input, deps, n.ApprovalRequired, n.Status)
		if err != nil {
			return fmt.Errorf("postgres: failed to insert snapshot node %s: %w", n.NodeID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var triggerCtx []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, workflow_id, workflow_version, trigger_context, status, started_at, finished_at
		 FROM workflow_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &triggerCtx,
		&run.Status, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to fetch run: %w", err)
	}
	if err := json.Unmarshal(triggerCtx, &run.TriggerContext); err != nil {
		return nil, fmt.Errorf("postgres: corrupted trigger context for run %s: %w", id, err)
	}
	return &run, nil
}

// ListRunNodes — снапшот узлов запуска с их текущими статусами.
func (s *Store) ListRunNodes(ctx context.Context, runID string) ([]domain.RunNode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, node_id, agent_id, capability, input, depends_on, approval_required, status,
		        COALESCE(error_kind, ''), COALESCE(error, '')
		 FROM workflow_run_nodes WHERE run_id = $1 ORDER BY node_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query run nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]domain.RunNode, 0)
	for rows.Next() {
		var n domain.RunNode
		var input, deps []byte
		if err := rows.Scan(&n.RunID, &n.NodeID, &n.AgentID, &n.Capability, &input, &deps,
			&n.ApprovalRequired, &n.Status, &n.ErrorKind, &n.Error); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan run node: %w", err)
		}
		if err := json.Unmarshal(input, &n.Input); err != nil {
			return nil, fmt.Errorf("postgres: corrupted snapshot input: %w", err)
		}
		if err := json.Unmarshal(deps, &n.DependsOn); err != nil {
			return nil, fmt.Errorf("postgres: corrupted snapshot deps: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ClaimNode атомарно забирает узел в работу: PENDING -> RUNNING.
// Условие WHERE status = 'PENDING' исключает Double Dispatch при гонке
// двух переоценок одного запуска.
func (s *Store) ClaimNode(ctx context.Context, runID, nodeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_run_nodes SET status = 'RUNNING'
		 WHERE run_id = $1 AND node_id = $2 AND status = 'PENDING'`,
		runID, nodeID)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to claim node: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishNode переводит узел в терминальный статус (CAS по текущему статусу).
// Терминальный узел больше не меняется.
func (s *Store) FinishNode(ctx context.Context, runID, nodeID string, from, to domain.NodeStatus, errorKind, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_run_nodes SET status = $1, error_kind = NULLIF($2, ''), error = NULLIF($3, '')
		 WHERE run_id = $4 AND node_id = $5 AND status = $6`,
		to, errorKind, errMsg, runID, nodeID, from)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to finish node: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateRunStatus — CAS-переход статуса запуска. Разрешенные исходные
// статусы перечисляются явно; из терминальных переходов нет.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, to domain.RunStatus, from ...domain.RunStatus) (bool, error) {
	fromList := make([]string, 0, len(from))
	for _, f := range from {
		fromList = append(fromList, string(f))
	}

	var query string
	if to.IsTerminal() {
		query = `UPDATE workflow_runs SET status = $1, finished_at = NOW()
		         WHERE id = $2 AND status = ANY($3)`
	} else {
		query = `UPDATE workflow_runs SET status = $1
		         WHERE id = $2 AND status = ANY($3)`
	}

	tag, err := s.pool.Exec(ctx, query, to, runID, fromList)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to update run status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateAgentRun фиксирует начало очередной попытки исполнения capability.
func (s *Store) CreateAgentRun(ctx context.Context, ar *domain.AgentRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, agent_id, capability, run_id, node_id, attempt, input, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ar.ID, ar.AgentID, ar.Capability, ar.RunID, ar.NodeID, ar.Attempt, ar.Input, ar.Status, ar.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create agent run: %w", err)
	}
	return nil
}

// FinishAgentRun закрывает попытку. CAS по RUNNING: терминальная запись
// неизменяема, ретрай всегда создает новую.
func (s *Store) FinishAgentRun(ctx context.Context, id string, status domain.AgentRunStatus, output json.RawMessage, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET status = $1, output = $2, error = NULLIF($3, ''), finished_at = NOW()
		 WHERE id = $4 AND status = 'RUNNING'`,
		status, output, errMsg, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to finish agent run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: agent run %s is not running", id)
	}
	return nil
}

// ListAgentRuns — вся история попыток запуска (включая неудачные ретраи).
func (s *Store) ListAgentRuns(ctx context.Context, runID string) ([]domain.AgentRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, capability, run_id, node_id, attempt, input, output,
		        status, COALESCE(error, ''), started_at, finished_at
		 FROM agent_runs WHERE run_id = $1 ORDER BY started_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agent runs: %w", err)
	}
	defer rows.Close()

	results := make([]domain.AgentRun, 0)
	for rows.Next() {
		var ar domain.AgentRun
		if err := rows.Scan(&ar.ID, &ar.AgentID, &ar.Capability, &ar.RunID, &ar.NodeID, &ar.Attempt,
			&ar.Input, &ar.Output, &ar.Status, &ar.Error, &ar.StartedAt, &ar.FinishedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent run: %w", err)
		}
		results = append(results, ar)
	}
	return results, rows.Err()
}

// NodeOutputs возвращает выводы успешных узлов запуска для рендера шаблонов.
// Берем только SUCCESS-попытки: для узла это ровно одна запись.
func (s *Store) NodeOutputs(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, output FROM agent_runs
		 WHERE run_id = $1 AND node_id IS NOT NULL AND status = 'SUCCESS'`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query node outputs: %w", err)
	}
	defer rows.Close()

	outputs := make(map[string]json.RawMessage)
	for rows.Next() {
		var nodeID string
		var output json.RawMessage
		if err := rows.Scan(&nodeID, &output); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan node output: %w", err)
		}
		outputs[nodeID] = output
	}
	return outputs, rows.Err()
}

// ResetRunningNodes возвращает узлы, зависшие в RUNNING, обратно в PENDING.
// Вызывается при восстановлении после рестарта движка: прерванный диспатч
// отыгрывается заново, новая попытка получит новую запись agent_run.
func (s *Store) ResetRunningNodes(ctx context.Context, runID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_run_nodes SET status = 'PENDING'
		 WHERE run_id = $1 AND status = 'RUNNING'`, runID)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to reset running nodes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListUnfinishedRuns — все нетерминальные запуски; используется при старте
// движка для восстановления после рестарта.
func (s *Store) ListUnfinishedRuns(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM workflow_runs WHERE status NOT IN ('SUCCESS', 'FAILED')`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query unfinished runs: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRuns — страница запусков для консоли.
func (s *Store) ListRuns(ctx context.Context, workflowID string, limit int) ([]*domain.WorkflowRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, workflow_id, workflow_version, trigger_context, status, started_at, finished_at
	          FROM workflow_runs`
	args := []interface{}{}
	if workflowID != "" {
		query += ` WHERE workflow_id = $1`
		args = append(args, workflowID)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query runs: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.WorkflowRun, 0)
	for rows.Next() {
		var run domain.WorkflowRun
		var triggerCtx []byte
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &triggerCtx,
			&run.Status, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan run: %w", err)
		}
		if err := json.Unmarshal(triggerCtx, &run.TriggerContext); err != nil {
			return nil, fmt.Errorf("postgres: corrupted trigger context: %w", err)
		}
		results = append(results, &run)
	}
	return results, rows.Err()
}
