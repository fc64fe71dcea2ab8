package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/agentflow-engine/internal/domain"
)

// CreateAgent регистрирует агента вместе с декларацией его capabilities.
// Дубликат (project, name) отбивается уникальным индексом.
func (s *Store) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal capabilities: %w", err)
	}

	query := `INSERT INTO agents (id, project, name, risk_class, capabilities)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err = s.pool.Exec(ctx, query, agent.ID, agent.Project, agent.Name, agent.RiskClass, caps)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", domain.ErrAgentExists, agent.Project, agent.Name)
		}
		return fmt.Errorf("postgres: failed to create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT id, project, name, risk_class, capabilities, created_at, updated_at
	          FROM agents WHERE id = $1`

	var a domain.Agent
	var caps []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Project, &a.Name, &a.RiskClass, &caps, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: agent %s", domain.ErrAgentNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to fetch agent: %w", err)
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("postgres: corrupted capabilities for agent %s: %w", id, err)
	}
	return &a, nil
}

// ListAgents возвращает всех зарегистрированных агентов.
func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	query := `SELECT id, project, name, risk_class, capabilities, created_at, updated_at
	          FROM agents ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agents: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.Agent, 0)
	for rows.Next() {
		var a domain.Agent
		var caps []byte
		if err := rows.Scan(&a.ID, &a.Project, &a.Name, &a.RiskClass, &caps, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("postgres: corrupted capabilities for agent %s: %w", a.ID, err)
		}
		results = append(results, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// DeleteAgent удаляет агента. FK RESTRICT со стороны запусков гарантирует,
// что агента с историей исполнения удалить нельзя.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		if isFKViolation(err) {
			return fmt.Errorf("%w: agent %s is referenced by runs or workflows", domain.ErrValidation, id)
		}
		return fmt.Errorf("postgres: failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", domain.ErrAgentNotFound, id)
	}
	return nil
}
