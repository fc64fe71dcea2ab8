package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"github.com/xela07ax/agentflow-engine/internal/registry"
	"go.uber.org/zap"
)

type WorkflowRepository interface {
	SaveWorkflow(ctx context.Context, wf *domain.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*domain.Workflow, error)
	SetWorkflowStatus(ctx context.Context, id string, status domain.WorkflowStatus) error
}

// WorkflowService — сохранение и lifecycle определений DAG.
// Кривое определение отбивается целиком до записи в БД: структура
// (циклы, битые зависимости) плюс резолв каждой пары agent/capability.
type WorkflowService struct {
	repo   WorkflowRepository
	reg    *registry.Registry
	rdb    *redis.Client
	logger *zap.Logger
}

func NewWorkflowService(repo WorkflowRepository, reg *registry.Registry, rdb *redis.Client, logger *zap.Logger) *WorkflowService {
	return &WorkflowService{
		repo:   repo,
		reg:    reg,
		rdb:    rdb,
		logger: logger.Named("workflow-service"),
	}
}

func (s *WorkflowService) Save(ctx context.Context, wf *domain.Workflow) (*domain.Workflow, error) {
	if wf.Status == "" {
		wf.Status = domain.WorkflowActive
	}
	if err := wf.ValidateStructure(); err != nil {
		return nil, err
	}

	// Каждый узел должен ссылаться на существующего агента и
	// задекларированную им capability
	for _, n := range wf.Nodes {
		if _, _, err := s.reg.Resolve(n.AgentID, n.Capability); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
	}

	wf.ID = uuid.New().String() // для существующего (project, name) БД вернет прежний ID
	if err := s.repo.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	s.notify(ctx, wf.ID)
	s.logger.Info("workflow saved",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("version", wf.Version),
		zap.Int("nodes", len(wf.Nodes)))
	return wf, nil
}

func (s *WorkflowService) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	return s.repo.GetWorkflow(ctx, id)
}

func (s *WorkflowService) List(ctx context.Context) ([]*domain.Workflow, error) {
	return s.repo.ListWorkflows(ctx)
}

func (s *WorkflowService) SetStatus(ctx context.Context, id string, status domain.WorkflowStatus) error {
	switch status {
	case domain.WorkflowActive, domain.WorkflowDraft, domain.WorkflowArchived:
	default:
		return fmt.Errorf("%w: unknown workflow status %q", domain.ErrValidation, status)
	}

	if err := s.repo.SetWorkflowStatus(ctx, id, status); err != nil {
		return err
	}
	s.notify(ctx, id)
	return nil
}

// notify — сигнал Event Bridge перестроить индекс триггеров.
func (s *WorkflowService) notify(ctx context.Context, workflowID string) {
	if err := s.rdb.Publish(ctx, infra.RedisChanWorkflowUpdate, workflowID).Err(); err != nil {
		s.logger.Error("failed to publish workflow update",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
}
