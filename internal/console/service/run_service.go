package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/engine"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"github.com/xela07ax/agentflow-engine/internal/registry"
	"go.uber.org/zap"
)

type RunRepository interface {
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	CreateRun(ctx context.Context, run *domain.WorkflowRun, nodes []domain.RunNode) error
	GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error)
	ListRuns(ctx context.Context, workflowID string, limit int) ([]*domain.WorkflowRun, error)
	ListRunNodes(ctx context.Context, runID string) ([]domain.RunNode, error)
	ListAgentRuns(ctx context.Context, runID string) ([]domain.AgentRun, error)
	ListRunApprovals(ctx context.Context, runID string) ([]*domain.Approval, error)
}

// RunService — ручные старты и отмены запусков из консоли.
// Консоль и движок — разные процессы: запись идет в общую БД,
// пробуждение планировщика — сигналом через Redis.
type RunService struct {
	repo   RunRepository
	reg    *registry.Registry
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRunService(repo RunRepository, reg *registry.Registry, rdb *redis.Client, logger *zap.Logger) *RunService {
	return &RunService{
		repo:   repo,
		reg:    reg,
		rdb:    rdb,
		logger: logger.Named("run-service"),
	}
}

// Start создает PENDING-запуск со снапшотом и будит движок.
func (s *RunService) Start(ctx context.Context, workflowID string, trigger map[string]interface{}) (*domain.WorkflowRun, error) {
	wf, err := s.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	run, nodes, err := engine.BuildRun(wf, s.reg, trigger)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateRun(ctx, run, nodes); err != nil {
		return nil, err
	}

	if err := s.rdb.Publish(ctx, infra.RedisChanRunWakeup, run.ID).Err(); err != nil {
		// Запуск уже в БД; движок подберет его при следующей синхронизации
		s.logger.Error("failed to publish run wakeup", zap.String("run_id", run.ID), zap.Error(err))
	}

	s.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("workflow_id", workflowID))
	return run, nil
}

// Get собирает полную карточку запуска: снапшот узлов, история попыток
// и approvals.
func (s *RunService) Get(ctx context.Context, id string) (*domain.RunDetail, error) {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	nodes, err := s.repo.ListRunNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	agentRuns, err := s.repo.ListAgentRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	approvals, err := s.repo.ListRunApprovals(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &domain.RunDetail{
		Run:       *run,
		Nodes:     nodes,
		AgentRuns: agentRuns,
		Approvals: make([]domain.Approval, 0, len(approvals)),
	}
	for _, a := range approvals {
		detail.Approvals = append(detail.Approvals, *a)
	}
	return detail, nil
}

func (s *RunService) List(ctx context.Context, workflowID string, limit int) ([]*domain.WorkflowRun, error) {
	return s.repo.ListRuns(ctx, workflowID, limit)
}

// Cancel шлет движку сигнал отмены. Терминальный запуск отменить нельзя.
func (s *RunService) Cancel(ctx context.Context, id string) error {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", domain.ErrRunFinished, id, run.Status)
	}

	if err := s.rdb.Publish(ctx, infra.RedisChanRunWakeup, id+":cancel").Err(); err != nil {
		return fmt.Errorf("failed to publish cancel signal: %w", err)
	}
	s.logger.Info("run cancel signaled", zap.String("run_id", id))
	return nil
}
