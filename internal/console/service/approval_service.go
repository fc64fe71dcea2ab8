package service

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"go.uber.org/zap"
)

type ApprovalRepository interface {
	GetApproval(ctx context.Context, id string) (*domain.Approval, error)
	FindApprovals(ctx context.Context, status domain.ApprovalStatus) ([]*domain.Approval, error)
	DecideApproval(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, notes string) (*domain.Approval, error)
}

// ApprovalService — очередь Human-in-the-loop.
// Решение пишется CAS-ом (второй ревьюер получает конфликт), после
// записи движок будится сигналом и продолжает запуск.
type ApprovalService struct {
	repo   ApprovalRepository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewApprovalService(repo ApprovalRepository, rdb *redis.Client, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("approval-service"),
	}
}

func (s *ApprovalService) Get(ctx context.Context, id string) (*domain.Approval, error) {
	return s.repo.GetApproval(ctx, id)
}

func (s *ApprovalService) List(ctx context.Context, status domain.ApprovalStatus) ([]*domain.Approval, error) {
	return s.repo.FindApprovals(ctx, status)
}

func (s *ApprovalService) Decide(ctx context.Context, id string, approved bool, reviewerID, notes string) (*domain.Approval, error) {
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}

	decided, err := s.repo.DecideApproval(ctx, id, status, reviewerID, notes)
	if err != nil {
		return nil, err
	}

	// Будим движок: решение принято, запуск может двигаться дальше
	if err := s.rdb.Publish(ctx, infra.RedisChanRunWakeup, decided.RunID).Err(); err != nil {
		s.logger.Error("failed to publish wakeup after decision",
			zap.String("run_id", decided.RunID), zap.Error(err))
	}

	s.logger.Info("approval decided",
		zap.String("approval_id", id),
		zap.String("run_id", decided.RunID),
		zap.String("node_id", decided.NodeID),
		zap.String("status", string(status)),
		zap.String("reviewer_id", reviewerID))
	return decided, nil
}
