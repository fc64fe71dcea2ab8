package service

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"github.com/xela07ax/agentflow-engine/internal/registry"
	"go.uber.org/zap"
)

// AgentService — операции консоли над реестром агентов.
// Запись идет через Registry (валидация там), после изменения
// публикуется сигнал движку перечитать кэш.
type AgentService struct {
	reg    *registry.Registry
	rdb    *redis.Client
	logger *zap.Logger
}

func NewAgentService(reg *registry.Registry, rdb *redis.Client, logger *zap.Logger) *AgentService {
	return &AgentService{
		reg:    reg,
		rdb:    rdb,
		logger: logger.Named("agent-service"),
	}
}

func (s *AgentService) Register(ctx context.Context, agent *domain.Agent) (*domain.Agent, error) {
	created, err := s.reg.Register(ctx, agent)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, created.ID)
	return created, nil
}

func (s *AgentService) Get(ctx context.Context, id string) (*domain.Agent, error) {
	return s.reg.Get(ctx, id)
}

func (s *AgentService) List(ctx context.Context) ([]*domain.Agent, error) {
	return s.reg.List(ctx)
}

func (s *AgentService) Delete(ctx context.Context, id string) error {
	if err := s.reg.Delete(ctx, id); err != nil {
		return err
	}
	s.notify(ctx, id)
	return nil
}

// notify — сигнал движку: реестр изменился. Потеря сигнала не фатальна,
// движок пересинхронизируется при следующем reconnect.
func (s *AgentService) notify(ctx context.Context, agentID string) {
	if err := s.rdb.Publish(ctx, infra.RedisChanAgentUpdate, agentID).Err(); err != nil {
		s.logger.Error("failed to publish agent update", zap.String("agent_id", agentID), zap.Error(err))
	}
}
