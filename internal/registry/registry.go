package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"go.uber.org/zap"
)

type AgentRepository interface {
	CreateAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// Registry — реестр агентов с потокобезопасным кэшем в памяти.
// Планировщик резолвит (agent, capability) на каждый диспатч узла,
// поэтому Hot Path работает только с RAM; Postgres нужен для записи
// и холодной загрузки Refresh() при старте.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent

	repo   AgentRepository
	logger *zap.Logger
}

func New(repo AgentRepository, logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*domain.Agent),
		repo:   repo,
		logger: logger.Named("registry"),
	}
}

// Register валидирует декларацию агента и сохраняет ее.
// Успешная регистрация сразу попадает в кэш.
func (r *Registry) Register(ctx context.Context, agent *domain.Agent) (*domain.Agent, error) {
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	agent.ID = uuid.New().String()
	agent.CreatedAt = time.Now()
	agent.UpdatedAt = agent.CreatedAt

	if err := r.repo.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("project", agent.Project),
		zap.String("name", agent.Name),
		zap.Int("capabilities", len(agent.Capabilities)),
	)
	return agent, nil
}

// Resolve проверяет, что агент существует и декларирует capability.
// Возвращает декларацию: таймаут и бюджет нужны диспатчеру.
func (r *Registry) Resolve(agentID, capability string) (*domain.Agent, *domain.Capability, error) {
	r.mu.RLock()
	agent, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: agent %s", domain.ErrAgentNotFound, agentID)
	}

	cap, err := agent.Capability(capability)
	if err != nil {
		return nil, nil, err
	}
	return agent, cap, nil
}

// Get достает агента из кэша, при промахе идет в БД.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Agent, error) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	r.mu.RUnlock()
	if ok {
		return agent, nil
	}

	agent, err := r.repo.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()
	return agent, nil
}

// List — всегда из БД: список нужен консоли, не Hot Path.
func (r *Registry) List(ctx context.Context) ([]*domain.Agent, error) {
	return r.repo.ListAgents(ctx)
}

// Delete убирает агента из БД и кэша.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.DeleteAgent(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
	return nil
}

// Refresh — «холодная загрузка» всех агентов из PostgreSQL в память (при старте).
func (r *Registry) Refresh(ctx context.Context) error {
	agentsDb, err := r.repo.ListAgents(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*domain.Agent, len(agentsDb))
	for _, a := range agentsDb {
		fresh[a.ID] = a
	}

	r.mu.Lock()
	r.agents = fresh
	r.mu.Unlock()

	r.logger.Info("agent cache refreshed", zap.Int("count", len(fresh)))
	return nil
}
