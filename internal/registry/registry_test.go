package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"go.uber.org/zap"
)

type agentRepoFake struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
}

func newAgentRepoFake() *agentRepoFake {
	return &agentRepoFake{agents: make(map[string]*domain.Agent)}
}

func (f *agentRepoFake) CreateAgent(_ context.Context, agent *domain.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.Project == agent.Project && a.Name == agent.Name {
			return fmt.Errorf("%w: %s/%s", domain.ErrAgentExists, agent.Project, agent.Name)
		}
	}
	cp := *agent
	f.agents[agent.ID] = &cp
	return nil
}

func (f *agentRepoFake) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrAgentNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (f *agentRepoFake) ListAgents(_ context.Context) ([]*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (f *agentRepoFake) DeleteAgent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[id]; !ok {
		return fmt.Errorf("%w: agent %s", domain.ErrAgentNotFound, id)
	}
	delete(f.agents, id)
	return nil
}

func sampleAgent(name string) *domain.Agent {
	schema := json.RawMessage(`{"type": "object"}`)
	return &domain.Agent{
		Project:   "test",
		Name:      name,
		RiskClass: domain.RiskAuto,
		Capabilities: []domain.Capability{
			{Name: name + ".run", InputSchema: schema, OutputSchema: schema, TimeoutSec: 10},
		},
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := New(newAgentRepoFake(), zap.NewNop())

	agent, err := reg.Register(context.Background(), sampleAgent("copywriter"))
	require.NoError(t, err)
	require.NotEmpty(t, agent.ID)

	// Резолв идет из кэша без похода в БД
	got, cap, err := reg.Resolve(agent.ID, "copywriter.run")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, 10, cap.TimeoutSec)

	_, _, err = reg.Resolve(agent.ID, "unknown.op")
	require.ErrorIs(t, err, domain.ErrCapabilityMismatch)

	_, _, err = reg.Resolve("ghost", "copywriter.run")
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestRegistryRegisterRejectsInvalid(t *testing.T) {
	reg := New(newAgentRepoFake(), zap.NewNop())

	bad := sampleAgent("bad")
	bad.Capabilities = nil
	_, err := reg.Register(context.Background(), bad)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	repo := newAgentRepoFake()
	reg := New(repo, zap.NewNop())

	_, err := reg.Register(context.Background(), sampleAgent("dup"))
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), sampleAgent("dup"))
	require.ErrorIs(t, err, domain.ErrAgentExists)
}

func TestRegistryRefreshReplacesCache(t *testing.T) {
	repo := newAgentRepoFake()
	reg := New(repo, zap.NewNop())

	agent, err := reg.Register(context.Background(), sampleAgent("stale"))
	require.NoError(t, err)

	// Агента удалили в обход кэша (другой процесс)
	require.NoError(t, repo.DeleteAgent(context.Background(), agent.ID))

	require.NoError(t, reg.Refresh(context.Background()))

	_, _, err = reg.Resolve(agent.ID, "stale.run")
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestRegistryDeleteEvicts(t *testing.T) {
	reg := New(newAgentRepoFake(), zap.NewNop())

	agent, err := reg.Register(context.Background(), sampleAgent("gone"))
	require.NoError(t, err)

	require.NoError(t, reg.Delete(context.Background(), agent.ID))

	_, _, err = reg.Resolve(agent.ID, "gone.run")
	require.ErrorIs(t, err, domain.ErrAgentNotFound)

	_, err = reg.Get(context.Background(), agent.ID)
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestRegistryGetFallsBackToRepo(t *testing.T) {
	repo := newAgentRepoFake()
	a := sampleAgent("cold")
	a.ID = "agent-cold"
	require.NoError(t, repo.CreateAgent(context.Background(), a))

	// Свежий реестр с пустым кэшем
	reg := New(repo, zap.NewNop())
	got, err := reg.Get(context.Background(), "agent-cold")
	require.NoError(t, err)
	assert.Equal(t, "cold", got.Name)

	// После промаха агент осел в кэше и резолвится
	_, _, err = reg.Resolve("agent-cold", "cold.run")
	require.NoError(t, err)
}
