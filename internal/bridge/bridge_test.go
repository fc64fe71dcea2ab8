package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"go.uber.org/zap"
)

type runStarterStub struct {
	mu       sync.Mutex
	started  []string
	triggers []map[string]interface{}
	err      error
}

func (s *runStarterStub) StartRun(_ context.Context, workflowID string, trigger map[string]interface{}) (*domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.started = append(s.started, workflowID)
	s.triggers = append(s.triggers, trigger)
	return &domain.WorkflowRun{ID: "run-" + workflowID, WorkflowID: workflowID}, nil
}

func newTestBridge(t *testing.T, starter RunStarter, workflows ...*domain.Workflow) *Bridge {
	t.Helper()
	idx := NewTriggerIndex(&workflowListerStub{workflows: workflows}, zap.NewNop())
	require.NoError(t, idx.Rebuild(context.Background()))
	return New(nil, idx, starter, zap.NewNop(), infra.BridgeConfig{})
}

func TestBridgeHandleEventStartsMatchedRun(t *testing.T) {
	starter := &runStarterStub{}
	b := newTestBridge(t, starter,
		&domain.Workflow{ID: "wf-push", Trigger: domain.Trigger{Event: "repo.pushed", Pattern: "hub.*.repo.*"}},
		&domain.Workflow{ID: "wf-other", Trigger: domain.Trigger{Event: "repo.merged", Pattern: "hub.>"}},
	)

	b.handleEvent(context.Background(),
		`{"type": "repo.pushed", "subject": "hub.proj42.repo.pushed", "payload": {"branch": "main"}}`)

	// Ровно один запуск, контекст триггера доступен шаблонам
	require.Equal(t, []string{"wf-push"}, starter.started)
	trigger := starter.triggers[0]
	assert.Equal(t, "repo.pushed", trigger["event"])
	assert.Equal(t, "hub.proj42.repo.pushed", trigger["subject"])
	assert.Equal(t, map[string]interface{}{"branch": "main"}, trigger["payload"])
}

func TestBridgeHandleEventNoMatch(t *testing.T) {
	starter := &runStarterStub{}
	b := newTestBridge(t, starter,
		&domain.Workflow{ID: "wf", Trigger: domain.Trigger{Event: "repo.pushed", Pattern: "hub.>"}},
	)

	b.handleEvent(context.Background(),
		`{"type": "repo.deleted", "subject": "hub.proj42.repo.deleted"}`)

	assert.Empty(t, starter.started)
}

func TestBridgeHandleEventMalformedDropped(t *testing.T) {
	starter := &runStarterStub{}
	b := newTestBridge(t, starter,
		&domain.Workflow{ID: "wf", Trigger: domain.Trigger{Event: "e", Pattern: ">"}},
	)

	// Мусор в шине — no-op, не паника
	b.handleEvent(context.Background(), `not json at all`)
	b.handleEvent(context.Background(), `{"subject": "missing.type"}`)

	assert.Empty(t, starter.started)
}

func TestBridgeHandleEventInactiveWorkflowSkipped(t *testing.T) {
	starter := &runStarterStub{err: domain.ErrWorkflowNotActive}
	b := newTestBridge(t, starter,
		&domain.Workflow{ID: "wf", Trigger: domain.Trigger{Event: "e", Pattern: ">"}},
	)

	// Гонка с архивацией: ошибка глотается, не эскалируется
	b.handleEvent(context.Background(), `{"type": "e", "subject": "a.b"}`)
	assert.Empty(t, starter.started)
}
