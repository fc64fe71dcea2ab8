package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentflow-engine/internal/connectors"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"github.com/xela07ax/agentflow-engine/internal/journal"
	"go.uber.org/zap"
)

// --- In-memory реализация SchedulerStore для тестов ---

type fakeStore struct {
	mu        sync.Mutex
	workflows map[string]*domain.Workflow
	runs      map[string]*domain.WorkflowRun
	nodes     map[string]map[string]*domain.RunNode
	agentRuns []*domain.AgentRun
	approvals map[string]*domain.Approval // runID/nodeID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: make(map[string]*domain.Workflow),
		runs:      make(map[string]*domain.WorkflowRun),
		nodes:     make(map[string]map[string]*domain.RunNode),
		approvals: make(map[string]*domain.Approval),
	}
}

func (f *fakeStore) GetWorkflow(_ context.Context, id string) (*domain.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", domain.ErrNotFound, id)
	}
	cp := *wf
	return &cp, nil
}

func (f *fakeStore) CreateRun(_ context.Context, run *domain.WorkflowRun, nodes []domain.RunNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	f.nodes[run.ID] = make(map[string]*domain.RunNode, len(nodes))
	for i := range nodes {
		n := nodes[i]
		f.nodes[run.ID][n.NodeID] = &n
	}
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	cp := *run
	return &cp, nil
}

func (f *fakeStore) ListRunNodes(_ context.Context, runID string) ([]domain.RunNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.RunNode, 0, len(f.nodes[runID]))
	for _, n := range f.nodes[runID] {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (f *fakeStore) ClaimNode(_ context.Context, runID, nodeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[runID][nodeID]
	if !ok || n.Status != domain.NodePending {
		return false, nil
	}
	n.Status = domain.NodeRunning
	return true, nil
}

func (f *fakeStore) FinishNode(_ context.Context, runID, nodeID string, from, to domain.NodeStatus, errorKind, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[runID][nodeID]
	if !ok || n.Status != from {
		return false, nil
	}
	n.Status = to
	n.ErrorKind = errorKind
	n.Error = errMsg
	return true, nil
}

func (f *fakeStore) UpdateRunStatus(_ context.Context, runID string, to domain.RunStatus, from ...domain.RunStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return false, nil
	}
	for _, fr := range from {
		if run.Status == fr {
			run.Status = to
			if to.IsTerminal() {
				now := time.Now()
				run.FinishedAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) NodeOutputs(_ context.Context, runID string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for _, ar := range f.agentRuns {
		if ar.RunID != nil && *ar.RunID == runID && ar.NodeID != nil && ar.Status == domain.AgentRunSuccess {
			out[*ar.NodeID] = ar.Output
		}
	}
	return out, nil
}

func (f *fakeStore) EnsureApproval(_ context.Context, a *domain.Approval) (*domain.Approval, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := a.RunID + "/" + a.NodeID
	if existing, ok := f.approvals[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *a
	cp.CreatedAt = time.Now()
	f.approvals[key] = &cp
	out := cp
	return &out, true, nil
}

func (f *fakeStore) ResetRunningNodes(_ context.Context, runID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reset := 0
	for _, n := range f.nodes[runID] {
		if n.Status == domain.NodeRunning {
			n.Status = domain.NodePending
			reset++
		}
	}
	return reset, nil
}

func (f *fakeStore) ListUnfinishedRuns(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0)
	for id, run := range f.runs {
		if !run.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) CreateAgentRun(_ context.Context, ar *domain.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ar
	f.agentRuns = append(f.agentRuns, &cp)
	return nil
}

func (f *fakeStore) FinishAgentRun(_ context.Context, id string, status domain.AgentRunStatus, output json.RawMessage, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ar := range f.agentRuns {
		if ar.ID == id && ar.Status == domain.AgentRunRunning {
			ar.Status = status
			ar.Output = output
			ar.Error = errMsg
			now := time.Now()
			ar.FinishedAt = &now
			return nil
		}
	}
	return fmt.Errorf("agent run %s is not running", id)
}

// Хелперы для ассертов

func (f *fakeStore) node(runID, nodeID string) domain.RunNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.nodes[runID][nodeID]
}

func (f *fakeStore) attempts(runID, nodeID string) []domain.AgentRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AgentRun, 0)
	for _, ar := range f.agentRuns {
		if ar.RunID != nil && *ar.RunID == runID && ar.NodeID != nil && *ar.NodeID == nodeID {
			out = append(out, *ar)
		}
	}
	return out
}

func (f *fakeStore) decide(runID, nodeID string, status domain.ApprovalStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.approvals[runID+"/"+nodeID]; ok {
		a.Status = status
	}
}

func (f *fakeStore) approval(runID, nodeID string) *domain.Approval {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.approvals[runID+"/"+nodeID]; ok {
		cp := *a
		return &cp
	}
	return nil
}

// --- Резолвер и исполнитель ---

type fakeResolver struct {
	agents map[string]*domain.Agent
}

func (r *fakeResolver) Resolve(agentID, capability string) (*domain.Agent, *domain.Capability, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: agent %s", domain.ErrAgentNotFound, agentID)
	}
	cap, err := agent.Capability(capability)
	if err != nil {
		return nil, nil, err
	}
	return agent, cap, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	outputs  map[string]string // capability -> JSON ответа
	failures map[string]int    // capability -> сколько первых вызовов провалить
	calls    map[string]int
	blocking map[string]bool // capability висит до отмены контекста
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		outputs:  make(map[string]string),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		blocking: make(map[string]bool),
	}
}

func (e *fakeExecutor) Call(ctx context.Context, req connectors.Request) ([]byte, error) {
	e.mu.Lock()
	e.calls[req.Capability]++
	block := e.blocking[req.Capability]
	fail := e.failures[req.Capability] > 0
	if fail {
		e.failures[req.Capability]--
	}
	out, hasOut := e.outputs[req.Capability]
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, fmt.Errorf("%w: synthetic failure", domain.ErrExecutionFailure)
	}
	if hasOut {
		return []byte(out), nil
	}
	return []byte(`{"status": "ok"}`), nil
}

func (e *fakeExecutor) callCount(capability string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[capability]
}

type journalFake struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *journalFake) Record(e journal.Entry) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *journalFake) countKind(kind string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// --- Сборка тестового движка ---

type testEngine struct {
	store *fakeStore
	exec  *fakeExecutor
	jrnl  *journalFake
	sched *Scheduler
}

func newTestEngine(t *testing.T, agents ...*domain.Agent) *testEngine {
	t.Helper()

	store := newFakeStore()
	exec := newFakeExecutor()
	jrnl := &journalFake{}
	resolver := &fakeResolver{agents: make(map[string]*domain.Agent)}
	for _, a := range agents {
		resolver.agents[a.ID] = a
	}

	logger := zap.NewNop()
	metrics := NewMetrics(nil)
	tracker := NewTracker(store, exec, jrnl, metrics, logger, time.Second)

	sched := NewScheduler(store, resolver, tracker, jrnl, metrics, logger, infra.EngineConfig{
		EvalWorkers:        2,
		QueueSize:          64,
		MaxConcurrentNodes: 8,
		MaxAttempts:        3,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sched.Start(ctx)

	return &testEngine{store: store, exec: exec, jrnl: jrnl, sched: sched}
}

func testAgent(id string, risk domain.RiskClass, caps ...string) *domain.Agent {
	schema := json.RawMessage(`{"type": "object"}`)
	a := &domain.Agent{ID: id, Project: "test", Name: id, RiskClass: risk}
	for _, c := range caps {
		a.Capabilities = append(a.Capabilities, domain.Capability{
			Name: c, InputSchema: schema, OutputSchema: schema, TimeoutSec: 5,
		})
	}
	return a
}

func (te *testEngine) addWorkflow(wf *domain.Workflow) {
	te.store.mu.Lock()
	te.store.workflows[wf.ID] = wf
	te.store.mu.Unlock()
}

func (te *testEngine) waitStatus(t *testing.T, runID string, want domain.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := te.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
}

// --- Сценарии ---

func TestSchedulerLinearChain(t *testing.T) {
	te := newTestEngine(t, testAgent("writer", domain.RiskAuto, "outline", "draft"))
	te.exec.outputs["outline"] = `{"status": "drafted", "sections": 3}`

	te.addWorkflow(&domain.Workflow{
		ID: "wf-1", Project: "test", Name: "chain", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{
			{ID: "a", AgentID: "writer", Capability: "outline", Input: map[string]interface{}{"topic": "go"}},
			{ID: "b", AgentID: "writer", Capability: "draft", DependsOn: []string{"a"},
				Input: map[string]interface{}{"from": "{{nodes.a.status}}"}},
		},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-1", map[string]interface{}{"source": "manual"})
	require.NoError(t, err)

	te.waitStatus(t, run.ID, domain.RunSuccess)

	assert.Equal(t, domain.NodeSuccess, te.store.node(run.ID, "a").Status)
	assert.Equal(t, domain.NodeSuccess, te.store.node(run.ID, "b").Status)

	// Вывод зависимости подставился во вход узла b
	attempts := te.store.attempts(run.ID, "b")
	require.Len(t, attempts, 1)
	assert.JSONEq(t, `{"from": "drafted"}`, string(attempts[0].Input))
}

func TestSchedulerCascadeFailure(t *testing.T) {
	te := newTestEngine(t, testAgent("w", domain.RiskAuto, "root", "bad", "good", "merge"))
	te.exec.failures["bad"] = 100 // все попытки проваливаются

	te.addWorkflow(&domain.Workflow{
		ID: "wf-d", Project: "test", Name: "diamond", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{
			{ID: "root", AgentID: "w", Capability: "root"},
			{ID: "bad", AgentID: "w", Capability: "bad", DependsOn: []string{"root"}},
			{ID: "good", AgentID: "w", Capability: "good", DependsOn: []string{"root"}},
			{ID: "merge", AgentID: "w", Capability: "merge", DependsOn: []string{"bad", "good"}},
		},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-d", nil)
	require.NoError(t, err)

	te.waitStatus(t, run.ID, domain.RunFailed)

	// Независимая ветка довершилась, зависимая каскадно провалилась
	assert.Equal(t, domain.NodeSuccess, te.store.node(run.ID, "good").Status)

	bad := te.store.node(run.ID, "bad")
	assert.Equal(t, domain.NodeFailed, bad.Status)
	assert.Equal(t, domain.ErrorKindExecution, bad.ErrorKind)

	merge := te.store.node(run.ID, "merge")
	assert.Equal(t, domain.NodeFailed, merge.Status)
	assert.Equal(t, domain.ErrorKindDependencyFailed, merge.ErrorKind)

	// Каскадный отказ не доходит до исполнителя
	assert.Empty(t, te.store.attempts(run.ID, "merge"))
}

func TestSchedulerRetriesThenSuccess(t *testing.T) {
	te := newTestEngine(t, testAgent("w", domain.RiskAuto, "flaky"))
	te.exec.failures["flaky"] = 2 // две неудачи, третья попытка проходит

	te.addWorkflow(&domain.Workflow{
		ID: "wf-r", Project: "test", Name: "retry", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{{ID: "n", AgentID: "w", Capability: "flaky"}},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-r", nil)
	require.NoError(t, err)

	te.waitStatus(t, run.ID, domain.RunSuccess)

	// История попыток append-only: две проваленные записи остались
	attempts := te.store.attempts(run.ID, "n")
	require.Len(t, attempts, 3)
	assert.Equal(t, domain.AgentRunFailed, attempts[0].Status)
	assert.Equal(t, domain.AgentRunFailed, attempts[1].Status)
	assert.Equal(t, domain.AgentRunSuccess, attempts[2].Status)
	assert.Equal(t, []int{1, 2, 3}, []int{attempts[0].Attempt, attempts[1].Attempt, attempts[2].Attempt})
}

func TestSchedulerRetriesExhausted(t *testing.T) {
	te := newTestEngine(t, testAgent("w", domain.RiskAuto, "broken"))
	te.exec.failures["broken"] = 100

	te.addWorkflow(&domain.Workflow{
		ID: "wf-x", Project: "test", Name: "exhaust", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{{ID: "n", AgentID: "w", Capability: "broken"}},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-x", nil)
	require.NoError(t, err)

	te.waitStatus(t, run.ID, domain.RunFailed)

	n := te.store.node(run.ID, "n")
	assert.Equal(t, domain.ErrorKindExecution, n.ErrorKind)
	assert.Len(t, te.store.attempts(run.ID, "n"), 3) // ровно MaxAttempts
}

func TestSchedulerTimeoutAttemptsExhausted(t *testing.T) {
	agent := testAgent("w", domain.RiskAuto, "hang")
	agent.Capabilities[0].TimeoutSec = 1
	te := newTestEngine(t, agent)
	te.exec.blocking["hang"] = true // висит до дедлайна попытки

	te.addWorkflow(&domain.Workflow{
		ID: "wf-to", Project: "test", Name: "timeout", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{{ID: "n", AgentID: "w", Capability: "hang"}},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-to", nil)
	require.NoError(t, err)

	// Три попытки по секунде дедлайна каждая
	require.Eventually(t, func() bool {
		got, gErr := te.store.GetRun(context.Background(), run.ID)
		return gErr == nil && got.Status == domain.RunFailed
	}, 15*time.Second, 50*time.Millisecond)

	n := te.store.node(run.ID, "n")
	assert.Equal(t, domain.ErrorKindTimeout, n.ErrorKind)

	attempts := te.store.attempts(run.ID, "n")
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, domain.AgentRunFailed, a.Status)
		assert.Contains(t, a.Error, domain.ErrExecutionTimeout.Error())
	}
}

// Стор, у которого перевод узла в FAILED всегда проигрывает CAS:
// так выглядит переоценка, которую везде опередил конкурент.
type lostCASStore struct {
	*fakeStore
}

func (s *lostCASStore) FinishNode(context.Context, string, string, domain.NodeStatus, domain.NodeStatus, string, string) (bool, error) {
	return false, nil
}

func TestSchedulerEvaluateTerminatesWhenFailCASLost(t *testing.T) {
	base := newFakeStore()
	store := &lostCASStore{fakeStore: base}

	// Снапшот с проваленной зависимостью и PENDING-зависимым
	run := &domain.WorkflowRun{ID: "run-cas", WorkflowID: "wf", Status: domain.RunRunning, StartedAt: time.Now()}
	nodes := []domain.RunNode{
		{RunID: "run-cas", NodeID: "a", Status: domain.NodeFailed, ErrorKind: domain.ErrorKindExecution},
		{RunID: "run-cas", NodeID: "b", DependsOn: []string{"a"}, Status: domain.NodePending},
	}
	require.NoError(t, base.CreateRun(context.Background(), run, nodes))

	logger := zap.NewNop()
	metrics := NewMetrics(nil)
	jrnl := &journalFake{}
	tracker := NewTracker(base, newFakeExecutor(), jrnl, metrics, logger, time.Second)
	sched := NewScheduler(store, &fakeResolver{agents: map[string]*domain.Agent{}}, tracker, jrnl, metrics, logger, infra.EngineConfig{})

	// Каскадный цикл обязан сойтись, даже если ни один CAS не проходит
	done := make(chan struct{})
	go func() {
		sched.evaluate(context.Background(), "run-cas")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("evaluate did not return after losing the node CAS")
	}

	// Узел добьет конкурирующая переоценка, здесь он не тронут
	assert.Equal(t, domain.NodePending, base.node("run-cas", "b").Status)
}

func TestSchedulerApprovalApprove(t *testing.T) {
	te := newTestEngine(t,
		testAgent("safe", domain.RiskAuto, "prepare"),
		testAgent("risky", domain.RiskApprovalRequired, "publish"),
	)

	te.addWorkflow(&domain.Workflow{
		ID: "wf-a", Project: "test", Name: "hitl", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{
			{ID: "prep", AgentID: "safe", Capability: "prepare"},
			{ID: "pub", AgentID: "risky", Capability: "publish", DependsOn: []string{"prep"}},
		},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-a", nil)
	require.NoError(t, err)

	// Запуск повисает в ожидании решения, approval создан лениво и ровно один
	te.waitStatus(t, run.ID, domain.RunWaitingApproval)
	ap := te.store.approval(run.ID, "pub")
	require.NotNil(t, ap)
	assert.Equal(t, domain.ApprovalPending, ap.Status)
	assert.Empty(t, te.store.attempts(run.ID, "pub"))

	// Оператор одобряет — запуск доезжает до конца.
	// Шторм переоценок поверх решения не должен потребить его дважды
	te.store.decide(run.ID, "pub", domain.ApprovalApproved)
	for i := 0; i < 10; i++ {
		te.sched.Enqueue(run.ID)
	}

	te.waitStatus(t, run.ID, domain.RunSuccess)
	assert.Len(t, te.store.attempts(run.ID, "pub"), 1)
	assert.Equal(t, 1, te.jrnl.countKind(journal.KindApprovalDecided))
}

func TestSchedulerApprovalReject(t *testing.T) {
	te := newTestEngine(t, testAgent("risky", domain.RiskApprovalRequired, "publish"))

	te.addWorkflow(&domain.Workflow{
		ID: "wf-rej", Project: "test", Name: "reject", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{{ID: "pub", AgentID: "risky", Capability: "publish"}},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-rej", nil)
	require.NoError(t, err)

	te.waitStatus(t, run.ID, domain.RunWaitingApproval)

	te.store.decide(run.ID, "pub", domain.ApprovalRejected)
	for i := 0; i < 10; i++ {
		te.sched.Enqueue(run.ID)
	}

	te.waitStatus(t, run.ID, domain.RunFailed)

	n := te.store.node(run.ID, "pub")
	assert.Equal(t, domain.ErrorKindApprovalRejected, n.ErrorKind)
	// Реджект не доходит до исполнителя и потребляется один раз
	assert.Empty(t, te.store.attempts(run.ID, "pub"))
	assert.Equal(t, 1, te.jrnl.countKind(journal.KindApprovalDecided))
}

func TestSchedulerApprovalRejectCascades(t *testing.T) {
	te := newTestEngine(t,
		testAgent("safe", domain.RiskAuto, "prepare", "index"),
		testAgent("risky", domain.RiskApprovalRequired, "publish"),
	)

	// A -> {B (обычный), C (под апрувом)}, D зависит от C
	te.addWorkflow(&domain.Workflow{
		ID: "wf-rc", Project: "test", Name: "reject-cascade", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{
			{ID: "a", AgentID: "safe", Capability: "prepare"},
			{ID: "b", AgentID: "safe", Capability: "index", DependsOn: []string{"a"}},
			{ID: "c", AgentID: "risky", Capability: "publish", DependsOn: []string{"a"}},
			{ID: "d", AgentID: "risky", Capability: "publish", DependsOn: []string{"c"}},
		},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-rc", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return te.store.approval(run.ID, "c") != nil
	}, 5*time.Second, 10*time.Millisecond)

	te.store.decide(run.ID, "c", domain.ApprovalRejected)
	te.sched.Enqueue(run.ID)

	te.waitStatus(t, run.ID, domain.RunFailed)

	// Соседняя ветка довершилась, реджект каскадировал только на зависимых
	assert.Equal(t, domain.NodeSuccess, te.store.node(run.ID, "b").Status)
	assert.Equal(t, domain.ErrorKindApprovalRejected, te.store.node(run.ID, "c").ErrorKind)
	assert.Equal(t, domain.ErrorKindDependencyFailed, te.store.node(run.ID, "d").ErrorKind)

	// Реджект single-shot: повторные переоценки не плодят approvals на d
	assert.Nil(t, te.store.approval(run.ID, "d"))
}

func TestSchedulerUnresolvedTemplateFailsNode(t *testing.T) {
	te := newTestEngine(t, testAgent("w", domain.RiskAuto, "op"))

	te.addWorkflow(&domain.Workflow{
		ID: "wf-t", Project: "test", Name: "tmpl", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{
			{ID: "n", AgentID: "w", Capability: "op",
				Input: map[string]interface{}{"v": "{{trigger.absent.key}}"}},
		},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-t", map[string]interface{}{})
	require.NoError(t, err)

	te.waitStatus(t, run.ID, domain.RunFailed)

	n := te.store.node(run.ID, "n")
	assert.Equal(t, domain.ErrorKindValidation, n.ErrorKind)
	// Попытки agent_run не было
	assert.Empty(t, te.store.attempts(run.ID, "n"))
	assert.Equal(t, 0, te.exec.callCount("op"))
}

func TestSchedulerCancelRun(t *testing.T) {
	te := newTestEngine(t, testAgent("w", domain.RiskAuto, "slow", "after"))
	te.exec.blocking["slow"] = true

	te.addWorkflow(&domain.Workflow{
		ID: "wf-c", Project: "test", Name: "cancel", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{
			{ID: "slow", AgentID: "w", Capability: "slow"},
			{ID: "after", AgentID: "w", Capability: "after", DependsOn: []string{"slow"}},
		},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-c", nil)
	require.NoError(t, err)

	// Дожидаемся, пока узел реально повиснет в исполнителе
	require.Eventually(t, func() bool {
		return te.exec.callCount("slow") > 0
	}, 5*time.Second, 10*time.Millisecond)

	te.sched.CancelRun(run.ID)

	te.waitStatus(t, run.ID, domain.RunFailed)
	assert.Equal(t, domain.ErrorKindCanceled, te.store.node(run.ID, "slow").ErrorKind)
	assert.Equal(t, domain.ErrorKindCanceled, te.store.node(run.ID, "after").ErrorKind)
	assert.Equal(t, 0, te.exec.callCount("after"))
}

func TestSchedulerRejectsInactiveWorkflow(t *testing.T) {
	te := newTestEngine(t, testAgent("w", domain.RiskAuto, "op"))

	te.addWorkflow(&domain.Workflow{
		ID: "wf-draft", Project: "test", Name: "draft", Version: 1, Status: domain.WorkflowDraft,
		Nodes: []domain.WorkflowNode{{ID: "n", AgentID: "w", Capability: "op"}},
	})

	_, err := te.sched.StartRun(context.Background(), "wf-draft", nil)
	require.ErrorIs(t, err, domain.ErrWorkflowNotActive)
}

func TestSchedulerNoDoubleDispatch(t *testing.T) {
	te := newTestEngine(t, testAgent("w", domain.RiskAuto, "once"))

	te.addWorkflow(&domain.Workflow{
		ID: "wf-once", Project: "test", Name: "once", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{{ID: "n", AgentID: "w", Capability: "once"}},
	})

	run, err := te.sched.StartRun(context.Background(), "wf-once", nil)
	require.NoError(t, err)

	// Шторм конкурентных переоценок не должен задиспатчить узел дважды
	for i := 0; i < 20; i++ {
		te.sched.Enqueue(run.ID)
	}

	te.waitStatus(t, run.ID, domain.RunSuccess)
	assert.Equal(t, 1, te.exec.callCount("once"))
	assert.Len(t, te.store.attempts(run.ID, "n"), 1)
}

func TestSchedulerRecover(t *testing.T) {
	te := newTestEngine(t, testAgent("w", domain.RiskAuto, "op"))

	te.addWorkflow(&domain.Workflow{
		ID: "wf-rec", Project: "test", Name: "recover", Version: 1, Status: domain.WorkflowActive,
		Nodes: []domain.WorkflowNode{{ID: "n", AgentID: "w", Capability: "op"}},
	})

	// Имитация состояния после рестарта: запуск RUNNING, узел завис в RUNNING
	run, nodes, err := BuildRun(mustWorkflow(t, te, "wf-rec"), &fakeResolver{agents: map[string]*domain.Agent{
		"w": testAgent("w", domain.RiskAuto, "op"),
	}}, nil)
	require.NoError(t, err)
	require.NoError(t, te.store.CreateRun(context.Background(), run, nodes))
	_, err = te.store.UpdateRunStatus(context.Background(), run.ID, domain.RunRunning, domain.RunPending)
	require.NoError(t, err)
	_, err = te.store.ClaimNode(context.Background(), run.ID, "n")
	require.NoError(t, err)

	require.NoError(t, te.sched.Recover(context.Background()))

	te.waitStatus(t, run.ID, domain.RunSuccess)
	assert.Len(t, te.store.attempts(run.ID, "n"), 1)
}

func mustWorkflow(t *testing.T, te *testEngine, id string) *domain.Workflow {
	t.Helper()
	wf, err := te.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	return wf
}
