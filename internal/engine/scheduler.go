package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/agentflow-engine/internal/connectors"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"github.com/xela07ax/agentflow-engine/internal/journal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SchedulerStore — все, что планировщику нужно от персистентности.
type SchedulerStore interface {
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	CreateRun(ctx context.Context, run *domain.WorkflowRun, nodes []domain.RunNode) error
	GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error)
	ListRunNodes(ctx context.Context, runID string) ([]domain.RunNode, error)
	ClaimNode(ctx context.Context, runID, nodeID string) (bool, error)
	FinishNode(ctx context.Context, runID, nodeID string, from, to domain.NodeStatus, errorKind, errMsg string) (bool, error)
	UpdateRunStatus(ctx context.Context, runID string, to domain.RunStatus, from ...domain.RunStatus) (bool, error)
	NodeOutputs(ctx context.Context, runID string) (map[string]json.RawMessage, error)
	EnsureApproval(ctx context.Context, a *domain.Approval) (*domain.Approval, bool, error)
	ResetRunningNodes(ctx context.Context, runID string) (int, error)
	ListUnfinishedRuns(ctx context.Context) ([]string, error)
}

type AgentResolver interface {
	Resolve(agentID, capability string) (*domain.Agent, *domain.Capability, error)
}

// Scheduler — ядро движка: event-driven state machine запусков.
// Никакого поллинга: переоценка запуска происходит по сигналу (старт,
// финиш узла, решение по approval, отмена), очередь переоценок
// разгребают воркеры. Диспатчи узлов идут в отдельных горутинах под
// глобальным семафором.
type Scheduler struct {
	store   SchedulerStore
	reg     AgentResolver
	tracker *Tracker
	journal journal.Recorder
	metrics *Metrics
	logger  *zap.Logger
	cfg     infra.EngineConfig

	queue chan string
	sem   *semaphore.Weighted

	baseCtx context.Context

	mu          sync.Mutex
	canceled    map[string]struct{}
	nodeCancels map[string]map[string]context.CancelFunc

	wg sync.WaitGroup
}

func NewScheduler(store SchedulerStore, reg AgentResolver, tracker *Tracker, j journal.Recorder, metrics *Metrics, logger *zap.Logger, cfg infra.EngineConfig) *Scheduler {
	if cfg.EvalWorkers <= 0 {
		cfg.EvalWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxConcurrentNodes <= 0 {
		cfg.MaxConcurrentNodes = 32
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return &Scheduler{
		store:       store,
		reg:         reg,
		tracker:     tracker,
		journal:     j,
		metrics:     metrics,
		logger:      logger.Named("scheduler"),
		cfg:         cfg,
		queue:       make(chan string, cfg.QueueSize),
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentNodes),
		canceled:    make(map[string]struct{}),
		nodeCancels: make(map[string]map[string]context.CancelFunc),
	}
}

// Start поднимает воркеры очереди переоценок.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	for i := 0; i < s.cfg.EvalWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.logger.Info("scheduler started",
		zap.Int("eval_workers", s.cfg.EvalWorkers),
		zap.Int64("max_concurrent_nodes", s.cfg.MaxConcurrentNodes))
}

// Wait блокируется до завершения всех воркеров и диспатчей.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-s.queue:
			s.metrics.EvalQueueDepth.Set(float64(len(s.queue)))
			s.evaluate(ctx, runID)
		}
	}
}

// Enqueue ставит запуск в очередь переоценки. Неблокирующая отправка:
// переполнение очереди логируем, сигнал продублирует следующий финиш узла.
func (s *Scheduler) Enqueue(runID string) {
	select {
	case s.queue <- runID:
		s.metrics.EvalQueueDepth.Set(float64(len(s.queue)))
	default:
		s.logger.Error("eval_queue_overflow", zap.String("run_id", runID))
	}
}

// BuildRun собирает PENDING-запуск со снапшотом узлов из определения
// воркфлоу. Общая точка для планировщика (старт по событию) и консоли
// (ручной старт): проверка ACTIVE и расчет approval_required одинаковые.
func BuildRun(wf *domain.Workflow, reg AgentResolver, trigger map[string]interface{}) (*domain.WorkflowRun, []domain.RunNode, error) {
	if wf.Status != domain.WorkflowActive {
		return nil, nil, fmt.Errorf("%w: workflow %s is %s", domain.ErrWorkflowNotActive, wf.ID, wf.Status)
	}

	run := &domain.WorkflowRun{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TriggerContext:  trigger,
		Status:          domain.RunPending,
		StartedAt:       time.Now(),
	}

	nodes := make([]domain.RunNode, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		agent, _, err := reg.Resolve(n.AgentID, n.Capability)
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, domain.RunNode{
			RunID:            run.ID,
			NodeID:           n.ID,
			AgentID:          n.AgentID,
			Capability:       n.Capability,
			Input:            n.Input,
			DependsOn:        n.DependsOn,
			ApprovalRequired: n.NeedsApproval(agent.RiskClass),
			Status:           domain.NodePending,
		})
	}
	return run, nodes, nil
}

// StartRun инстанциирует воркфлоу: снимает снапшот узлов, создает запуск
// в PENDING и сразу ставит на переоценку.
func (s *Scheduler) StartRun(ctx context.Context, workflowID string, trigger map[string]interface{}) (*domain.WorkflowRun, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	run, nodes, err := BuildRun(wf, s.reg, trigger)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateRun(ctx, run, nodes); err != nil {
		return nil, err
	}

	s.metrics.RunsStarted.WithLabelValues(wf.ID).Inc()
	s.journal.Record(journal.Entry{
		RunID: run.ID,
		Kind:  journal.KindRunStarted,
		Detail: map[string]interface{}{
			"workflow_id":      wf.ID,
			"workflow_version": wf.Version,
			"nodes":            len(nodes),
		},
	})
	s.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("workflow_id", wf.ID),
		zap.Int("version", wf.Version))

	s.Enqueue(run.ID)
	return run, nil
}

// CancelRun помечает запуск отмененным и рвет контексты живых диспатчей.
// Дальше обычная переоценка: PENDING-узлы провалятся как CANCELED,
// запуск закроется как FAILED.
func (s *Scheduler) CancelRun(runID string) {
	s.mu.Lock()
	s.canceled[runID] = struct{}{}
	for _, cancel := range s.nodeCancels[runID] {
		cancel()
	}
	s.mu.Unlock()

	s.journal.Record(journal.Entry{
		RunID: runID,
		Kind:  journal.KindRunCanceled,
	})
	s.logger.Info("run cancel requested", zap.String("run_id", runID))
	s.Enqueue(runID)
}

func (s *Scheduler) isCanceled(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.canceled[runID]
	return ok
}

// Recover подхватывает нетерминальные запуски после рестарта движка:
// зависшие RUNNING-узлы откатываются в PENDING и отыгрываются заново.
func (s *Scheduler) Recover(ctx context.Context) error {
	ids, err := s.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		reset, err := s.store.ResetRunningNodes(ctx, id)
		if err != nil {
			s.logger.Error("failed to reset interrupted nodes",
				zap.String("run_id", id), zap.Error(err))
			continue
		}
		if reset > 0 {
			s.logger.Warn("recovered interrupted run",
				zap.String("run_id", id), zap.Int("reset_nodes", reset))
		}
		s.Enqueue(id)
	}
	s.logger.Info("recovery scan finished", zap.Int("unfinished_runs", len(ids)))
	return nil
}

// evaluate — один проход state machine по запуску. Идемпотентна:
// конкурентные переоценки не могут задиспатчить узел дважды (CAS в БД)
// и не могут закрыть запуск дважды (CAS по статусу).
func (s *Scheduler) evaluate(ctx context.Context, runID string) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error("evaluate: failed to load run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if run.Status.IsTerminal() {
		s.forget(runID)
		return
	}

	nodes, err := s.store.ListRunNodes(ctx, runID)
	if err != nil {
		s.logger.Error("evaluate: failed to load nodes", zap.String("run_id", runID), zap.Error(err))
		return
	}
	byID := make(map[string]*domain.RunNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].NodeID] = &nodes[i]
	}

	// Первый проход выводит запуск из мгновенного PENDING
	if run.Status == domain.RunPending {
		if _, err := s.store.UpdateRunStatus(ctx, runID, domain.RunRunning, domain.RunPending); err != nil {
			s.logger.Error("evaluate: failed to leave PENDING", zap.String("run_id", runID), zap.Error(err))
			return
		}
	}

	canceled := s.isCanceled(runID)

	// Каскад отказов: узел с проваленной зависимостью проваливается сам,
	// до фикспоинта. Фикспоинт двигает только реальный переход: если CAS
	// проиграл конкурирующей переоценке, узел добьет она, а не этот цикл
	for changed := true; changed; {
		changed = false
		for i := range nodes {
			n := &nodes[i]
			if n.Status != domain.NodePending {
				continue
			}
			for _, dep := range n.DependsOn {
				if d, ok := byID[dep]; ok && d.Status == domain.NodeFailed {
					if s.failNode(ctx, n, domain.ErrorKindDependencyFailed,
						fmt.Sprintf("dependency %s failed", dep)) {
						changed = true
					}
					break
				}
			}
		}
	}

	// Отмена: все, что еще не стартовало, проваливается как CANCELED
	if canceled {
		for i := range nodes {
			if nodes[i].Status == domain.NodePending {
				s.failNode(ctx, &nodes[i], domain.ErrorKindCanceled, "run canceled by operator")
			}
		}
	}

	// Диспатч готовых узлов: все зависимости SUCCESS
	waitingApproval := false
	for i := range nodes {
		n := &nodes[i]
		if n.Status != domain.NodePending || !s.depsSatisfied(n, byID) {
			continue
		}

		if n.ApprovalRequired {
			ap, proceed, pending := s.checkApproval(ctx, run, n)
			if pending {
				waitingApproval = true
			}
			if !proceed {
				continue
			}
			// APPROVED потребляет та переоценка, что выиграла claim узла
			if s.dispatch(ctx, run, n) {
				s.consumeDecision(ap)
			}
			continue
		}

		s.dispatch(ctx, run, n)
	}

	s.settleRunStatus(ctx, run, nodes, waitingApproval, canceled)
}

func (s *Scheduler) depsSatisfied(n *domain.RunNode, byID map[string]*domain.RunNode) bool {
	for _, dep := range n.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != domain.NodeSuccess {
			return false
		}
	}
	return true
}

// checkApproval лениво создает approval для узла и читает решение.
// Возвращает (approval, можно диспатчить, решение еще не принято).
// Само решение здесь НЕ потребляется: gauge и журнальная запись привязаны
// к выигранному CAS (claim узла для APPROVED, перевод в FAILED для
// REJECTED), иначе гонка переоценок потребит его дважды.
func (s *Scheduler) checkApproval(ctx context.Context, run *domain.WorkflowRun, n *domain.RunNode) (ap *domain.Approval, proceed, pending bool) {
	ap, created, err := s.store.EnsureApproval(ctx, &domain.Approval{
		ID:          uuid.New().String(),
		RunID:       n.RunID,
		NodeID:      n.NodeID,
		Status:      domain.ApprovalPending,
		RequestedBy: "engine",
	})
	if err != nil {
		s.logger.Error("failed to ensure approval",
			zap.String("run_id", n.RunID), zap.String("node_id", n.NodeID), zap.Error(err))
		return nil, false, true
	}
	if created {
		s.metrics.ApprovalsPending.Inc()
		s.journal.Record(journal.Entry{
			RunID:  n.RunID,
			NodeID: n.NodeID,
			Kind:   journal.KindApprovalRequested,
			Detail: map[string]interface{}{"approval_id": ap.ID},
		})
		s.logger.Info("approval requested",
			zap.String("run_id", n.RunID),
			zap.String("node_id", n.NodeID),
			zap.String("approval_id", ap.ID))
	}

	switch ap.Status {
	case domain.ApprovalApproved:
		return ap, true, false
	case domain.ApprovalRejected:
		if s.failNode(ctx, n, domain.ErrorKindApprovalRejected, "rejected by reviewer") {
			s.consumeDecision(ap)
		}
		return nil, false, false
	default:
		return nil, false, true
	}
}

// consumeDecision фиксирует принятое решение ровно один раз: вызывается
// только после выигранного CAS по узлу.
func (s *Scheduler) consumeDecision(ap *domain.Approval) {
	s.metrics.ApprovalsPending.Dec()
	s.recordDecision(ap)
}

func (s *Scheduler) recordDecision(ap *domain.Approval) {
	detail := map[string]interface{}{
		"approval_id": ap.ID,
		"status":      string(ap.Status),
	}
	if ap.ReviewerID != nil {
		detail["reviewer_id"] = *ap.ReviewerID
	}
	s.journal.Record(journal.Entry{
		RunID:  ap.RunID,
		NodeID: ap.NodeID,
		Kind:   journal.KindApprovalDecided,
		Detail: detail,
	})
}

// dispatch атомарно забирает узел (CAS PENDING->RUNNING) и уводит
// исполнение в горутину под семафором. Возвращает, выиграл ли claim.
func (s *Scheduler) dispatch(ctx context.Context, run *domain.WorkflowRun, n *domain.RunNode) bool {
	claimed, err := s.store.ClaimNode(ctx, n.RunID, n.NodeID)
	if err != nil {
		s.logger.Error("failed to claim node",
			zap.String("run_id", n.RunID), zap.String("node_id", n.NodeID), zap.Error(err))
		return false
	}
	if !claimed {
		// Узел уже забрала параллельная переоценка
		return false
	}
	n.Status = domain.NodeRunning

	s.metrics.NodeDispatches.WithLabelValues(n.AgentID, n.Capability).Inc()
	s.journal.Record(journal.Entry{
		RunID:  n.RunID,
		NodeID: n.NodeID,
		Kind:   journal.KindNodeDispatched,
		Detail: map[string]interface{}{
			"agent_id":   n.AgentID,
			"capability": n.Capability,
		},
	})

	node := *n
	trigger := run.TriggerContext
	s.wg.Add(1)
	go s.runNode(node, trigger)
	return true
}

// runNode исполняет узел: рендер input, резолв capability и ретраи
// вокруг трекера. Каждая попытка — новая запись agent_run.
func (s *Scheduler) runNode(node domain.RunNode, trigger map[string]interface{}) {
	defer s.wg.Done()

	nodeCtx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	s.registerCancel(node.RunID, node.NodeID, cancel)
	defer s.unregisterCancel(node.RunID, node.NodeID)

	if err := s.sem.Acquire(nodeCtx, 1); err != nil {
		// Отмена или остановка движка до старта исполнения.
		// При shutdown узел остается RUNNING и откатится в Recover.
		if s.isCanceled(node.RunID) {
			s.failNode(context.Background(), &node, domain.ErrorKindCanceled, "run canceled by operator")
			s.Enqueue(node.RunID)
		}
		return
	}
	defer s.sem.Release(1)

	outputs, err := s.store.NodeOutputs(nodeCtx, node.RunID)
	if err != nil {
		s.logger.Error("failed to load node outputs",
			zap.String("run_id", node.RunID), zap.Error(err))
		s.failNode(context.Background(), &node, domain.ErrorKindExecution, err.Error())
		s.Enqueue(node.RunID)
		return
	}

	// Неразрешимая ссылка проваливает узел до обращения к исполнителю:
	// попытки agent_run не создается
	input, err := RenderInput(node.Input, outputs, trigger)
	if err != nil {
		s.failNode(context.Background(), &node, domain.ErrorKindValidation, err.Error())
		s.Enqueue(node.RunID)
		return
	}

	_, cap, err := s.reg.Resolve(node.AgentID, node.Capability)
	if err != nil {
		s.failNode(context.Background(), &node, domain.ErrorKindValidation, err.Error())
		s.Enqueue(node.RunID)
		return
	}

	attempt := 0
	var output []byte
	r := retry.New(
		retry.Context(nodeCtx),
		retry.Attempts(uint(s.cfg.MaxAttempts)),
		retry.LastErrorOnly(true),
		// Умный расчет задержки
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Исполнитель прислал Retry-After — уважаем его
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}
			// Иначе экспоненциальный бэкофф с потолком
			d := s.cfg.RetryBaseDelay * time.Duration(1<<n)
			if d > s.cfg.RetryMaxDelay {
				d = s.cfg.RetryMaxDelay
			}
			return d
		}),
	)

	execErr := r.Do(func() error {
		attempt++
		out, callErr := s.tracker.Execute(nodeCtx, node, cap, attempt, input)
		if callErr != nil {
			return callErr
		}
		output = out
		return nil
	})

	if execErr != nil {
		kind := domain.ErrorKind(execErr)
		if errors.Is(execErr, context.Canceled) {
			if !s.isCanceled(node.RunID) {
				// Остановка движка, а не отмена запуска: узел остается
				// RUNNING и откатится в PENDING при Recover
				return
			}
			kind = domain.ErrorKindCanceled
		}
		s.failNode(context.Background(), &node, kind, execErr.Error())
		s.logger.Warn("node failed",
			zap.String("run_id", node.RunID),
			zap.String("node_id", node.NodeID),
			zap.String("kind", kind),
			zap.Int("attempts", attempt),
			zap.Error(execErr))
	} else {
		if _, err := s.store.FinishNode(context.Background(), node.RunID, node.NodeID,
			domain.NodeRunning, domain.NodeSuccess, "", ""); err != nil {
			s.logger.Error("failed to mark node success",
				zap.String("run_id", node.RunID), zap.String("node_id", node.NodeID), zap.Error(err))
		}
		s.logger.Info("node succeeded",
			zap.String("run_id", node.RunID),
			zap.String("node_id", node.NodeID),
			zap.Int("attempts", attempt),
			zap.Int("output_bytes", len(output)))
	}

	// Финиш узла — сигнал на переоценку, никакого поллинга
	s.Enqueue(node.RunID)
}

// failNode переводит узел в FAILED через CAS от его текущего статуса.
// Возвращает, состоялся ли переход: false означает ошибку стора или
// проигранную гонку (узел уже увела другая переоценка).
func (s *Scheduler) failNode(ctx context.Context, n *domain.RunNode, kind, msg string) bool {
	ok, err := s.store.FinishNode(ctx, n.RunID, n.NodeID, n.Status, domain.NodeFailed, kind, msg)
	if err != nil {
		s.logger.Error("failed to fail node",
			zap.String("run_id", n.RunID), zap.String("node_id", n.NodeID), zap.Error(err))
		return false
	}
	if ok {
		n.Status = domain.NodeFailed
		n.ErrorKind = kind
		n.Error = msg
	}
	return ok
}

// settleRunStatus выводит статус запуска из статусов узлов.
// WAITING_APPROVAL — только когда единственное, что мешает прогрессу,
// это нерешенный approval: ничего не исполняется и нечего диспатчить.
func (s *Scheduler) settleRunStatus(ctx context.Context, run *domain.WorkflowRun, nodes []domain.RunNode, waitingApproval, canceled bool) {
	var pending, running, failed int
	for i := range nodes {
		switch nodes[i].Status {
		case domain.NodePending:
			pending++
		case domain.NodeRunning:
			running++
		case domain.NodeFailed:
			failed++
		}
	}

	switch {
	case pending == 0 && running == 0:
		final := domain.RunSuccess
		if failed > 0 {
			final = domain.RunFailed
		}
		updated, err := s.store.UpdateRunStatus(ctx, run.ID, final,
			domain.RunPending, domain.RunRunning, domain.RunWaitingApproval)
		if err != nil {
			s.logger.Error("failed to finish run", zap.String("run_id", run.ID), zap.Error(err))
			return
		}
		if updated {
			s.metrics.RunsFinished.WithLabelValues(run.WorkflowID, string(final)).Inc()
			s.journal.Record(journal.Entry{
				RunID: run.ID,
				Kind:  journal.KindRunFinished,
				Detail: map[string]interface{}{
					"status":       string(final),
					"failed_nodes": failed,
					"canceled":     canceled,
				},
			})
			s.logger.Info("run finished",
				zap.String("run_id", run.ID),
				zap.String("status", string(final)),
				zap.Int("failed_nodes", failed))
		}
		s.forget(run.ID)

	case waitingApproval && running == 0:
		if _, err := s.store.UpdateRunStatus(ctx, run.ID, domain.RunWaitingApproval, domain.RunRunning); err != nil {
			s.logger.Error("failed to suspend run", zap.String("run_id", run.ID), zap.Error(err))
		}

	default:
		// Возврат из ожидания, если approval решили и работа продолжилась
		if _, err := s.store.UpdateRunStatus(ctx, run.ID, domain.RunRunning, domain.RunWaitingApproval); err != nil {
			s.logger.Error("failed to resume run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) registerCancel(runID, nodeID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeCancels[runID] == nil {
		s.nodeCancels[runID] = make(map[string]context.CancelFunc)
	}
	s.nodeCancels[runID][nodeID] = cancel
}

func (s *Scheduler) unregisterCancel(runID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.nodeCancels[runID]; ok {
		delete(m, nodeID)
		if len(m) == 0 {
			delete(s.nodeCancels, runID)
		}
	}
}

// forget чистит состояние отмены после терминального статуса.
func (s *Scheduler) forget(runID string) {
	s.mu.Lock()
	delete(s.canceled, runID)
	delete(s.nodeCancels, runID)
	s.mu.Unlock()
}
