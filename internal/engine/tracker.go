package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agentflow-engine/internal/connectors"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/journal"
	"go.uber.org/zap"
)

type AgentRunStore interface {
	CreateAgentRun(ctx context.Context, ar *domain.AgentRun) error
	FinishAgentRun(ctx context.Context, id string, status domain.AgentRunStatus, output json.RawMessage, errMsg string) error
}

// Tracker оборачивает каждый вызов исполнителя записью AgentRun.
// Инвариант: попытка либо закрыта терминально, либо ее не было;
// история попыток append-only.
type Tracker struct {
	store    AgentRunStore
	executor ExecutionProvider
	journal  journal.Recorder
	metrics  *Metrics
	logger   *zap.Logger

	defaultTimeout time.Duration
}

func NewTracker(store AgentRunStore, executor ExecutionProvider, j journal.Recorder, metrics *Metrics, logger *zap.Logger, defaultTimeout time.Duration) *Tracker {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Tracker{
		store:          store,
		executor:       executor,
		journal:        j,
		metrics:        metrics,
		logger:         logger.Named("tracker"),
		defaultTimeout: defaultTimeout,
	}
}

// Execute проводит одну попытку: открывает AgentRun, зовет исполнителя
// с таймаутом из декларации capability, закрывает запись результатом.
func (t *Tracker) Execute(ctx context.Context, node domain.RunNode, cap *domain.Capability, attempt int, input json.RawMessage) ([]byte, error) {
	ar := &domain.AgentRun{
		ID:         uuid.New().String(),
		AgentID:    node.AgentID,
		Capability: node.Capability,
		RunID:      &node.RunID,
		NodeID:     &node.NodeID,
		Attempt:    attempt,
		Input:      input,
		Status:     domain.AgentRunRunning,
		StartedAt:  time.Now(),
	}
	if err := t.store.CreateAgentRun(ctx, ar); err != nil {
		return nil, err
	}

	timeout := t.defaultTimeout
	if cap.TimeoutSec > 0 {
		timeout = time.Duration(cap.TimeoutSec) * time.Second
	}
	tCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, execErr := t.executor.Call(tCtx, connectors.Request{
		AgentID:    node.AgentID,
		Capability: node.Capability,
		Payload:    input,
		Budget:     cap.Budget,
	})

	// Дедлайн попытки превращаем в доменный таймаут
	if execErr != nil && errors.Is(tCtx.Err(), context.DeadlineExceeded) && !errors.Is(execErr, domain.ErrExecutionTimeout) {
		execErr = fmt.Errorf("%w: capability %s exceeded %s: %v", domain.ErrExecutionTimeout, node.Capability, timeout, execErr)
	}

	status := domain.AgentRunSuccess
	errMsg := ""
	if execErr != nil {
		status = domain.AgentRunFailed
		errMsg = execErr.Error()
		output = nil
	}

	duration := time.Since(ar.StartedAt)
	t.metrics.AttemptDuration.WithLabelValues(node.AgentID, node.Capability, string(status)).Observe(duration.Seconds())

	// Закрываем запись на Background: результат попытки должен быть
	// зафиксирован даже если контекст узла уже отменен
	if err := t.store.FinishAgentRun(context.Background(), ar.ID, status, output, errMsg); err != nil {
		t.logger.Error("failed to finish agent run",
			zap.String("agent_run_id", ar.ID), zap.Error(err))
	}

	t.journal.Record(journal.Entry{
		RunID:  node.RunID,
		NodeID: node.NodeID,
		Kind:   journal.KindAttemptFinished,
		Detail: map[string]interface{}{
			"agent_run_id": ar.ID,
			"attempt":      attempt,
			"status":       string(status),
			"duration_ms":  duration.Milliseconds(),
			"error":        errMsg,
		},
	})

	return output, execErr
}
