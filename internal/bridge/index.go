package bridge

import (
	"context"
	"sync"

	"github.com/xela07ax/agentflow-engine/internal/domain"
	"go.uber.org/zap"
)

type WorkflowLister interface {
	ListActiveWorkflows(ctx context.Context) ([]*domain.Workflow, error)
}

type triggerEntry struct {
	workflowID string
	event      string
	pattern    string
}

// TriggerIndex — in-memory индекс триггеров активных воркфлоу.
// Сопоставление события идет только по RAM; Postgres нужен для
// Rebuild() при старте, переподключении и сигнале об изменении воркфлоу.
type TriggerIndex struct {
	mu      sync.RWMutex
	entries []triggerEntry

	repo   WorkflowLister
	logger *zap.Logger
}

func NewTriggerIndex(repo WorkflowLister, logger *zap.Logger) *TriggerIndex {
	return &TriggerIndex{
		repo:   repo,
		logger: logger.Named("trigger-index"),
	}
}

// Match возвращает ID воркфлоу, чьи триггеры закрывают событие.
// Одно событие может запустить несколько воркфлоу.
func (t *TriggerIndex) Match(eventType, subject string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	matched := make([]string, 0)
	for _, e := range t.entries {
		if e.event != eventType {
			continue
		}
		if MatchSubject(e.pattern, subject) {
			matched = append(matched, e.workflowID)
		}
	}
	return matched
}

// Rebuild — «холодная загрузка» триггеров из PostgreSQL в память.
// Воркфлоу без триггера запускаются только вручную и в индекс не попадают.
func (t *TriggerIndex) Rebuild(ctx context.Context) error {
	workflows, err := t.repo.ListActiveWorkflows(ctx)
	if err != nil {
		return err
	}

	fresh := make([]triggerEntry, 0, len(workflows))
	for _, wf := range workflows {
		if wf.Trigger.Event == "" {
			continue
		}
		fresh = append(fresh, triggerEntry{
			workflowID: wf.ID,
			event:      wf.Trigger.Event,
			pattern:    wf.Trigger.Pattern,
		})
	}

	t.mu.Lock()
	t.entries = fresh
	t.mu.Unlock()

	t.logger.Info("trigger index rebuilt", zap.Int("count", len(fresh)))
	return nil
}
