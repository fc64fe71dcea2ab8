package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentflow-engine/internal/domain"
	"github.com/xela07ax/agentflow-engine/internal/engine"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"go.uber.org/zap"
)

type RunStarter interface {
	StartRun(ctx context.Context, workflowID string, trigger map[string]interface{}) (*domain.WorkflowRun, error)
}

// Envelope — формат события во внешней шине.
type Envelope struct {
	Type    string                 `json:"type"`
	Subject string                 `json:"subject"`
	Payload map[string]interface{} `json:"payload"`
}

// Bridge подписан на внешнюю шину событий и превращает совпадения
// триггеров в запуски воркфлоу. Кривое событие — лог и no-op: шину
// не валим из-за одного мусорного сообщения.
type Bridge struct {
	rdb     *redis.Client
	index   *TriggerIndex
	starter RunStarter
	logger  *zap.Logger
	channel string
}

func New(rdb *redis.Client, index *TriggerIndex, starter RunStarter, logger *zap.Logger, cfg infra.BridgeConfig) *Bridge {
	channel := cfg.EventChannel
	if channel == "" {
		channel = infra.RedisChanEvents
	}
	return &Bridge{
		rdb:     rdb,
		index:   index,
		starter: starter,
		logger:  logger.Named("bridge"),
		channel: channel,
	}
}

// Listen — блокирующий цикл подписки на шину событий.
func (b *Bridge) Listen(ctx context.Context) {
	engine.ListenSignalResilient(ctx, b.rdb, b.logger, b.channel,
		func() error {
			// Пока подписки не было, воркфлоу могли измениться
			return b.index.Rebuild(ctx)
		},
		func(payload string) {
			b.handleEvent(ctx, payload)
		},
	)
}

// ListenWorkflowUpdates перестраивает индекс по сигналу консоли об
// изменении определения воркфлоу.
func (b *Bridge) ListenWorkflowUpdates(ctx context.Context) {
	engine.ListenSignalResilient(ctx, b.rdb, b.logger, infra.RedisChanWorkflowUpdate,
		func() error {
			return b.index.Rebuild(ctx)
		},
		func(workflowID string) {
			b.logger.Info("workflow updated, rebuilding trigger index",
				zap.String("workflow_id", workflowID))
			if err := b.index.Rebuild(ctx); err != nil {
				b.logger.Error("trigger index rebuild failed", zap.Error(err))
			}
		},
	)
}

func (b *Bridge) handleEvent(ctx context.Context, raw string) {
	var ev Envelope
	if err := json.Unmarshal([]byte(raw), &ev); err != nil || ev.Type == "" {
		b.logger.Warn("malformed event dropped", zap.String("payload", raw))
		return
	}

	matched := b.index.Match(ev.Type, ev.Subject)
	if len(matched) == 0 {
		return
	}

	// Контекст триггера доступен узлам как {{trigger.<path>}}
	trigger := map[string]interface{}{
		"event":   ev.Type,
		"subject": ev.Subject,
		"payload": ev.Payload,
	}

	for _, wfID := range matched {
		run, err := b.starter.StartRun(ctx, wfID, trigger)
		if err != nil {
			// Гонка с архивацией воркфлоу — штатный случай
			if errors.Is(err, domain.ErrWorkflowNotActive) {
				b.logger.Info("event skipped: workflow no longer active",
					zap.String("workflow_id", wfID))
				continue
			}
			b.logger.Error("failed to start run from event",
				zap.String("workflow_id", wfID),
				zap.String("event", ev.Type),
				zap.Error(err))
			continue
		}
		b.logger.Info("run triggered by event",
			zap.String("run_id", run.ID),
			zap.String("workflow_id", wfID),
			zap.String("event", ev.Type),
			zap.String("subject", ev.Subject))
	}
}
