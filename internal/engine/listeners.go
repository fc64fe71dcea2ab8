package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"go.uber.org/zap"
)

// ListenSignalResilient — универсальный цикл для "живучей" подписки на
// сигналы Redis. Обрабатывает переподключения и логирование; разбор
// payload отдан колбэку.
func ListenSignalResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Callback для синхронизации при переподключении
	onMessage func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Синхронизация при каждом успешном коннекте: пока подписки не было,
		// сигналы могли потеряться
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}

// ListenRunSignals слушает канал пробуждений планировщика.
// Формат сигнала: "<run_id>" — переоценка, "<run_id>:cancel" — отмена.
// Консоль — отдельный процесс, сигналы доходят только через Redis.
func (s *Scheduler) ListenRunSignals(ctx context.Context, rdb *redis.Client) {
	ListenSignalResilient(ctx, rdb, s.logger, infra.RedisChanRunWakeup,
		func() error {
			// После (пере)подписки подбираем все, что могли пропустить
			return s.Recover(ctx)
		},
		func(payload string) {
			runID, action, found := strings.Cut(payload, ":")
			if runID == "" {
				s.logger.Error("invalid run signal", zap.String("payload", payload))
				return
			}
			if found && action == "cancel" {
				s.CancelRun(runID)
				return
			}
			if found {
				s.logger.Error("unknown run signal action",
					zap.String("payload", payload), zap.String("action", action))
				return
			}
			s.Enqueue(runID)
		},
	)
}
