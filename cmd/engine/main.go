package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentflow-engine/internal/bridge"
	"github.com/xela07ax/agentflow-engine/internal/connectors"
	"github.com/xela07ax/agentflow-engine/internal/engine"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"github.com/xela07ax/agentflow-engine/internal/journal"
	"github.com/xela07ax/agentflow-engine/internal/registry"
	"github.com/xela07ax/agentflow-engine/internal/repository/postgres"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("app", "aflow-engine"))

	// Контекст жизненного цикла фоновых горутин:
	// SIGTERM через cancel() останавливает слушателей и воркеров
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	store, err := postgres.NewStore(appCtx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to init postgres", zap.Error(err))
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// 3. Реестр агентов: холодная загрузка кэша
	reg := registry.New(store, logger)
	if err := reg.Refresh(appCtx); err != nil {
		logger.Fatal("failed to warm up agent registry", zap.Error(err))
	}

	// 4. Журнал автоматизации (асинхронный batching writer)
	jrnl := journal.New(store, logger, cfg.Engine.JournalBufferSize, cfg.Engine.JournalFlushInterval)
	jrnl.Start()

	// 5. Execution Layer: коннектор + Reliability (Rate Limit, Circuit Breaker)
	var connector engine.ExecutionProvider
	switch cfg.Executor.Mode {
	case "http":
		connector = connectors.NewHTTPAdapter(cfg.Executor.URL, cfg.Executor.DefaultTimeout)
	default:
		logger.Warn("executor mode is mock: no real capability will be executed")
		connector = &connectors.MockExecutor{}
	}
	safeExecutor := engine.NewReliabilityWrapper(connector, cfg.Executor.RateLimit, cfg.Executor.RateBurst)

	// 6. Метрики
	promReg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(promReg)

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 7. Ядро: трекер попыток + планировщик
	tracker := engine.NewTracker(store, safeExecutor, jrnl, metrics, logger, cfg.Executor.DefaultTimeout)
	sched := engine.NewScheduler(store, reg, tracker, jrnl, metrics, logger, cfg.Engine)
	sched.Start(appCtx)

	// Подхватываем запуски, прерванные рестартом
	if err := sched.Recover(appCtx); err != nil {
		logger.Error("recovery scan failed", zap.Error(err))
	}

	// 8. Слушатели сигналов (все циклы живучие, с переподпиской)
	go sched.ListenRunSignals(appCtx, rdb)

	triggerIndex := bridge.NewTriggerIndex(store, logger)
	if err := triggerIndex.Rebuild(appCtx); err != nil {
		logger.Fatal("failed to build trigger index", zap.Error(err))
	}
	evBridge := bridge.New(rdb, triggerIndex, sched, logger, cfg.Bridge)
	go evBridge.Listen(appCtx)
	go evBridge.ListenWorkflowUpdates(appCtx)

	// Консоль меняет реестр агентов — перечитываем кэш по сигналу
	go engine.ListenSignalResilient(appCtx, rdb, logger.Named("registry-sync"), infra.RedisChanAgentUpdate,
		func() error { return reg.Refresh(appCtx) },
		func(string) {
			if err := reg.Refresh(appCtx); err != nil {
				logger.Error("agent cache refresh failed", zap.Error(err))
			}
		},
	)

	logger.Info("engine started")

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("engine stopping...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	// Дожидаемся воркеров и живых диспатчей, потом доливаем журнал
	sched.Wait()
	jrnl.Stop()
	logger.Info("engine exited properly")
}
