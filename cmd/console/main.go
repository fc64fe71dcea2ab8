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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentflow-engine/internal/console/handler"
	"github.com/xela07ax/agentflow-engine/internal/console/server"
	"github.com/xela07ax/agentflow-engine/internal/console/service"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"github.com/xela07ax/agentflow-engine/internal/infra/auth"
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
	logger = logger.With(zap.String("app", "aflow-console"))

	ctx := context.Background()

	// 2. Ресурсы
	store, err := postgres.NewStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to init postgres", zap.Error(err))
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
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

	// 3. Ключи RS256: приватный для подписи, публичный для проверки
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to load private key", zap.Error(err))
	}
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to load public key", zap.Error(err))
	}

	// 4. Реестр агентов: консоль сама пишет в него, кэш греем при старте
	reg := registry.New(store, logger)
	if err := reg.Refresh(ctx); err != nil {
		logger.Fatal("failed to warm up agent registry", zap.Error(err))
	}

	// 5. Сервисы (Dependency Injection)
	authService := service.NewAuthService(store, privateKey, publicKey, cfg.Auth.TokenTTL)
	agentService := service.NewAgentService(reg, rdb, logger)
	workflowService := service.NewWorkflowService(store, reg, rdb, logger)
	runService := service.NewRunService(store, reg, rdb, logger)
	approvalService := service.NewApprovalService(store, rdb, logger)

	// 6. Хендлеры и сервер
	srvHandler := server.NewConsoleServer(
		cfg,
		logger,
		authService, // проверка токенов через embedded BaseValidator
		handler.NewAuthHandler(authService),
		handler.NewAgentHandler(agentService),
		handler.NewWorkflowHandler(workflowService),
		handler.NewRunHandler(runService),
		handler.NewApprovalHandler(approvalService),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srvHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Запуск + Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("console API stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}
