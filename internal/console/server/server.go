package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/agentflow-engine/internal/console/handler"
	"github.com/xela07ax/agentflow-engine/internal/infra"
	"github.com/xela07ax/agentflow-engine/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Проверка токенов (RS256); реализуется через embedding
	// BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler     *handler.AuthHandler     // /auth/token
	agentHandler    *handler.AgentHandler    // /v1/agents
	workflowHandler *handler.WorkflowHandler // /v1/workflows
	runHandler      *handler.RunHandler      // /v1/runs
	approvalHandler *handler.ApprovalHandler // /v1/approvals (HITL)
}

// NewConsoleServer инициализирует операторский API со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	workflowH *handler.WorkflowHandler,
	runH *handler.RunHandler,
	approvalH *handler.ApprovalHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		cfg:             cfg,
		authValidator:   validator,
		authHandler:     authH,
		agentHandler:    agentH,
		workflowHandler: workflowH,
		runHandler:      runH,
		approvalHandler: approvalH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (требуется RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Реестр агентов
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.agentHandler.List)
			r.Post("/", s.agentHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.agentHandler.Get)
				r.Delete("/", s.agentHandler.Delete)
			})
		})

		// Определения воркфлоу (DAG) + ручной старт запусков
		r.Route("/v1/workflows", func(r chi.Router) {
			r.Get("/", s.workflowHandler.List)
			r.Post("/", s.workflowHandler.Save)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.workflowHandler.Get)
				r.Post("/status", s.workflowHandler.SetStatus) // lifecycle
				r.Post("/runs", s.runHandler.Start)            // ручной запуск
			})
		})

		// Запуски
		r.Route("/v1/runs", func(r chi.Router) {
			r.Get("/", s.runHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.runHandler.Get)
				r.Post("/cancel", s.runHandler.Cancel)
			})
		})

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List) // Очередь запросов на проверку
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.Get)
				r.Post("/decide", s.approvalHandler.Decide) // Approve/Reject + Redis Publish
			})
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
