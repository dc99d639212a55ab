package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/riskgate/internal/console/handler"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers обработчики бизнес-доменов консоли
type Handlers struct {
	Auth           *handler.AuthHandler           // /auth/token
	Rules          *handler.RuleHandler           // /v1/rules
	Scorers        *handler.ScorerHandler         // /v1/scorers, /v1/scoring
	Rollouts       *handler.RolloutHandler        // /v1/rollouts, /v1/experiments, /v1/routing
	Reviews        *handler.ReviewHandler         // /v1/reviews, /v1/challenges
	Reconciliation *handler.ReconciliationHandler // /v1/reconciliation
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256), приватный ключ у консоли только для выдачи
	authValidator auth.TokenValidator
	h             Handlers
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Чтение доступно любому оператору
		r.Get("/v1/rules", s.h.Rules.List)
		r.Get("/v1/rules/{id}", s.h.Rules.Get)
		r.Get("/v1/scorers", s.h.Scorers.List)
		r.Get("/v1/scoring/kill-switch", s.h.Scorers.DisabledFamilies)
		r.Get("/v1/rollouts", s.h.Rollouts.List)
		r.Get("/v1/rollouts/{id}", s.h.Rollouts.Get)
		r.Get("/v1/rollouts/{id}/metrics", s.h.Rollouts.Metrics)
		r.Get("/v1/routing", s.h.Rollouts.Routing)
		r.Get("/v1/reviews", s.h.Reviews.List)
		r.Get("/v1/reconciliation", s.h.Reconciliation.List)

		// Правила
		rules := r.With(auth.RequireScope(domain.ScopeRulesWrite))
		rules.Post("/v1/rules", s.h.Rules.Create)
		rules.Put("/v1/rules/{id}", s.h.Rules.Update)
		rules.Delete("/v1/rules/{id}", s.h.Rules.Delete)
		rules.Post("/v1/rules/{id}/activate", s.h.Rules.Activate)
		rules.Post("/v1/rules/{id}/deactivate", s.h.Rules.Deactivate)

		// Реестр скореров и аварийное отключение моделей
		scorers := r.With(auth.RequireScope(domain.ScopeScorersWrite))
		scorers.Post("/v1/scorers", s.h.Scorers.Register)
		scorers.Post("/v1/scorers/{id}/status", s.h.Scorers.SetStatus)
		scorers.Post("/v1/scoring/kill-switch", s.h.Scorers.KillSwitch)

		// Канарейки и A/B тесты
		rollouts := r.With(auth.RequireScope(domain.ScopeRolloutsWrite))
		rollouts.Post("/v1/rollouts/canary", s.h.Rollouts.StartCanary)
		rollouts.Post("/v1/rollouts/{id}/weight", s.h.Rollouts.AdjustWeight)
		rollouts.Post("/v1/rollouts/{id}/complete", s.h.Rollouts.Complete)
		rollouts.Post("/v1/rollouts/{id}/abort", s.h.Rollouts.Abort)
		rollouts.Post("/v1/experiments", s.h.Rollouts.CreateExperiment)
		rollouts.Post("/v1/experiments/{id}/start", s.h.Rollouts.StartExperiment)
		rollouts.Post("/v1/experiments/{id}/pause", s.h.Rollouts.PauseExperiment)
		rollouts.Post("/v1/experiments/{id}/resume", s.h.Rollouts.ResumeExperiment)
		rollouts.Post("/v1/experiments/{id}/complete", s.h.Rollouts.CompleteExperiment)
		rollouts.Post("/v1/experiments/{id}/cancel", s.h.Rollouts.CancelExperiment)

		// Human-in-the-loop: ручная проверка, step-up, досылка аудита
		reviews := r.With(auth.RequireScope(domain.ScopeReviewsWrite))
		reviews.Post("/v1/reviews/{outcomeID}/decide", s.h.Reviews.Decide)
		reviews.Post("/v1/challenges/{outcomeID}/result", s.h.Reviews.ChallengeResult)
		reviews.Post("/v1/reconciliation/replay", s.h.Reconciliation.Replay)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
