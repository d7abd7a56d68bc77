package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/audiobrief/internal/metrics"
	"github.com/hitoshi/audiobrief/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Service     BriefingService
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	// HealthCheckerがnilの場合、/healthはプロセスの生存のみを返す。
	HealthChecker HealthChecker
	// Gathererがnilの場合、/metricsは公開しない。
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → UserMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// /health と /metrics はユーザー識別の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	taskHandler := NewTaskHandler(deps.Service, logger)
	prefHandler := NewPreferenceHandler(deps.Service, logger)
	scheduleHandler := NewScheduleHandler(deps.Service, logger)
	systemHandler := NewSystemHandler(deps.Service, deps.HealthChecker, logger)

	// --- ユーザー識別不要のルート ---
	r.Get("/health", systemHandler.Health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- ユーザー識別が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewUserMiddleware())
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Route("/api/tasks", func(r chi.Router) {
			// POST /api/tasks - タスク作成（作成専用レート制限を追加）
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.TaskCreationMiddleware()).Post("/", taskHandler.CreateTask)
			} else {
				r.Post("/", taskHandler.CreateTask)
			}
			r.Get("/{id}", taskHandler.GetTask)
		})

		r.Post("/api/interactions", prefHandler.RecordInteraction)

		r.Route("/api/preferences", func(r chi.Router) {
			r.Get("/", prefHandler.GetPreferences)
			r.Delete("/", prefHandler.ResetPreferences)
		})

		r.Route("/api/feed-cache", func(r chi.Router) {
			r.Get("/stats", systemHandler.FeedCacheStats)
			r.Delete("/", systemHandler.ClearFeedCache)
		})

		r.Route("/api/schedules", func(r chi.Router) {
			r.Get("/", scheduleHandler.ListSchedules)
			r.Post("/", scheduleHandler.CreateSchedule)
			r.Delete("/{id}", scheduleHandler.DeleteSchedule)
		})
	})

	return r
}
