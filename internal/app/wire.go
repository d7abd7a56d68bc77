package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/audiobrief/internal/briefing"
	"github.com/hitoshi/audiobrief/internal/config"
	"github.com/hitoshi/audiobrief/internal/database"
	"github.com/hitoshi/audiobrief/internal/feed"
	"github.com/hitoshi/audiobrief/internal/generation"
	"github.com/hitoshi/audiobrief/internal/genre"
	"github.com/hitoshi/audiobrief/internal/handler"
	"github.com/hitoshi/audiobrief/internal/length"
	"github.com/hitoshi/audiobrief/internal/metrics"
	"github.com/hitoshi/audiobrief/internal/middleware"
	"github.com/hitoshi/audiobrief/internal/preference"
	"github.com/hitoshi/audiobrief/internal/repository"
	"github.com/hitoshi/audiobrief/internal/security"
	"github.com/hitoshi/audiobrief/internal/selection"
	"github.com/hitoshi/audiobrief/internal/task"
	"github.com/hitoshi/audiobrief/internal/worker/cleanup"
	fetchpkg "github.com/hitoshi/audiobrief/internal/worker/fetch"
	"github.com/hitoshi/audiobrief/internal/worker/schedule"
)

// badgerGCInterval はBadgerの値ログGCの実行間隔。
const badgerGCInterval = 5 * time.Minute

// stores は永続化ドライバごとのリポジトリ群。
type stores struct {
	profiles  repository.ProfileRepository
	tasks     repository.TaskRepository
	schedules repository.ScheduleRepository
	health    handler.HealthChecker
	gc        *repository.BadgerGC
	close     func() error
}

// openStores はSTORAGE_DRIVERに応じてリポジトリを初期化する。
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		return &stores{
			profiles:  repository.NewPostgresProfileRepo(db),
			tasks:     repository.NewPostgresTaskRepo(db),
			schedules: repository.NewPostgresScheduleRepo(db),
			health:    db,
			close:     db.Close,
		}, nil

	case config.StorageDriverBadger:
		db, err := repository.OpenBadger(cfg.BadgerPath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("badger store opened", slog.String("path", cfg.BadgerPath))
		return &stores{
			profiles:  repository.NewBadgerProfileRepo(db),
			tasks:     repository.NewBadgerTaskRepo(db),
			schedules: repository.NewBadgerScheduleRepo(db),
			gc:        repository.NewBadgerGC(db, logger, badgerGCInterval),
			close:     db.Close,
		}, nil

	default:
		logger.Warn("in-memory store selected; data is lost on restart")
		return &stores{
			profiles:  repository.NewMemoryProfileRepo(),
			tasks:     repository.NewMemoryTaskRepo(),
			schedules: repository.NewMemoryScheduleRepo(),
			close:     func() error { return nil },
		}, nil
	}
}

// components はワイヤリング済みのアプリケーション部品。
type components struct {
	stores      *stores
	service     *briefing.Service
	runner      *task.Runner
	scheduler   *schedule.Scheduler
	cleanup     *cleanup.CleanupJob
	rateLimiter *middleware.RateLimiter
	router      http.Handler
}

// build は全依存関係を組み立てる。regにはアプリケーションのメトリクスを登録する。
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*components, error) {
	sources, err := feed.LoadCatalog(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	reg.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(reg)

	// 取得
	cache := feed.NewCache(cfg.FeedCacheTTL)
	fetcher := fetchpkg.NewFetcher(
		cache,
		security.NewSSRFGuard(),
		genre.NewClassifier(),
		security.NewTextExtractor(),
		collector,
		logger,
		fetchpkg.Config{
			Timeout:           cfg.FetchTimeout,
			MaxBodySize:       cfg.FetchMaxSize,
			MaxConcurrency:    cfg.FetchMaxConcurrent,
			MaxRetries:        cfg.FetchMaxRetries,
			MaxItemsPerSource: cfg.FetchMaxItemsPerSource,
		},
	)

	// 選定
	scoring := selection.DefaultScoringConfig()
	scoring.NoiseAmplitude = cfg.ScoreNoise
	selector := selection.NewSelector(selection.NewScorer(scoring, selection.WithLocation(cfg.ScoreLocation)))

	// 生成
	scripts, audio := newGenerators(cfg, logger)

	// タスクと嗜好
	orch := task.NewOrchestrator(st.tasks, collector, logger, cfg.TaskMaxInFlightPerUser)
	runner := task.NewRunner(orch, logger, cfg.TaskWorkers)
	prefs := preference.NewStore(st.profiles, logger, collector)

	pipeline := briefing.NewPipeline(briefing.PipelineDeps{
		Fetcher:  fetcher,
		Sources:  sources,
		Profiles: prefs,
		Selector: selector,
		Planner:  length.NewPlanner(),
		Scripts:  scripts,
		Audio:    audio,
		Tasks:    orch,
		Metrics:  collector,
		Logger:   logger,
		Defaults: briefing.Defaults{
			Language: cfg.DefaultLanguage,
			Voice:    cfg.DefaultVoice,
		},
	})
	service := briefing.NewService(briefing.ServiceDeps{
		Tasks:     orch,
		Runner:    runner,
		Pipeline:  pipeline,
		Prefs:     prefs,
		Cache:     cache,
		Schedules: st.schedules,
		Logger:    logger,
	})

	cleanupJob := cleanup.NewCleanupJob(orch, st.tasks, logger)
	cleanupJob.StaleAfter = cfg.TaskStaleAfter

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral))
	routerDeps := &handler.RouterDeps{
		Service:       service,
		RateLimiter:   rateLimiter,
		Logger:        logger,
		HealthChecker: st.health,
		Gatherer:      reg,
	}

	logger.Info("components initialized",
		slog.String("storage_driver", cfg.StorageDriver),
		slog.Int("sources", len(sources)),
		slog.Bool("script_api", cfg.ScriptAPIURL != ""),
		slog.Bool("tts_api", cfg.TTSAPIURL != ""),
		slog.Int("task_workers", cfg.TaskWorkers),
	)

	return &components{
		stores:      st,
		service:     service,
		runner:      runner,
		scheduler:   schedule.NewScheduler(st.schedules, service, logger, cfg.ScheduleInterval),
		cleanup:     cleanupJob,
		rateLimiter: rateLimiter,
		router:      handler.NewRouter(routerDeps),
	}, nil
}

// newGenerators は台本生成と音声合成の実装を選ぶ。
// 台本APIが未設定の場合は見出しダイジェスト、TTS APIが未設定の場合は音声なしで動作する。
func newGenerators(cfg *config.Config, logger *slog.Logger) (generation.ScriptGenerator, generation.AudioSynthesizer) {
	var scripts generation.ScriptGenerator = generation.NewDigestScriptGenerator()
	if cfg.ScriptAPIURL != "" {
		scripts = generation.NewHTTPScriptGenerator(generation.ClientConfig{
			Endpoint: cfg.ScriptAPIURL,
			APIKey:   cfg.ScriptAPIKey,
			Timeout:  cfg.GenerationTimeout,
		}, &http.Client{Timeout: cfg.GenerationTimeout}, logger)
	}

	var audio generation.AudioSynthesizer
	if cfg.TTSAPIURL != "" {
		audio = generation.NewHTTPAudioSynthesizer(generation.ClientConfig{
			Endpoint: cfg.TTSAPIURL,
			APIKey:   cfg.TTSAPIKey,
			Timeout:  cfg.GenerationTimeout,
		}, &http.Client{Timeout: cfg.GenerationTimeout}, logger)
	}
	return scripts, audio
}

// shutdown は実行中タスクの完了を待ってからストアを閉じる。
func (c *components) shutdown(ctx context.Context, logger *slog.Logger) {
	c.rateLimiter.Stop()
	if err := c.runner.Shutdown(ctx); err != nil {
		logger.Warn("task runner did not drain in time", slog.String("error", err.Error()))
	}
	if err := c.stores.close(); err != nil {
		logger.Error("failed to close store", slog.String("error", err.Error()))
	}
}
