package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/audiobrief/internal/config"
	"github.com/hitoshi/audiobrief/internal/database"
	"github.com/hitoshi/audiobrief/internal/logger"
	"github.com/hitoshi/audiobrief/internal/supervisor"
)

// shutdownTimeout は実行中タスクとHTTP接続の終了を待つ上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, nil)

	// 2. .envを読み込み、環境変数から設定を読み込む
	if err := config.LoadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するとグレースフルシャットダウンを行う。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はコマンドライン引数からサブコマンドを解析し、ctxがキャンセルされるまで対応するモードで実行する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("storage_driver", cfg.StorageDriver),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// HTTPサーバーとバックグラウンドジョブを監視ツリーの下で実行する。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()
	c, err := build(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tree := supervisor.NewTree(log, supervisor.DefaultTreeConfig())
	addWorkers(tree, c)
	tree.AddAPI(supervisor.NewHTTPService(server, shutdownTimeout))

	log.Info("API server starting", slog.String("addr", server.Addr))
	return serveTree(ctx, tree, c, log, "API server")
}

// runWorker はワーカーモードで起動する。
// HTTPを公開せず、スケジュール実行と滞留タスクの回収のみを行う。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()
	c, err := build(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	tree := supervisor.NewTree(log, supervisor.DefaultTreeConfig())
	addWorkers(tree, c)

	log.Info("worker starting",
		slog.Duration("schedule_interval", cfg.ScheduleInterval),
		slog.Duration("task_stale_after", cfg.TaskStaleAfter),
	)
	return serveTree(ctx, tree, c, log, "worker")
}

func addWorkers(tree *supervisor.Tree, c *components) {
	tree.AddWorker(supervisor.Named("scheduler", c.scheduler))
	tree.AddWorker(supervisor.Named("task-cleanup", c.cleanup))
	if c.stores.gc != nil {
		tree.AddWorker(supervisor.Named("badger-gc", c.stores.gc))
	}
}

// serveTree はctxがキャンセルされるまでツリーを実行し、その後コンポーネントを停止する。
func serveTree(ctx context.Context, tree *supervisor.Tree, c *components, log *slog.Logger, name string) error {
	err := tree.Serve(ctx)

	log.Info("shutting down " + name + "...")
	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		log.Warn("services did not stop in time", slog.Int("count", len(unstopped)))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	c.shutdown(shutdownCtx, log)

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s stopped with error: %w", name, err)
	}
	log.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageDriver != config.StorageDriverPostgres {
		return fmt.Errorf("migrate requires STORAGE_DRIVER=%s (got %q)", config.StorageDriverPostgres, cfg.StorageDriver)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.Migrate(cfg.DatabaseURL, slog.Default())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("dirty", status.Dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
