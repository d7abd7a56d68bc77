// Package cleanup は滞留タスクの回収ジョブを提供する。
// pending/in_progressのまま一定時間更新のないタスクをfailedにし、
// プロセスのクラッシュで取り残されたタスクもリポジトリ側で回収する。
// 終端済みのタスクは保持期間を過ぎるとメモリから取り除く。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/audiobrief/internal/repository"
)

// StaleMessage は回収したタスクに設定するユーザー向けメッセージ。
const StaleMessage = "処理が時間内に完了しませんでした。再度お試しください。"

// TaskSweeper はメモリ上のタスク状態を回収するインターフェース。
type TaskSweeper interface {
	FailStale(ctx context.Context, before time.Time, message string) int
	Prune(before time.Time) int
}

// CleanupJob は滞留タスクの回収ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等に動作する。
type CleanupJob struct {
	sweeper    TaskSweeper
	repo       repository.TaskRepository
	logger     *slog.Logger
	StaleAfter time.Duration // 未終了タスクを滞留とみなすまでの時間（デフォルト: 30分）
	Retention  time.Duration // 終端タスクをメモリに保持する時間（デフォルト: 1時間）
	Interval   time.Duration // Serveの実行間隔（デフォルト: 1分）
	now        func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。repoはnilでもよい。
func NewCleanupJob(sweeper TaskSweeper, repo repository.TaskRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sweeper:    sweeper,
		repo:       repo,
		logger:     logger,
		StaleAfter: 30 * time.Minute,
		Retention:  time.Hour,
		Interval:   time.Minute,
		now:        time.Now,
	}
}

// Run は滞留タスクを1回回収する。
// メモリ上のタスクを先にfailedにし、その後リポジトリに残った未終了タスクを更新する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()
	before := now.Add(-j.StaleAfter)

	failedInMemory := j.sweeper.FailStale(ctx, before, StaleMessage)

	var failedInStore int64
	if j.repo != nil {
		n, err := j.repo.FailStale(ctx, before, StaleMessage)
		if err != nil {
			j.logger.Error("滞留タスクの回収に失敗しました",
				slog.String("error", err.Error()),
				slog.Duration("stale_after", j.StaleAfter),
			)
			return fmt.Errorf("滞留タスクの回収に失敗: %w", err)
		}
		failedInStore = n
	}

	pruned := j.sweeper.Prune(now.Add(-j.Retention))

	j.logger.Info("滞留タスクの回収ジョブが完了しました",
		slog.Int("failed_in_memory", failedInMemory),
		slog.Int64("failed_in_store", failedInStore),
		slog.Int("pruned_count", pruned),
		slog.Duration("stale_after", j.StaleAfter),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Serve はInterval間隔でRunを繰り返す。suture.Serviceインターフェースを満たす。
func (j *CleanupJob) Serve(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// エラーはRun内でログ済み。次の周期で再試行する
			_ = j.Run(ctx)
		}
	}
}
