// Package schedule は定期スケジュールに基づくブリーフィング生成タスクの起動を提供する。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
	"github.com/hitoshi/audiobrief/internal/repository"
)

// TaskCreator は選定タスクの作成インターフェース。
type TaskCreator interface {
	CreateSelectionTask(ctx context.Context, req model.SelectionRequest) (*model.Task, error)
}

// DefaultBatchSize は1サイクルで取得するスケジュールの上限。
const DefaultBatchSize = 50

// Scheduler は実行時刻に達したスケジュールを取得し、タスクを作成する。
// ClaimDueの時点でnext_run_atは1周期先に進むため、
// タスク作成がアドミッション制御で拒否された場合は次の周期まで延期される。
type Scheduler struct {
	repo      repository.ScheduleRepository
	creator   TaskCreator
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// intervalが0以下の場合は1分を使用する。
func NewScheduler(
	repo repository.ScheduleRepository,
	creator TaskCreator,
	logger *slog.Logger,
	interval time.Duration,
) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		repo:      repo,
		creator:   creator,
		logger:    logger,
		interval:  interval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// Serve はコンテキストがキャンセルされるまでスケジューラを実行する。
// suture.Serviceインターフェースを満たす。
func (s *Scheduler) Serve(ctx context.Context) error {
	s.Start(ctx)
	return ctx.Err()
}

// Start はintervalごとのティッカーでスケジューラを起動する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("スケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	// 起動直後に1回実行
	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スケジュールサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は実行時刻に達したスケジュールを1回処理し、作成したタスク数を返す。
// 個別スケジュールの失敗はログに記録して次に進む。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	due, err := s.repo.ClaimDue(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("実行対象スケジュールの取得に失敗: %w", err)
	}
	if len(due) == 0 {
		s.logger.Debug("実行対象のスケジュールはありません")
		return 0, nil
	}

	created := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			break
		}
		if s.runSchedule(ctx, sched) {
			created++
		}
	}

	s.logger.Info("スケジュールサイクルが完了しました",
		slog.Int("schedule_count", len(due)),
		slog.Int("created_count", created),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return created, nil
}

func (s *Scheduler) runSchedule(ctx context.Context, sched *model.Schedule) bool {
	task, err := s.creator.CreateSelectionTask(ctx, sched.ToRequest())
	if err != nil {
		if errors.Is(err, model.ErrAdmissionDenied) {
			s.logger.Info("実行中のタスクがあるためスケジュールを次の周期に延期します",
				slog.String("schedule_id", sched.ID),
				slog.String("user_id", sched.UserID),
				slog.Time("next_run_at", sched.NextRunAt),
			)
			return false
		}
		s.logger.Error("スケジュールからのタスク作成に失敗しました",
			slog.String("schedule_id", sched.ID),
			slog.String("user_id", sched.UserID),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := s.repo.RecordRun(ctx, sched.ID, task.ID); err != nil {
		s.logger.Warn("スケジュールの実行記録に失敗しました",
			slog.String("schedule_id", sched.ID),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("スケジュールからタスクを作成しました",
		slog.String("schedule_id", sched.ID),
		slog.String("user_id", sched.UserID),
		slog.String("task_id", task.ID),
	)
	return true
}
