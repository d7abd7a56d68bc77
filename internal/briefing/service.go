package briefing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/audiobrief/internal/feed"
	"github.com/hitoshi/audiobrief/internal/model"
	"github.com/hitoshi/audiobrief/internal/repository"
	"github.com/hitoshi/audiobrief/internal/task"
)

// 選定記事数の既定値と上限
const (
	DefaultMaxArticles = 5
	MaxArticlesLimit   = 20
)

// スケジュール間隔の下限と上限（分）
const (
	MinScheduleInterval = 15
	MaxScheduleInterval = 7 * 24 * 60
)

// TaskManager はタスクの作成と参照を行う。
type TaskManager interface {
	Create(ctx context.Context, userID string) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
}

// JobSubmitter はジョブを非同期に実行する。
type JobSubmitter interface {
	Submit(taskID string, job task.Job)
}

// PreferenceService は嗜好プロファイルの公開操作。
type PreferenceService interface {
	RecordInteraction(ctx context.Context, userID string, it model.Interaction) (model.ProfileSummary, error)
	Summary(ctx context.Context, userID string) (model.ProfileSummary, error)
	Reset(ctx context.Context, userID string) error
}

// TaskRunner はパイプラインの実行インターフェース。
type TaskRunner interface {
	Run(ctx context.Context, taskID string, req model.SelectionRequest) error
}

// Service はコアが外部に公開する操作をまとめる。
type Service struct {
	tasks     TaskManager
	runner    JobSubmitter
	pipeline  TaskRunner
	prefs     PreferenceService
	cache     *feed.Cache
	schedules repository.ScheduleRepository
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceDeps はServiceの依存関係。Schedulesはnilでもよい。
type ServiceDeps struct {
	Tasks     TaskManager
	Runner    JobSubmitter
	Pipeline  TaskRunner
	Prefs     PreferenceService
	Cache     *feed.Cache
	Schedules repository.ScheduleRepository
	Logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps) *Service {
	return &Service{
		tasks:     deps.Tasks,
		runner:    deps.Runner,
		pipeline:  deps.Pipeline,
		prefs:     deps.Prefs,
		cache:     deps.Cache,
		schedules: deps.Schedules,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// CreateSelectionTask は選定タスクを作成し、パイプラインを非同期に開始する。
// 実行中タスク数の上限を超える場合はErrAdmissionDeniedをラップしたエラーを返し、タスクは作成しない。
func (s *Service) CreateSelectionTask(ctx context.Context, req model.SelectionRequest) (*model.Task, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	created, err := s.tasks.Create(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	taskID := created.ID
	s.runner.Submit(taskID, func(ctx context.Context) error {
		return s.pipeline.Run(ctx, taskID, req)
	})

	s.logger.Info("選定タスクを作成しました",
		slog.String("task_id", taskID),
		slog.String("user_id", req.UserID),
		slog.Int("max_articles", req.MaxArticles),
	)
	return created, nil
}

// GetTaskStatus はタスクのスナップショットを返す。未知のIDはErrTaskNotFoundをラップしたエラー。
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*model.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

// RecordInteraction はユーザー行動を学習に反映し、更新後の要約を返す。
func (s *Service) RecordInteraction(ctx context.Context, userID string, it model.Interaction) (model.ProfileSummary, error) {
	if userID == "" {
		return model.ProfileSummary{}, model.NewUnauthorizedError()
	}
	if it.Genre != "" && !model.IsKnownGenre(it.Genre) {
		return model.ProfileSummary{}, model.NewInvalidGenreError(string(it.Genre))
	}
	return s.prefs.RecordInteraction(ctx, userID, it)
}

// GetPreferences は嗜好プロファイルの要約を返す。
func (s *Service) GetPreferences(ctx context.Context, userID string) (model.ProfileSummary, error) {
	if userID == "" {
		return model.ProfileSummary{}, model.NewUnauthorizedError()
	}
	return s.prefs.Summary(ctx, userID)
}

// ResetPreferences は嗜好プロファイルを初期状態に戻す。
func (s *Service) ResetPreferences(ctx context.Context, userID string) error {
	if userID == "" {
		return model.NewUnauthorizedError()
	}
	return s.prefs.Reset(ctx, userID)
}

// ClearFeedCache はフィードキャッシュを全削除する。
func (s *Service) ClearFeedCache() {
	s.cache.Clear()
	s.logger.Info("フィードキャッシュをクリアしました")
}

// FeedCacheStats はフィードキャッシュの統計を返す。
func (s *Service) FeedCacheStats() feed.CacheStats {
	return s.cache.Stats()
}

// CreateSchedule は定期実行スケジュールを登録する。初回実行は登録から1周期後。
func (s *Service) CreateSchedule(ctx context.Context, sched *model.Schedule) (*model.Schedule, error) {
	if s.schedules == nil {
		return nil, fmt.Errorf("スケジュール機能は無効です")
	}
	req, err := normalizeRequest(sched.ToRequest())
	if err != nil {
		return nil, err
	}
	if sched.IntervalMinutes < MinScheduleInterval || sched.IntervalMinutes > MaxScheduleInterval {
		return nil, model.NewInvalidRequestError(
			fmt.Sprintf("interval_minutes は %d〜%d の範囲で指定してください", MinScheduleInterval, MaxScheduleInterval))
	}

	now := s.now()
	created := &model.Schedule{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		MaxArticles:     req.MaxArticles,
		PreferredGenres: req.PreferredGenres,
		ExcludedGenres:  req.ExcludedGenres,
		Tier:            req.Tier,
		Language:        req.Language,
		Voice:           req.Voice,
		IntervalMinutes: sched.IntervalMinutes,
		NextRunAt:       now.Add(time.Duration(sched.IntervalMinutes) * time.Minute),
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.schedules.Create(ctx, created); err != nil {
		return nil, fmt.Errorf("スケジュールの作成に失敗: %w", err)
	}
	return created, nil
}

// ListSchedules はユーザーのスケジュール一覧を返す。
func (s *Service) ListSchedules(ctx context.Context, userID string) ([]*model.Schedule, error) {
	if s.schedules == nil {
		return []*model.Schedule{}, nil
	}
	list, err := s.schedules.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("スケジュール一覧の取得に失敗: %w", err)
	}
	if list == nil {
		list = []*model.Schedule{}
	}
	return list, nil
}

// DeleteSchedule はユーザー自身のスケジュールを削除する。
// 他ユーザーのスケジュールは存在しないものとして扱う。
func (s *Service) DeleteSchedule(ctx context.Context, userID, scheduleID string) error {
	if s.schedules == nil {
		return model.ErrScheduleNotFound
	}
	sched, err := s.schedules.FindByID(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("スケジュールの取得に失敗: %w", err)
	}
	if sched == nil || sched.UserID != userID {
		return model.ErrScheduleNotFound
	}
	if err := s.schedules.Delete(ctx, scheduleID); err != nil {
		return fmt.Errorf("スケジュールの削除に失敗: %w", err)
	}
	return nil
}

// normalizeRequest はリクエストを検証し、既定値を補う。
func normalizeRequest(req model.SelectionRequest) (model.SelectionRequest, error) {
	if req.UserID == "" {
		return req, model.NewUnauthorizedError()
	}
	if req.MaxArticles == 0 {
		req.MaxArticles = DefaultMaxArticles
	}
	if req.MaxArticles < 1 || req.MaxArticles > MaxArticlesLimit {
		return req, model.NewInvalidRequestError(
			fmt.Sprintf("max_articles は 1〜%d の範囲で指定してください", MaxArticlesLimit))
	}
	for _, g := range append(append([]model.Genre(nil), req.PreferredGenres...), req.ExcludedGenres...) {
		if !model.IsKnownGenre(g) {
			return req, model.NewInvalidGenreError(string(g))
		}
	}
	switch req.Tier {
	case "", model.TierFree, model.TierStandard, model.TierPremium:
	default:
		return req, model.NewInvalidRequestError(fmt.Sprintf("未知のプランです: %s", req.Tier))
	}
	return req, nil
}
