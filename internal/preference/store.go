package preference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
	"github.com/hitoshi/audiobrief/internal/repository"
)

// LearningRecorder は学習更新のメトリクス記録インターフェース。
type LearningRecorder interface {
	RecordLearningUpdate(interactionType string)
}

// topGenreCount はサマリーに含める上位ジャンル数。
const topGenreCount = 3

// Store はユーザー嗜好プロファイルの保持と更新を行う。
// プロファイルはプロセス内に保持せず、常にリポジトリから読み取る。
// 更新はリポジトリのUpdateで読み取りから保存までを原子的に行うため、
// 複数プロセスが同じユーザーを更新しても変更は失われない。
// ユーザー単位のロックは同一プロセス内の競合を減らすためのもの。
type Store struct {
	repo    repository.ProfileRepository
	logger  *slog.Logger
	metrics LearningRecorder
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore はStoreを生成する。repoがnilの場合はインメモリのリポジトリを使う。
func NewStore(repo repository.ProfileRepository, logger *slog.Logger, metrics LearningRecorder) *Store {
	if repo == nil {
		repo = repository.NewMemoryProfileRepo()
	}
	return &Store{
		repo:    repo,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// userLock はユーザー単位のロックを返す。
func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Get はユーザーのプロファイルのスナップショットを返す。
// 存在しない場合は既定値のプロファイルを生成する（永続化はしない）。
func (s *Store) Get(ctx context.Context, userID string) (*model.UserPreferenceProfile, error) {
	p, err := s.repo.FindByUserID(ctx, userID)
	p, err = s.resolve(userID, p, err)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Summary はユーザーのプロファイル要約を返す。
func (s *Store) Summary(ctx context.Context, userID string) (model.ProfileSummary, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return model.ProfileSummary{}, err
	}
	return Summarize(p), nil
}

// RecordInteraction はインタラクションを学習に適用し、更新後の要約を返す。
func (s *Store) RecordInteraction(ctx context.Context, userID string, it model.Interaction) (model.ProfileSummary, error) {
	if it.Type == "" {
		return model.ProfileSummary{}, model.NewInvalidInteractionTypeError()
	}
	p, err := s.apply(ctx, userID, []model.Interaction{it})
	if err != nil {
		return model.ProfileSummary{}, err
	}
	return Summarize(p), nil
}

// RecordInteractions は複数のインタラクションを1回の更新で順に適用する。
func (s *Store) RecordInteractions(ctx context.Context, userID string, its []model.Interaction) error {
	if len(its) == 0 {
		return nil
	}
	_, err := s.apply(ctx, userID, its)
	return err
}

func (s *Store) apply(ctx context.Context, userID string, its []model.Interaction) (*model.UserPreferenceProfile, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	var records []model.InteractionRecord
	next, err := s.repo.Update(ctx, userID, func(current *model.UserPreferenceProfile, loadErr error) (*model.UserPreferenceProfile, error) {
		p, err := s.resolve(userID, current, loadErr)
		if err != nil {
			return nil, err
		}
		records = records[:0]
		now := s.now()
		for _, it := range its {
			var record model.InteractionRecord
			p, record = Learn(p, it, now)
			records = append(records, record)
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("嗜好プロファイルの保存に失敗: %w", err)
	}

	for _, record := range records {
		s.logger.Debug("嗜好プロファイルを更新しました",
			slog.String("user_id", userID),
			slog.String("interaction_type", string(record.Type)),
			slog.String("genre", string(record.Genre)),
			slog.Float64("learning_rate", record.LearningRate),
			slog.Float64("weight_after", record.WeightAfter),
		)
		if s.metrics != nil {
			s.metrics.RecordLearningUpdate(string(record.Type))
		}
	}
	return next.Clone(), nil
}

// Reset はユーザーのプロファイルを既定値に戻す。
func (s *Store) Reset(ctx context.Context, userID string) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := s.repo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("嗜好プロファイルの削除に失敗: %w", err)
	}
	return nil
}

// resolve はリポジトリの読み取り結果を使用可能なプロファイルにする。
// 未登録は既定値、破損データは警告を出して既定値で置き換える。
func (s *Store) resolve(userID string, p *model.UserPreferenceProfile, err error) (*model.UserPreferenceProfile, error) {
	if err == nil && p != nil {
		err = p.Validate()
	}
	switch {
	case errors.Is(err, model.ErrProfileCorrupted):
		s.logger.Warn("嗜好プロファイルが破損しているため初期化します",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.NewDefaultProfile(userID, s.now()), nil
	case err != nil:
		return nil, fmt.Errorf("嗜好プロファイルの取得に失敗: %w", err)
	case p == nil:
		return model.NewDefaultProfile(userID, s.now()), nil
	}
	return p, nil
}

// Summarize はプロファイルの要約を生成する。
func Summarize(p *model.UserPreferenceProfile) model.ProfileSummary {
	weights := make(map[model.Genre]float64, len(p.GenreWeights))
	for g, w := range p.GenreWeights {
		weights[g] = w
	}

	genres := make([]model.Genre, 0, len(weights))
	for g := range weights {
		if g == model.GenreGeneral {
			continue
		}
		genres = append(genres, g)
	}
	sort.Slice(genres, func(i, j int) bool {
		if weights[genres[i]] != weights[genres[j]] {
			return weights[genres[i]] > weights[genres[j]]
		}
		return genres[i] < genres[j]
	})
	if len(genres) > topGenreCount {
		genres = genres[:topGenreCount]
	}

	return model.ProfileSummary{
		UserID:        p.UserID,
		GenreWeights:  weights,
		TopGenres:     genres,
		HistoryLength: len(p.History),
		UpdatedAt:     p.UpdatedAt,
	}
}
