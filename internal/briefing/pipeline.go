// Package briefing は記事の取得から音声ブリーフィング生成までのパイプラインと、
// 外部に公開する操作をまとめたサービスを提供する。
package briefing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/audiobrief/internal/feed"
	"github.com/hitoshi/audiobrief/internal/generation"
	"github.com/hitoshi/audiobrief/internal/length"
	"github.com/hitoshi/audiobrief/internal/model"
	"github.com/hitoshi/audiobrief/internal/selection"
)

// 進捗のマイルストーン
const (
	ProgressStarted   = 5
	ProgressFetched   = 35
	ProgressSelected  = 50
	ProgressPlanned   = 65
	ProgressScripted  = 80
	ProgressSynthesis = 90
)

// ArticleFetcher は複数ソースから候補記事を取得する。
type ArticleFetcher interface {
	FetchMany(ctx context.Context, sources []feed.Source) []model.Article
}

// ProfileStore はパイプラインが利用する嗜好プロファイルの操作。
type ProfileStore interface {
	Get(ctx context.Context, userID string) (*model.UserPreferenceProfile, error)
	RecordInteractions(ctx context.Context, userID string, its []model.Interaction) error
}

// TaskUpdater はタスクの進捗更新と終端化を行う。
type TaskUpdater interface {
	Update(ctx context.Context, id string, progress int, message string) error
	Complete(ctx context.Context, id string, result *model.BriefingResult, debugInfo map[string]any) error
	Fail(ctx context.Context, id string, errMessage string, debugInfo map[string]any) error
}

// SelectionMetrics は選定件数のメトリクス記録インターフェース。
type SelectionMetrics interface {
	RecordSelectionSize(size int)
}

// Defaults はリクエストで省略された項目の既定値。
type Defaults struct {
	Language string
	Voice    string
	Style    string
}

// Pipeline は1タスク分の処理を実行する。
// fetch → select → plan → script → audio → complete の順に進捗を更新し、
// 完了後は選定した記事ごとにcreated_audioを学習に反映する。
type Pipeline struct {
	fetcher  ArticleFetcher
	sources  []feed.Source
	profiles ProfileStore
	selector *selection.Selector
	planner  *length.Planner
	scripts  generation.ScriptGenerator
	audio    generation.AudioSynthesizer
	tasks    TaskUpdater
	metrics  SelectionMetrics
	logger   *slog.Logger
	defaults Defaults
	now      func() time.Time
}

// PipelineDeps はPipelineの依存関係。AudioとMetricsはnilでもよい。
type PipelineDeps struct {
	Fetcher  ArticleFetcher
	Sources  []feed.Source
	Profiles ProfileStore
	Selector *selection.Selector
	Planner  *length.Planner
	Scripts  generation.ScriptGenerator
	Audio    generation.AudioSynthesizer
	Tasks    TaskUpdater
	Metrics  SelectionMetrics
	Logger   *slog.Logger
	Defaults Defaults
}

// NewPipeline はPipelineを生成する。
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Defaults.Language == "" {
		deps.Defaults.Language = "ja"
	}
	return &Pipeline{
		fetcher:  deps.Fetcher,
		sources:  deps.Sources,
		profiles: deps.Profiles,
		selector: deps.Selector,
		planner:  deps.Planner,
		scripts:  deps.Scripts,
		audio:    deps.Audio,
		tasks:    deps.Tasks,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		defaults: deps.Defaults,
		now:      time.Now,
	}
}

// Run はタスクを実行する。目的を達成できない場合はタスクをfailedにしてnilを返す。
// エラーを返すのはタスク状態の更新自体に失敗した場合のみ。
func (p *Pipeline) Run(ctx context.Context, taskID string, req model.SelectionRequest) error {
	start := p.now()
	req = p.withDefaults(req)
	log := p.logger.With(slog.String("task_id", taskID), slog.String("user_id", req.UserID))

	if err := p.tasks.Update(ctx, taskID, ProgressStarted, "ニュースソースを確認しています"); err != nil {
		return err
	}

	// 1. 記事取得
	sources := sourcesFor(p.sources, req.Language)
	candidates := p.fetcher.FetchMany(ctx, sources)
	if err := ctx.Err(); err != nil {
		return p.fail(ctx, taskID, model.MessageInternalFailure, "fetch", err, nil)
	}
	if err := p.tasks.Update(ctx, taskID, ProgressFetched, fmt.Sprintf("%d件の記事を取得しました", len(candidates))); err != nil {
		return err
	}

	// 2. 選定
	profile, err := p.profiles.Get(ctx, req.UserID)
	if err != nil {
		// 嗜好が読めなくてもパイプラインは止めない
		log.Warn("嗜好プロファイルを取得できないため既定の嗜好で選定します",
			slog.String("error", err.Error()),
		)
		profile = nil
	}
	filters := selection.Filters{
		PreferredGenres: req.PreferredGenres,
		ExcludedGenres:  req.ExcludedGenres,
		RecencyFirst:    req.RecencyFirst,
	}
	selected, picks := p.selector.SelectWithTrace(candidates, profile, req.MaxArticles, filters)
	if p.metrics != nil {
		p.metrics.RecordSelectionSize(len(selected))
	}
	if len(selected) == 0 {
		debug := map[string]any{
			"stage":            "select",
			"source_count":     len(sources),
			"candidate_count":  len(candidates),
			"preferred_genres": req.PreferredGenres,
			"excluded_genres":  req.ExcludedGenres,
		}
		log.Info("条件に合う記事がないためタスクを失敗にします",
			slog.Int("candidate_count", len(candidates)),
		)
		return p.failWith(ctx, taskID, model.MessageNoArticles, debug)
	}
	if err := p.tasks.Update(ctx, taskID, ProgressSelected, fmt.Sprintf("%d件の記事を選びました", len(selected))); err != nil {
		return err
	}

	// 3. 長さ計画
	totalChars := 0
	for i := range selected {
		totalChars += selected[i].TextLength()
	}
	plan := p.planner.Plan(totalChars, len(selected), req.Tier, req.Language)
	if err := p.tasks.Update(ctx, taskID, ProgressPlanned, "台本の長さを決めました"); err != nil {
		return err
	}

	debug := map[string]any{
		"source_count":    len(sources),
		"candidate_count": len(candidates),
		"picks":           picks,
		"length_plan":     plan,
	}

	// 4. 台本生成
	script, err := p.scripts.GenerateScript(ctx, generation.ScriptRequest{
		Articles:     selected,
		TargetLength: plan.Total,
		PerArticle:   plan.PerArticle,
		Style:        req.Style,
		Language:     plan.Language,
	})
	if err != nil {
		return p.fail(ctx, taskID, model.MessageGenerationFailed, "script", err, debug)
	}
	if err := p.tasks.Update(ctx, taskID, ProgressScripted, "台本を生成しました"); err != nil {
		return err
	}

	// 5. 音声合成（任意）
	result := &model.BriefingResult{
		Script:       script,
		TargetLength: plan.Total,
		Language:     plan.Language,
		Articles:     summarize(selected, picks),
	}
	if p.audio != nil {
		audio, err := p.audio.Synthesize(ctx, script, req.Voice)
		if err != nil {
			return p.fail(ctx, taskID, model.MessageGenerationFailed, "audio", err, debug)
		}
		result.AudioURL = audio.URL
		result.DurationSeconds = audio.DurationSeconds
		if err := p.tasks.Update(ctx, taskID, ProgressSynthesis, "音声を合成しました"); err != nil {
			return err
		}
	} else {
		result.DurationSeconds = plan.EstimatedSeconds
	}

	// 6. 完了
	debug["duration_ms"] = p.now().Sub(start).Milliseconds()
	if err := p.tasks.Complete(ctx, taskID, result, debug); err != nil {
		return err
	}
	log.Info("音声ブリーフィングの生成が完了しました",
		slog.Int("article_count", len(selected)),
		slog.Int("target_length", plan.Total),
	)

	// 7. 学習
	p.learn(ctx, req.UserID, selected, log)
	return nil
}

func (p *Pipeline) withDefaults(req model.SelectionRequest) model.SelectionRequest {
	if req.Language == "" {
		req.Language = p.defaults.Language
	}
	if req.Voice == "" {
		req.Voice = p.defaults.Voice
	}
	if req.Style == "" {
		req.Style = p.defaults.Style
	}
	if req.Tier == "" {
		req.Tier = model.TierStandard
	}
	return req
}

// learn は選定記事ごとにcreated_audioを記録する。失敗してもタスク結果には影響しない。
func (p *Pipeline) learn(ctx context.Context, userID string, selected []model.Article, log *slog.Logger) {
	now := p.now()
	its := make([]model.Interaction, 0, len(selected))
	for _, a := range selected {
		its = append(its, model.Interaction{
			ArticleID: a.ID,
			Type:      model.InteractionCreatedAudio,
			Genre:     a.Genre,
			Timestamp: now,
		})
	}
	if err := p.profiles.RecordInteractions(ctx, userID, its); err != nil {
		log.Warn("生成結果の学習反映に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) fail(ctx context.Context, taskID, message, stage string, cause error, base map[string]any) error {
	debug := make(map[string]any, len(base)+2)
	for k, v := range base {
		debug[k] = v
	}
	debug["stage"] = stage
	debug["error"] = cause.Error()
	p.logger.Error("パイプラインの処理に失敗しました",
		slog.String("task_id", taskID),
		slog.String("stage", stage),
		slog.Bool("generation_error", errors.Is(cause, model.ErrGeneration)),
		slog.String("error", cause.Error()),
	)
	return p.failWith(ctx, taskID, message, debug)
}

func (p *Pipeline) failWith(ctx context.Context, taskID, message string, debug map[string]any) error {
	if err := p.tasks.Fail(context.WithoutCancel(ctx), taskID, message, debug); err != nil {
		return fmt.Errorf("タスクの失敗処理に失敗: %w", err)
	}
	return nil
}

// sourcesFor は言語が一致するソースと言語未指定のソースを返す。
// 該当するソースがない場合は全ソースを返す。
func sourcesFor(sources []feed.Source, language string) []feed.Source {
	lang := strings.ToLower(strings.SplitN(language, "-", 2)[0])
	matched := make([]feed.Source, 0, len(sources))
	for _, s := range sources {
		sl := strings.ToLower(strings.SplitN(s.Language, "-", 2)[0])
		if sl == "" || sl == lang {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return sources
	}
	return matched
}

func summarize(selected []model.Article, picks []selection.Pick) []model.SelectedArticle {
	scores := make(map[string]float64, len(picks))
	for _, pk := range picks {
		scores[pk.ArticleID] = pk.Breakdown.Score
	}
	out := make([]model.SelectedArticle, 0, len(selected))
	for _, a := range selected {
		out = append(out, model.SelectedArticle{
			ID:           a.ID,
			Title:        a.Title,
			Link:         a.Link,
			SourceName:   a.SourceName,
			Genre:        a.Genre,
			ThumbnailURL: a.ThumbnailURL,
			Score:        scores[a.ID],
		})
	}
	return out
}
