// Package selection はパーソナライズされた記事スコアリングと逐次選定を提供する。
// ScorerとSelectorはI/Oを行わない純粋な計算のみで構成される。
package selection

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
)

// TimeBand は時間帯ごとのジャンル親和ボーナス。
// StartHour > EndHour の場合は日付をまたぐ帯として扱う。
type TimeBand struct {
	Name      string
	StartHour int
	EndHour   int
	Genres    []model.Genre
	Bonus     float64
}

func (b TimeBand) contains(hour int) bool {
	if b.StartHour <= b.EndHour {
		return hour >= b.StartHour && hour < b.EndHour
	}
	return hour >= b.StartHour || hour < b.EndHour
}

// ScoringConfig はスコア計算の調整パラメータ。
type ScoringConfig struct {
	// 個人親和度
	RecentWindow   int
	CompletionStep float64
	CompletionCap  float64
	SaveStep       float64
	SaveCap        float64

	// 文脈的関連度
	TimeBands   []TimeBand
	FreshWindow time.Duration
	DecayWindow time.Duration
	FreshBonus  float64
	DecayBonus  float64

	// 多様性
	HistoryShareThreshold float64
	HistoryPenaltySlope   float64
	HistoryPenaltyFloor   float64
	RepeatPenalty         float64
	RepeatFloor           float64
	DiversityFloor        float64
	ExplorationBonus      float64

	// NoiseAmplitude は探索ノイズの振幅。0で無効。
	NoiseAmplitude float64
	MinScore       float64
}

// DefaultScoringConfig は既定の調整パラメータを返す。
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		RecentWindow:   20,
		CompletionStep: 0.1,
		CompletionCap:  0.3,
		SaveStep:       0.1,
		SaveCap:        0.2,
		TimeBands: []TimeBand{
			{Name: "morning", StartHour: 5, EndHour: 10, Bonus: 0.2,
				Genres: []model.Genre{model.GenreEconomy, model.GenrePolitics, model.GenreInternational}},
			{Name: "evening", StartHour: 17, EndHour: 21, Bonus: 0.15,
				Genres: []model.Genre{model.GenreEntertainment, model.GenreSports}},
			{Name: "night", StartHour: 21, EndHour: 2, Bonus: 0.1,
				Genres: []model.Genre{model.GenreTechnology, model.GenreScience}},
		},
		FreshWindow:           24 * time.Hour,
		DecayWindow:           72 * time.Hour,
		FreshBonus:            0.2,
		DecayBonus:            0.2,
		HistoryShareThreshold: 0.3,
		HistoryPenaltySlope:   1.5,
		HistoryPenaltyFloor:   0.5,
		RepeatPenalty:         0.25,
		RepeatFloor:           0.4,
		DiversityFloor:        0.3,
		ExplorationBonus:      1.15,
		NoiseAmplitude:        0.3,
		MinScore:              0.01,
	}
}

// Breakdown はスコアの内訳。タスクのdebug_infoに含める。
type Breakdown struct {
	Affinity  float64 `json:"affinity"`
	Context   float64 `json:"context"`
	Diversity float64 `json:"diversity"`
	Noise     float64 `json:"noise"`
	Score     float64 `json:"score"`
}

// Scorer は記事のスコアを計算する。複数goroutineから同時に使用できる。
type Scorer struct {
	cfg ScoringConfig
	now func() time.Time
	loc *time.Location

	mu  sync.Mutex
	rng *rand.Rand
}

// Option はScorerの生成オプション。
type Option func(*Scorer)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithLocation は時間帯判定に使うタイムゾーンを設定する。
func WithLocation(loc *time.Location) Option {
	return func(s *Scorer) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithRand は探索ノイズの乱数源を設定する。テストでシードを固定するために使う。
func WithRand(rng *rand.Rand) Option {
	return func(s *Scorer) { s.rng = rng }
}

// NewScorer はScorerを生成する。
func NewScorer(cfg ScoringConfig, opts ...Option) *Scorer {
	s := &Scorer{
		cfg: cfg,
		now: time.Now,
		loc: time.Local,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config は調整パラメータを返す。
func (s *Scorer) Config() ScoringConfig {
	return s.cfg
}

// Score は記事のスコアを返す。
func (s *Scorer) Score(a model.Article, profile *model.UserPreferenceProfile, selected []model.Article) float64 {
	return s.Explain(a, profile, selected).Score
}

// Explain は内訳付きでスコアを計算する。
// score = 親和度 × 文脈 × 多様性 + ノイズ を MinScore で下限補正する。
func (s *Scorer) Explain(a model.Article, profile *model.UserPreferenceProfile, selected []model.Article) Breakdown {
	now := s.now()
	b := Breakdown{
		Affinity:  s.affinity(a.Genre, profile),
		Context:   s.context(a, now),
		Diversity: s.diversity(a.Genre, profile, selected),
		Noise:     s.noise(),
	}
	b.Score = math.Max(s.cfg.MinScore, b.Affinity*b.Context*b.Diversity+b.Noise)
	return b
}

// affinity はジャンル重みに直近の完了・保存ボーナスを掛け合わせる。
func (s *Scorer) affinity(g model.Genre, profile *model.UserPreferenceProfile) float64 {
	var completed, saved int
	for _, r := range s.recent(profile) {
		if r.Genre != g {
			continue
		}
		switch r.Type {
		case model.InteractionCompleted:
			completed++
		case model.InteractionSaved:
			saved++
		}
	}
	completionBonus := math.Min(s.cfg.CompletionCap, float64(completed)*s.cfg.CompletionStep)
	saveBonus := math.Min(s.cfg.SaveCap, float64(saved)*s.cfg.SaveStep)
	return profile.Weight(g) * (1 + completionBonus + saveBonus)
}

func (s *Scorer) context(a model.Article, now time.Time) float64 {
	score := 1.0

	hour := now.In(s.loc).Hour()
	for _, band := range s.cfg.TimeBands {
		if !band.contains(hour) {
			continue
		}
		for _, g := range band.Genres {
			if g == a.Genre {
				score += band.Bonus
				break
			}
		}
	}

	if published, ok := a.PublishedAt(); ok {
		score += s.recencyBonus(now.Sub(published))
	}
	return score
}

// recencyBonus は公開からの経過時間に応じたボーナス。
// FreshWindow以内は FreshBonus + DecayBonus から線形に減衰し、
// DecayWindowまでに DecayBonus から0へ減衰する。未来の日時は経過0として扱う。
func (s *Scorer) recencyBonus(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	switch {
	case age < s.cfg.FreshWindow:
		return s.cfg.DecayBonus + s.cfg.FreshBonus*(1-float64(age)/float64(s.cfg.FreshWindow))
	case age < s.cfg.DecayWindow:
		span := float64(s.cfg.DecayWindow - s.cfg.FreshWindow)
		return s.cfg.DecayBonus * (1 - float64(age-s.cfg.FreshWindow)/span)
	default:
		return 0
	}
}

func (s *Scorer) diversity(g model.Genre, profile *model.UserPreferenceProfile, selected []model.Article) float64 {
	factor := 1.0

	recent := s.recent(profile)
	seenInHistory := false
	if len(recent) > 0 {
		same := 0
		for _, r := range recent {
			if r.Genre == g {
				same++
			}
		}
		seenInHistory = same > 0
		share := float64(same) / float64(len(recent))
		if share > s.cfg.HistoryShareThreshold {
			factor *= math.Max(s.cfg.HistoryPenaltyFloor, 1-(share-s.cfg.HistoryShareThreshold)*s.cfg.HistoryPenaltySlope)
		}
	}
	if !seenInHistory && profile != nil {
		for _, r := range profile.History {
			if r.Genre == g {
				seenInHistory = true
				break
			}
		}
	}

	count := 0
	for _, a := range selected {
		if a.Genre == g {
			count++
		}
	}
	if count > 0 {
		factor *= math.Max(s.cfg.RepeatFloor, 1-s.cfg.RepeatPenalty*float64(count))
	}

	if !seenInHistory && count == 0 {
		factor *= s.cfg.ExplorationBonus
	}
	return math.Max(s.cfg.DiversityFloor, factor)
}

func (s *Scorer) recent(profile *model.UserPreferenceProfile) []model.InteractionRecord {
	if profile == nil {
		return nil
	}
	h := profile.History
	if len(h) > s.cfg.RecentWindow {
		h = h[len(h)-s.cfg.RecentWindow:]
	}
	return h
}

func (s *Scorer) noise() float64 {
	if s.cfg.NoiseAmplitude == 0 || s.rng == nil {
		return 0
	}
	s.mu.Lock()
	u := s.rng.Float64()
	s.mu.Unlock()
	return (2*u - 1) * s.cfg.NoiseAmplitude
}
