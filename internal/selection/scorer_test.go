package selection

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
)

// 14:00 UTC はどの時間帯ボーナスにも該当しない。
var afternoon = time.Date(2025, 4, 10, 14, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func noNoiseConfig() ScoringConfig {
	cfg := DefaultScoringConfig()
	cfg.NoiseAmplitude = 0
	return cfg
}

func newTestScorer(now time.Time) *Scorer {
	return NewScorer(noNoiseConfig(), WithClock(fixedClock(now)), WithLocation(time.UTC))
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func records(n int, typ model.InteractionType, g model.Genre) []model.InteractionRecord {
	out := make([]model.InteractionRecord, n)
	for i := range out {
		out[i] = model.InteractionRecord{Interaction: model.Interaction{Type: typ, Genre: g}}
	}
	return out
}

func TestScorer_BaselineWithExploration(t *testing.T) {
	s := newTestScorer(afternoon)
	profile := model.NewDefaultProfile("u", afternoon)

	b := s.Explain(model.Article{Genre: model.GenreTechnology}, profile, nil)
	approx(t, "affinity", b.Affinity, 1.0)
	approx(t, "context", b.Context, 1.0)
	approx(t, "diversity", b.Diversity, 1.15)
	approx(t, "score", b.Score, 1.15)
}

func TestScorer_AffinityBonusesAreCapped(t *testing.T) {
	s := newTestScorer(afternoon)
	profile := model.NewDefaultProfile("u", afternoon)
	profile.History = append(records(5, model.InteractionCompleted, model.GenreScience),
		records(4, model.InteractionSaved, model.GenreScience)...)

	b := s.Explain(model.Article{Genre: model.GenreScience}, profile, nil)
	approx(t, "affinity", b.Affinity, 1.0*(1+0.3+0.2))
}

func TestScorer_AffinityUsesRecentWindowOnly(t *testing.T) {
	s := newTestScorer(afternoon)
	profile := model.NewDefaultProfile("u", afternoon)
	// 古い5件の完了は直近20件の窓の外
	profile.History = append(records(5, model.InteractionCompleted, model.GenreScience),
		records(20, model.InteractionSkipped, model.GenreSports)...)

	b := s.Explain(model.Article{Genre: model.GenreScience}, profile, nil)
	approx(t, "affinity", b.Affinity, 1.0)
}

func TestScorer_TimeBands(t *testing.T) {
	tests := []struct {
		name  string
		hour  int
		genre model.Genre
		want  float64
	}{
		{"朝の経済", 7, model.GenreEconomy, 1.2},
		{"朝のスポーツ", 7, model.GenreSports, 1.0},
		{"夕方のスポーツ", 18, model.GenreSports, 1.15},
		{"夜のテクノロジー", 22, model.GenreTechnology, 1.1},
		{"深夜1時のテクノロジー", 1, model.GenreTechnology, 1.1},
		{"2時は帯の外", 2, model.GenreTechnology, 1.0},
		{"10時は朝の帯の外", 10, model.GenreEconomy, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2025, 4, 10, tt.hour, 0, 0, 0, time.UTC)
			s := newTestScorer(now)
			b := s.Explain(model.Article{Genre: tt.genre}, nil, nil)
			approx(t, "context", b.Context, tt.want)
		})
	}
}

func TestScorer_TimeBandsUseLocation(t *testing.T) {
	jst := time.FixedZone("JST", 9*3600)
	// 22:00 UTC は JST 7:00
	now := time.Date(2025, 4, 10, 22, 0, 0, 0, time.UTC)
	s := NewScorer(noNoiseConfig(), WithClock(fixedClock(now)), WithLocation(jst))

	b := s.Explain(model.Article{Genre: model.GenreEconomy}, nil, nil)
	approx(t, "context", b.Context, 1.2)
}

func TestScorer_RecencyBonus(t *testing.T) {
	s := newTestScorer(afternoon)
	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"公開直後", 0, 0.4},
		{"12時間", 12 * time.Hour, 0.3},
		{"24時間", 24 * time.Hour, 0.2},
		{"48時間", 48 * time.Hour, 0.1},
		{"72時間", 72 * time.Hour, 0},
		{"80時間", 80 * time.Hour, 0},
		{"未来の日時", -5 * time.Hour, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := model.Article{
				Genre:     model.GenreSociety,
				Published: afternoon.Add(-tt.age).Format(time.RFC3339),
			}
			b := s.Explain(a, nil, nil)
			approx(t, "context", b.Context, 1.0+tt.want)
		})
	}
}

func TestScorer_UnparsablePublishedGetsNoRecency(t *testing.T) {
	s := newTestScorer(afternoon)
	b := s.Explain(model.Article{Genre: model.GenreSociety, Published: "yesterday"}, nil, nil)
	approx(t, "context", b.Context, 1.0)
}

func TestScorer_DiversityPenalties(t *testing.T) {
	s := newTestScorer(afternoon)
	sports := model.Article{Genre: model.GenreSports}

	t.Run("履歴の偏り", func(t *testing.T) {
		profile := model.NewDefaultProfile("u", afternoon)
		profile.History = append(records(10, model.InteractionLiked, model.GenreSports),
			records(10, model.InteractionLiked, model.GenreHealth)...)
		// share 0.5 → 1 - 0.2*1.5
		approx(t, "diversity", s.Explain(sports, profile, nil).Diversity, 0.7)
	})

	t.Run("履歴の偏りの下限", func(t *testing.T) {
		profile := model.NewDefaultProfile("u", afternoon)
		profile.History = records(20, model.InteractionLiked, model.GenreSports)
		approx(t, "diversity", s.Explain(sports, profile, nil).Diversity, 0.5)
	})

	t.Run("選定済みの重複", func(t *testing.T) {
		profile := model.NewDefaultProfile("u", afternoon)
		profile.History = records(1, model.InteractionLiked, model.GenreHealth)
		profile.History = append(profile.History, records(1, model.InteractionLiked, model.GenreSports)...)
		want := []float64{0.75, 0.5, 0.4, 0.4}
		// 履歴のsports比率0.5による0.7を掛け合わせる
		for i, w := range want {
			selected := make([]model.Article, i+1)
			for j := range selected {
				selected[j] = sports
			}
			approx(t, "diversity", s.Explain(sports, profile, selected).Diversity, math.Max(0.3, 0.7*w))
		}
	})

	t.Run("全体の下限", func(t *testing.T) {
		profile := model.NewDefaultProfile("u", afternoon)
		profile.History = records(20, model.InteractionLiked, model.GenreSports)
		selected := []model.Article{sports, sports, sports}
		// 0.5 * 0.4 = 0.2 → 0.3
		approx(t, "diversity", s.Explain(sports, profile, selected).Diversity, 0.3)
	})

	t.Run("履歴にあるジャンルは探索ボーナスなし", func(t *testing.T) {
		profile := model.NewDefaultProfile("u", afternoon)
		profile.History = append(records(1, model.InteractionLiked, model.GenreSports),
			records(9, model.InteractionLiked, model.GenreHealth)...)
		approx(t, "diversity", s.Explain(sports, profile, nil).Diversity, 1.0)
	})
}

func TestScorer_NoiseBoundsAndFloor(t *testing.T) {
	cfg := DefaultScoringConfig()
	s := NewScorer(cfg, WithClock(fixedClock(afternoon)), WithLocation(time.UTC), WithRand(rand.New(rand.NewSource(1))))
	profile := model.NewDefaultProfile("u", afternoon)

	for i := 0; i < 1000; i++ {
		b := s.Explain(model.Article{Genre: model.GenreHealth}, profile, nil)
		if math.Abs(b.Noise) > cfg.NoiseAmplitude {
			t.Fatalf("ノイズが振幅を超えた: %v", b.Noise)
		}
	}

	// 大きなノイズでもスコアは下限以上
	cfg.NoiseAmplitude = 5
	low := model.NewDefaultProfile("u", afternoon)
	low.GenreWeights[model.GenreHealth] = model.MinGenreWeight
	s = NewScorer(cfg, WithClock(fixedClock(afternoon)), WithRand(rand.New(rand.NewSource(2))))
	for i := 0; i < 1000; i++ {
		if score := s.Score(model.Article{Genre: model.GenreHealth}, low, nil); score < cfg.MinScore {
			t.Fatalf("スコアが下限を下回った: %v", score)
		}
	}
}

func TestScorer_NilProfileUsesDefaults(t *testing.T) {
	s := newTestScorer(afternoon)
	// 履歴がないため探索ボーナスが付く
	approx(t, "score", s.Score(model.Article{Genre: model.GenreHealth}, nil, nil), 1.15)
}
