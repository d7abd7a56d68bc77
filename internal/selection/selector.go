package selection

import (
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
)

// Filters は選定前の候補絞り込み条件。
type Filters struct {
	// PreferredGenres が空でない場合、そのジャンルの記事のみを候補とする。
	PreferredGenres []model.Genre
	ExcludedGenres  []model.Genre
	// RecencyFirst は候補を公開日時の新しい順に並べてから選定する。
	// 同点の場合は先に並んだ記事が選ばれる。
	RecencyFirst bool
}

// Pick は1回の選定ラウンドの記録。
type Pick struct {
	Round     int         `json:"round"`
	ArticleID string      `json:"article_id"`
	Genre     model.Genre `json:"genre"`
	PoolSize  int         `json:"pool_size"`
	Breakdown Breakdown   `json:"breakdown"`
}

// Selector は逐次貪欲法で記事を選定する。
// 各ラウンドで残りの全候補を選定済み集合に対して再スコアし、最高スコアの1件を選ぶ。
type Selector struct {
	scorer *Scorer
}

// NewSelector はSelectorを生成する。
func NewSelector(scorer *Scorer) *Selector {
	return &Selector{scorer: scorer}
}

// Select は最大k件の記事を選定順に返す。
// 候補がk件未満の場合は全件を返し、候補がない場合は空スライスを返す。
func (s *Selector) Select(candidates []model.Article, profile *model.UserPreferenceProfile, k int, f Filters) []model.Article {
	selected, _ := s.SelectWithTrace(candidates, profile, k, f)
	return selected
}

// SelectWithTrace はSelectに加えてラウンドごとのスコア内訳を返す。
func (s *Selector) SelectWithTrace(candidates []model.Article, profile *model.UserPreferenceProfile, k int, f Filters) ([]model.Article, []Pick) {
	pool := Prepare(candidates, f)
	if k <= 0 || len(pool) == 0 {
		return []model.Article{}, nil
	}
	if k > len(pool) {
		k = len(pool)
	}

	selected := make([]model.Article, 0, k)
	picks := make([]Pick, 0, k)
	for round := 0; round < k; round++ {
		best := -1
		var bestB Breakdown
		for i, a := range pool {
			b := s.scorer.Explain(a, profile, selected)
			if best < 0 || b.Score > bestB.Score {
				best, bestB = i, b
			}
		}
		picks = append(picks, Pick{
			Round:     round + 1,
			ArticleID: pool[best].ID,
			Genre:     pool[best].Genre,
			PoolSize:  len(pool),
			Breakdown: bestB,
		})
		selected = append(selected, pool[best])
		pool = append(pool[:best], pool[best+1:]...)
	}
	return selected, picks
}

// Prepare はフィルタ、重複除去、並べ替えを適用した候補のコピーを返す。
// 重複はリンク（なければタイトル）で判定し、先に現れた記事を残す。
func Prepare(candidates []model.Article, f Filters) []model.Article {
	include := genreSet(f.PreferredGenres)
	exclude := genreSet(f.ExcludedGenres)

	seen := make(map[string]struct{}, len(candidates))
	pool := make([]model.Article, 0, len(candidates))
	for _, a := range candidates {
		if len(include) > 0 {
			if _, ok := include[a.Genre]; !ok {
				continue
			}
		}
		if _, ok := exclude[a.Genre]; ok {
			continue
		}
		key := dedupeKey(a)
		if key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		pool = append(pool, a)
	}

	if f.RecencyFirst {
		sort.SliceStable(pool, func(i, j int) bool {
			return publishedOrZero(pool[i]).After(publishedOrZero(pool[j]))
		})
	}
	return pool
}

func genreSet(genres []model.Genre) map[model.Genre]struct{} {
	set := make(map[model.Genre]struct{}, len(genres))
	for _, g := range genres {
		set[g] = struct{}{}
	}
	return set
}

func dedupeKey(a model.Article) string {
	if a.Link != "" {
		return "link:" + a.Link
	}
	if t := strings.TrimSpace(strings.ToLower(a.Title)); t != "" {
		return "title:" + t
	}
	return ""
}

func publishedOrZero(a model.Article) time.Time {
	t, _ := a.PublishedAt()
	return t
}
