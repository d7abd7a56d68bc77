// Package model はドメインモデルを定義する。
package model

import "time"

// Genre は記事のジャンルラベルを表す。
type Genre string

const (
	GenreTechnology    Genre = "technology"
	GenreEconomy       Genre = "economy"
	GenrePolitics      Genre = "politics"
	GenreInternational Genre = "international"
	GenreSports        Genre = "sports"
	GenreEntertainment Genre = "entertainment"
	GenreScience       Genre = "science"
	GenreHealth        Genre = "health"
	GenreSociety       Genre = "society"
	// GenreGeneral は分類できなかった記事に付与する予約ラベル。
	GenreGeneral Genre = "general"
)

// KnownGenres はGenreGeneralを含む全ジャンルラベル。順序は分類時の最終タイブレークに使う。
var KnownGenres = []Genre{
	GenreTechnology,
	GenreEconomy,
	GenrePolitics,
	GenreInternational,
	GenreSports,
	GenreEntertainment,
	GenreScience,
	GenreHealth,
	GenreSociety,
	GenreGeneral,
}

// IsKnownGenre はラベルが既知のジャンルかを判定する。
func IsKnownGenre(g Genre) bool {
	for _, known := range KnownGenres {
		if g == known {
			return true
		}
	}
	return false
}

// NormalizeGenre は未知のラベルをGenreGeneralに正規化する。
func NormalizeGenre(g Genre) Genre {
	if IsKnownGenre(g) {
		return g
	}
	return GenreGeneral
}

// Article はフィードから抽出した候補記事を表す。
// タスク完了後に破棄され、コア内では永続化しない。
type Article struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	Content      string `json:"content,omitempty"`
	Link         string `json:"link"`
	Published    string `json:"published"` // RFC3339 または空文字列
	SourceName   string `json:"source_name"`
	Genre        Genre  `json:"genre"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// IsValid はタイトルとサマリーの少なくとも一方が空でないかを判定する。
func (a *Article) IsValid() bool {
	return a.Title != "" || a.Summary != ""
}

// PublishedAt はPublishedをパースした時刻を返す。空またはパース不能な場合はfalseを返す。
func (a *Article) PublishedAt() (time.Time, bool) {
	if a.Published == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, a.Published)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// TextLength は記事本文として扱う文字数（rune数）を返す。
// Contentがある場合はContent、なければSummaryを使う。
func (a *Article) TextLength() int {
	body := a.Content
	if body == "" {
		body = a.Summary
	}
	return len([]rune(a.Title)) + len([]rune(body))
}
