// Package genre は記事のタイトルとサマリーからジャンルを判定する。
// 判定は重み付きキーワードのスコアリングによる純粋関数で、副作用を持たない。
package genre

import (
	"strings"
	"unicode"

	"github.com/hitoshi/audiobrief/internal/model"
)

const (
	// DefaultMinConfidence はこれ未満の最高スコアをgeneralとして扱う閾値。
	DefaultMinConfidence = 1.0
	// DefaultCloseRatio は上位2ジャンルを拮抗とみなす比率。
	DefaultCloseRatio = 0.8
	// exactWordBonus は単語境界で一致した場合の加点。
	exactWordBonus = 0.5
	// shortKeywordLen 以下の英字キーワードは単語一致のみを数える。
	shortKeywordLen = 3
)

// Result は分類結果とジャンル別スコア。
type Result struct {
	Genre      model.Genre
	Confidence float64
	Scores     map[model.Genre]float64
	TieBroken  bool
}

// Classifier はキーワード表に基づくジャンル分類器。
// 生成後は読み取り専用のため、複数goroutineから同時に使用できる。
type Classifier struct {
	keywords      map[model.Genre]keywordTiers
	rules         []tieBreakRule
	minConfidence float64
	closeRatio    float64
}

// NewClassifier は組み込みのキーワード表を使うClassifierを生成する。
func NewClassifier() *Classifier {
	return &Classifier{
		keywords:      defaultKeywords,
		rules:         defaultTieBreakRules,
		minConfidence: DefaultMinConfidence,
		closeRatio:    DefaultCloseRatio,
	}
}

// Classify はタイトルとサマリーからジャンルラベルを返す。
func (c *Classifier) Classify(title, summary string) model.Genre {
	return c.ClassifyWithScores(title, summary).Genre
}

// ClassifyWithScores はジャンル別スコアを含む分類結果を返す。
func (c *Classifier) ClassifyWithScores(title, summary string) Result {
	text := strings.ToLower(title + " " + summary)

	scores := make(map[model.Genre]float64, len(c.keywords))
	for g, tiers := range c.keywords {
		s := scoreTier(text, tiers.High, highWeight) +
			scoreTier(text, tiers.Medium, mediumWeight) +
			scoreTier(text, tiers.Low, lowWeight)
		if s > 0 {
			scores[g] = s
		}
	}

	top, second := rankTopTwo(scores)
	result := Result{Genre: model.GenreGeneral, Scores: scores, Confidence: scores[top]}
	if top == "" || scores[top] < c.minConfidence {
		return result
	}
	result.Genre = top

	if second != "" && scores[second] >= scores[top]*c.closeRatio {
		if g, ok := c.breakTie(text, top, second); ok {
			result.Genre = g
			result.TieBroken = g != top
		}
	}
	return result
}

// breakTie は拮抗した2ジャンルに該当するルールがあれば判定結果を返す。
func (c *Classifier) breakTie(text string, a, b model.Genre) (model.Genre, bool) {
	for _, rule := range c.rules {
		if !(rule.Preferred == a && rule.Other == b) && !(rule.Preferred == b && rule.Other == a) {
			continue
		}
		for _, ind := range rule.Indicators {
			if _, ok := matchKeyword(text, ind); ok {
				return rule.Preferred, true
			}
		}
		return rule.Other, true
	}
	return "", false
}

// rankTopTwo はスコア上位2ジャンルを返す。同点はKnownGenresの順で先のものを優先する。
func rankTopTwo(scores map[model.Genre]float64) (model.Genre, model.Genre) {
	var top, second model.Genre
	for _, g := range model.KnownGenres {
		s, ok := scores[g]
		if !ok {
			continue
		}
		switch {
		case top == "" || s > scores[top]:
			second = top
			top = g
		case second == "" || s > scores[second]:
			second = g
		}
	}
	return top, second
}

func scoreTier(text string, keywords []string, weight float64) float64 {
	var total float64
	for _, kw := range keywords {
		exact, ok := matchKeyword(text, kw)
		if !ok {
			continue
		}
		total += weight
		if exact {
			total += exactWordBonus
		}
	}
	return total
}

// matchKeyword はキーワードの出現を判定する。
// 英字キーワードは単語境界での一致をexactとし、短い英字キーワードは単語一致のみを数える。
// 日本語キーワードは部分一致のみで判定する。
func matchKeyword(text, kw string) (exact bool, ok bool) {
	if !isASCII(kw) {
		return false, strings.Contains(text, kw)
	}

	found := false
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			break
		}
		start := offset + i
		end := start + len(kw)
		if isBoundary(text, start-1) && isBoundary(text, end) {
			return true, true
		}
		found = true
		offset = start + 1
	}

	if len(kw) <= shortKeywordLen {
		return false, false
	}
	return false, found
}

// isBoundary は位置iが単語境界（英数字以外または範囲外）かを判定する。
func isBoundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	b := text[i]
	if b >= 0x80 {
		return true
	}
	r := rune(b)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Normalize は未知のラベルをgeneralに正規化する。
func Normalize(label string) model.Genre {
	return model.NormalizeGenre(model.Genre(strings.ToLower(strings.TrimSpace(label))))
}
