// Package length は入力量・契約プラン・言語から台本の目標文字数を決める。
// 結果は外部の台本生成への指示であり、このパッケージ自体は生成を行わない。
package length

import (
	"math"
	"strings"

	"github.com/hitoshi/audiobrief/internal/model"
)

// band は入力文字数帯ごとの記事あたり基準文字数。
type band struct {
	below int // この文字数未満に適用。0は上限なし
	base  int
}

// languageProfile は言語ごとの倍率と記事あたりの上下限。
type languageProfile struct {
	multiplier float64
	min        int
	max        int
	// charsPerMinute は読み上げ速度。英語は単語ではなく文字数換算。
	charsPerMinute float64
}

var (
	bands = []band{
		{below: 1500, base: 250},
		{below: 5000, base: 400},
		{below: 12000, base: 550},
		{below: 0, base: 700},
	}

	tierMultipliers = map[model.UserTier]float64{
		model.TierFree:     0.8,
		model.TierStandard: 1.0,
		model.TierPremium:  1.3,
	}

	languages = map[string]languageProfile{
		"ja": {multiplier: 1.0, min: 150, max: 800, charsPerMinute: 300},
		"en": {multiplier: 1.8, min: 300, max: 1500, charsPerMinute: 900},
	}

	otherLanguage = languageProfile{multiplier: 1.4, min: 250, max: 1200, charsPerMinute: 700}
)

const (
	dampeningStep  = 0.05
	dampeningFloor = 0.7
)

// Plan は目標文字数の計画。
type Plan struct {
	PerArticle       int     `json:"per_article"`
	Total            int     `json:"total"`
	Min              int     `json:"min"`
	Max              int     `json:"max"`
	EstimatedSeconds float64 `json:"estimated_seconds"`
	Language         string  `json:"language"`
}

// Planner は目標文字数を計算する。
type Planner struct{}

// NewPlanner はPlannerを生成する。
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan は入力総文字数、記事数、契約プラン、言語から目標文字数を返す。
// 記事あたりの目標は言語ごとの上下限に収め、Totalは記事数倍となる。
func (p *Planner) Plan(totalChars, articleCount int, tier model.UserTier, language string) Plan {
	if articleCount < 1 {
		articleCount = 1
	}
	lang := normalizeLanguage(language)
	lp, ok := languages[lang]
	if !ok {
		lp = otherLanguage
	}

	base := float64(baseFor(totalChars))
	tierMul, ok := tierMultipliers[tier]
	if !ok {
		tierMul = tierMultipliers[model.TierStandard]
	}
	dampening := math.Max(dampeningFloor, 1-dampeningStep*float64(articleCount-1))

	perArticle := int(math.Round(base * tierMul * dampening * lp.multiplier))
	perArticle = clamp(perArticle, lp.min, lp.max)

	total := perArticle * articleCount
	return Plan{
		PerArticle:       perArticle,
		Total:            total,
		Min:              lp.min * articleCount,
		Max:              lp.max * articleCount,
		EstimatedSeconds: math.Round(float64(total)/lp.charsPerMinute*60*10) / 10,
		Language:         lang,
	}
}

func baseFor(totalChars int) int {
	for _, b := range bands {
		if b.below == 0 || totalChars < b.below {
			return b.base
		}
	}
	return bands[len(bands)-1].base
}

func normalizeLanguage(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if lang == "" {
		return "ja"
	}
	return lang
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
