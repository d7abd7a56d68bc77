// Package preference はユーザー嗜好プロファイルのオンライン学習と保持を提供する。
package preference

import (
	"math"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
)

// 基本学習率。正の値は重みを上げ、負の値は下げる。
var baseRates = map[model.InteractionType]float64{
	model.InteractionCompleted:        0.15,
	model.InteractionSaved:            0.12,
	model.InteractionLiked:            0.10,
	model.InteractionShared:           0.08,
	model.InteractionCreatedAudio:     0.05,
	model.InteractionPartialPlay:      0.02,
	model.InteractionSkipped:          -0.05,
	model.InteractionQuickExit:        -0.08,
	model.InteractionDisliked:         -0.12,
	model.InteractionCancelledLike:    -0.10,
	model.InteractionCancelledDislike: 0.12,
}

const (
	// DefaultRate は学習率表にない種別に適用する学習率。
	DefaultRate = 0.01

	// partial_playの完了率による学習率の上書き。
	highCompletionThreshold = 70.0
	lowCompletionThreshold  = 30.0
	highCompletionRate      = 0.08
	lowCompletionRate       = -0.04
)

// RateFor はインタラクションに適用する学習率を返す。
func RateFor(it model.Interaction) float64 {
	rate, ok := baseRates[it.Type]
	if !ok {
		return DefaultRate
	}
	if it.Type == model.InteractionPartialPlay && it.Metadata != nil && it.Metadata.CompletionPercent != nil {
		switch pct := *it.Metadata.CompletionPercent; {
		case pct > highCompletionThreshold:
			return highCompletionRate
		case pct < lowCompletionThreshold:
			return lowCompletionRate
		}
	}
	return rate
}

// Learn はインタラクション1件をプロファイルに適用した新しいプロファイルを返す。
// 入力のプロファイルは変更しない。
func Learn(profile *model.UserPreferenceProfile, it model.Interaction, now time.Time) (*model.UserPreferenceProfile, model.InteractionRecord) {
	next := profile.Clone()
	if next.GenreWeights == nil {
		next.GenreWeights = make(map[model.Genre]float64)
	}

	it.Genre = model.NormalizeGenre(it.Genre)
	if it.Timestamp.IsZero() {
		it.Timestamp = now
	}

	rate := RateFor(it)
	before := next.Weight(it.Genre)
	after := clampWeight(before + rate)
	next.GenreWeights[it.Genre] = after

	record := model.InteractionRecord{
		Interaction:  it,
		LearningRate: rate,
		WeightBefore: before,
		WeightAfter:  after,
	}
	next.History = append(next.History, record)
	if over := len(next.History) - model.MaxInteractionHistory; over > 0 {
		next.History = append([]model.InteractionRecord(nil), next.History[over:]...)
	}
	next.UpdatedAt = now

	return next, record
}

func clampWeight(w float64) float64 {
	return math.Max(model.MinGenreWeight, math.Min(model.MaxGenreWeight, w))
}
