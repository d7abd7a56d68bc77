package model

import "time"

const (
	// MinGenreWeight はジャンル重みの下限。
	MinGenreWeight = 0.1
	// MaxGenreWeight はジャンル重みの上限。
	MaxGenreWeight = 2.5
	// DefaultGenreWeight は新規プロファイルのジャンル重み。
	DefaultGenreWeight = 1.0
	// MaxInteractionHistory はインタラクション履歴の保持件数。
	MaxInteractionHistory = 150
)

// InteractionType はユーザー行動の種別を表す。
type InteractionType string

const (
	InteractionCreatedAudio     InteractionType = "created_audio"
	InteractionLiked            InteractionType = "liked"
	InteractionDisliked         InteractionType = "disliked"
	InteractionCompleted        InteractionType = "completed"
	InteractionPartialPlay      InteractionType = "partial_play"
	InteractionSkipped          InteractionType = "skipped"
	InteractionQuickExit        InteractionType = "quick_exit"
	InteractionSaved            InteractionType = "saved"
	InteractionShared           InteractionType = "shared"
	InteractionCancelledLike    InteractionType = "cancelled_like"
	InteractionCancelledDislike InteractionType = "cancelled_dislike"
)

// InteractionMetadata はインタラクションの任意付帯情報。
type InteractionMetadata struct {
	// CompletionPercent は再生完了率（0〜100）。partial_playで使用する。
	CompletionPercent *float64          `json:"completion_percent,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Interaction は学習シグナル1件を表す。
// ArticleIDとAudioIDはどちらか一方が設定される。
type Interaction struct {
	ArticleID string               `json:"article_id,omitempty"`
	AudioID   string               `json:"audio_id,omitempty"`
	Type      InteractionType      `json:"interaction_type"`
	Genre     Genre                `json:"genre"`
	Timestamp time.Time            `json:"timestamp"`
	Metadata  *InteractionMetadata `json:"metadata,omitempty"`
}

// InteractionRecord は学習適用後に履歴へ保存される拡張レコード。
type InteractionRecord struct {
	Interaction
	LearningRate float64 `json:"learning_rate"`
	WeightBefore float64 `json:"weight_before"`
	WeightAfter  float64 `json:"weight_after"`
}

// UserPreferenceProfile はユーザーごとの学習済み嗜好状態。
type UserPreferenceProfile struct {
	UserID       string              `json:"user_id"`
	GenreWeights map[Genre]float64   `json:"genre_weights"`
	History      []InteractionRecord `json:"interaction_history"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// NewDefaultProfile は全ジャンル重み1.0の初期プロファイルを生成する。
func NewDefaultProfile(userID string, now time.Time) *UserPreferenceProfile {
	weights := make(map[Genre]float64, len(KnownGenres))
	for _, g := range KnownGenres {
		weights[g] = DefaultGenreWeight
	}
	return &UserPreferenceProfile{
		UserID:       userID,
		GenreWeights: weights,
		History:      []InteractionRecord{},
		UpdatedAt:    now,
	}
}

// Weight はジャンル重みを返す。未登録のジャンルはDefaultGenreWeightとして扱う。
func (p *UserPreferenceProfile) Weight(g Genre) float64 {
	if p == nil {
		return DefaultGenreWeight
	}
	if w, ok := p.GenreWeights[g]; ok {
		return w
	}
	return DefaultGenreWeight
}

// Clone はプロファイルのディープコピーを返す。
func (p *UserPreferenceProfile) Clone() *UserPreferenceProfile {
	if p == nil {
		return nil
	}
	weights := make(map[Genre]float64, len(p.GenreWeights))
	for g, w := range p.GenreWeights {
		weights[g] = w
	}
	history := make([]InteractionRecord, len(p.History))
	copy(history, p.History)
	return &UserPreferenceProfile{
		UserID:       p.UserID,
		GenreWeights: weights,
		History:      history,
		UpdatedAt:    p.UpdatedAt,
	}
}

// Validate は永続化データから復元したプロファイルの整合性を検証する。
// 不正な場合はErrProfileCorruptedを返す。
func (p *UserPreferenceProfile) Validate() error {
	if p == nil || p.UserID == "" || p.GenreWeights == nil {
		return ErrProfileCorrupted
	}
	for _, w := range p.GenreWeights {
		if w != w || w < MinGenreWeight || w > MaxGenreWeight {
			return ErrProfileCorrupted
		}
	}
	if len(p.History) > MaxInteractionHistory {
		return ErrProfileCorrupted
	}
	return nil
}

// ProfileSummary は嗜好プロファイルの要約を表す。
type ProfileSummary struct {
	UserID        string            `json:"user_id"`
	GenreWeights  map[Genre]float64 `json:"genre_weights"`
	TopGenres     []Genre           `json:"top_genres"`
	HistoryLength int               `json:"history_length"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
