package model

import "time"

// Schedule は定期的な選定・生成パイプライン実行の設定を表す。
type Schedule struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	MaxArticles     int       `json:"max_articles"`
	PreferredGenres []Genre   `json:"preferred_genres"`
	ExcludedGenres  []Genre   `json:"excluded_genres"`
	Tier            UserTier  `json:"tier"`
	Language        string    `json:"language"`
	Voice           string    `json:"voice"`
	IntervalMinutes int       `json:"interval_minutes"`
	NextRunAt       time.Time `json:"next_run_at"`
	LastTaskID      string    `json:"last_task_id,omitempty"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ToRequest はスケジュールから選定タスク作成要求を組み立てる。
func (s *Schedule) ToRequest() SelectionRequest {
	return SelectionRequest{
		UserID:          s.UserID,
		MaxArticles:     s.MaxArticles,
		PreferredGenres: append([]Genre(nil), s.PreferredGenres...),
		ExcludedGenres:  append([]Genre(nil), s.ExcludedGenres...),
		Tier:            s.Tier,
		Language:        s.Language,
		Voice:           s.Voice,
	}
}
