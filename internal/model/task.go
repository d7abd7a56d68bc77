package model

import "time"

// TaskStatus はタスクの状態を表す。
type TaskStatus string

const (
	// TaskStatusPending は受付済みで実行待ちの状態。
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress は実行中の状態。
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted は正常終了した終端状態。
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed は失敗した終端状態。
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal は終端状態かどうかを判定する。
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task は非同期生成ジョブ1件を表す。
type Task struct {
	ID        string          `json:"task_id"`
	UserID    string          `json:"user_id"`
	Status    TaskStatus      `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Result    *BriefingResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	DebugInfo map[string]any  `json:"debug_info,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone はタスクのスナップショットを返す。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.DebugInfo != nil {
		c.DebugInfo = make(map[string]any, len(t.DebugInfo))
		for k, v := range t.DebugInfo {
			c.DebugInfo[k] = v
		}
	}
	if t.Result != nil {
		r := *t.Result
		r.Articles = append([]SelectedArticle(nil), t.Result.Articles...)
		c.Result = &r
	}
	return &c
}

// SelectedArticle は生成結果に含める選定済み記事の要約。
type SelectedArticle struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Link         string  `json:"link"`
	SourceName   string  `json:"source_name"`
	Genre        Genre   `json:"genre"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Score        float64 `json:"score"`
}

// BriefingResult は完了したタスクの成果物。
type BriefingResult struct {
	Script          string            `json:"script"`
	AudioURL        string            `json:"audio_url,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	TargetLength    int               `json:"target_length"`
	Language        string            `json:"language"`
	Articles        []SelectedArticle `json:"articles"`
}

// UserTier は契約プランを表す。
type UserTier string

const (
	TierFree     UserTier = "free"
	TierStandard UserTier = "standard"
	TierPremium  UserTier = "premium"
)

// SelectionRequest は選定タスク作成要求を表す。
type SelectionRequest struct {
	UserID          string
	MaxArticles     int
	PreferredGenres []Genre
	ExcludedGenres  []Genre
	Tier            UserTier
	Language        string
	Style           string
	Voice           string
	RecencyFirst    bool
}
