// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// コア層のセンチネルエラー。呼び出し側はerrors.Isで判定する。
var (
	// ErrAdmissionDenied はユーザーの実行中タスク数が上限に達している場合のエラー。
	ErrAdmissionDenied = errors.New("too many in-flight tasks")
	// ErrTaskNotFound は指定IDのタスクが存在しない場合のエラー。
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal は終端状態のタスクを更新しようとした場合のエラー。
	ErrTaskTerminal = errors.New("task already in terminal state")
	// ErrProgressRegression は進捗を減少させようとした場合のエラー。
	ErrProgressRegression = errors.New("task progress must not decrease")
	// ErrInvalidTransition は許可されていない状態遷移のエラー。
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrProfileCorrupted は永続化された嗜好プロファイルが不正な場合のエラー。
	ErrProfileCorrupted = errors.New("preference profile corrupted")
	// ErrEmptyCandidatePool はフィルタ後の候補記事が0件の場合のエラー。
	ErrEmptyCandidatePool = errors.New("no candidate articles")
	// ErrGeneration は台本生成・音声合成の外部処理が失敗した場合のエラー。
	ErrGeneration = errors.New("generation failed")
	// ErrScheduleNotFound は指定IDのスケジュールが存在しない場合のエラー。
	ErrScheduleNotFound = errors.New("schedule not found")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, task, preference, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったセンチネルエラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap はerrors.Is/errors.Asのために原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeTooManyInFlight  = "TOO_MANY_IN_FLIGHT"
	ErrCodeTaskNotFound     = "TASK_NOT_FOUND"
	ErrCodeScheduleNotFound = "SCHEDULE_NOT_FOUND"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeInvalidGenre     = "INVALID_GENRE"
	ErrCodeInvalidType      = "INVALID_INTERACTION_TYPE"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeNoArticles       = "NO_ARTICLES"
	ErrCodeGenerationFailed = "GENERATION_FAILED"
)

// NewAdmissionDeniedError は実行中タスク数上限エラーを生成する。
func NewAdmissionDeniedError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeTooManyInFlight,
		Message:  fmt.Sprintf("実行中のタスクが上限（%d件）に達しています。", limit),
		Category: "task",
		Action:   "実行中のタスクが完了してから再度お試しください。",
		Err:      ErrAdmissionDenied,
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeTaskNotFound,
		Message:  fmt.Sprintf("指定されたタスクが見つかりません: %s", taskID),
		Category: "task",
		Action:   "タスクIDを確認してください。",
		Err:      ErrTaskNotFound,
	}
}

// NewScheduleNotFoundError はスケジュール未検出エラーを生成する。
func NewScheduleNotFoundError(scheduleID string) *APIError {
	return &APIError{
		Code:     ErrCodeScheduleNotFound,
		Message:  fmt.Sprintf("指定されたスケジュールが見つかりません: %s", scheduleID),
		Category: "schedule",
		Action:   "スケジュールIDを確認してください。",
		Err:      ErrScheduleNotFound,
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidGenreError は未知のジャンル指定エラーを生成する。
func NewInvalidGenreError(genre string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidGenre,
		Message:  fmt.Sprintf("無効なジャンルです: %s", genre),
		Category: "validation",
		Action:   "technology、economy、politics などの定義済みジャンルを指定してください。",
	}
}

// NewInvalidInteractionTypeError は空のインタラクション種別エラーを生成する。
// 未知の種別はエラーにせず既定の学習率で扱うため、空文字列のみが対象となる。
func NewInvalidInteractionTypeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidType,
		Message:  "インタラクション種別が指定されていません。",
		Category: "validation",
		Action:   "interaction_type を指定してください。",
	}
}

// NewUnauthorizedError はユーザー識別不能エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ユーザーを識別できません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInternalError は内部エラーの統一表現を生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// 失敗タスクに設定するユーザー向けメッセージ。技術的な詳細はdebug_infoに入れる。
const (
	MessageNoArticles       = "条件に合うニュース記事が見つかりませんでした。ジャンルの指定を見直すか、しばらく待ってから再度お試しください。"
	MessageGenerationFailed = "音声ブリーフィングの生成に失敗しました。しばらく待ってから再度お試しください。"
	MessageInternalFailure  = "処理中に予期しないエラーが発生しました。"
)
