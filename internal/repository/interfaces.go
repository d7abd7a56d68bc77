// Package repository はデータ永続化のインターフェースと実装を定義する。
// PostgreSQL、Badger、インメモリの3種類の実装を提供し、STORAGE_DRIVERで切り替える。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
)

// ProfileUpdateFunc は保存済みのプロファイルから更新後のプロファイルを作る。
// currentは未登録の場合nil。loadErrは保存データが破損している場合のみ非nilで、
// model.ErrProfileCorruptedをラップしている。
type ProfileUpdateFunc func(current *model.UserPreferenceProfile, loadErr error) (*model.UserPreferenceProfile, error)

// ProfileRepository はユーザー嗜好プロファイルの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID は指定ユーザーのプロファイルを取得する。見つからない場合はnilを返す。
	// 保存データを復元できない場合はmodel.ErrProfileCorruptedをラップしたエラーを返す。
	FindByUserID(ctx context.Context, userID string) (*model.UserPreferenceProfile, error)

	// Save はプロファイルを作成または上書きする。
	Save(ctx context.Context, profile *model.UserPreferenceProfile) error

	// Update は読み取りから保存までを1つの原子的な操作として行い、保存したプロファイルを返す。
	// 別プロセスが同じユーザーを同時に更新しても、fnは常に最新の保存内容を受け取る。
	// 競合時の再試行でfnが複数回呼ばれることがある。
	Update(ctx context.Context, userID string, fn ProfileUpdateFunc) (*model.UserPreferenceProfile, error)

	// Delete は指定ユーザーのプロファイルを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, userID string) error
}

// TaskRepository はタスク状態のミラー先となる永続化インターフェース。
// 状態遷移の判定はオーケストレーター側で行い、リポジトリは結果を保存するのみ。
type TaskRepository interface {
	// Admit はユーザーの未完了（pending/in_progress）タスク数がmaxInFlight未満の場合のみ
	// taskを作成してtrueを返す。件数の確認と作成は原子的に行い、
	// 複数プロセスから同時に呼ばれても上限を超えて作成しない。
	Admit(ctx context.Context, task *model.Task, maxInFlight int) (bool, error)

	// Save はタスクを作成または更新する。
	// 保存済みのタスクが終端状態の場合は更新しない。
	Save(ctx context.Context, task *model.Task) error

	// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Task, error)

	// FailStale はupdated_atがbeforeより古いpending/in_progressのタスクをfailedにする。
	// 更新件数を返す。冪等: 対象がない場合でもエラーにならない。
	FailStale(ctx context.Context, before time.Time, message string) (int64, error)
}

// ScheduleRepository は定期実行スケジュールの永続化インターフェース。
type ScheduleRepository interface {
	// Create はスケジュールを作成する。
	Create(ctx context.Context, schedule *model.Schedule) error

	// FindByID は指定IDのスケジュールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Schedule, error)

	// ListByUserID はユーザーのスケジュール一覧を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Schedule, error)

	// ClaimDue はnext_run_at <= now の有効なスケジュールを取得し、
	// 同時にnext_run_atをnow + interval_minutesへ進める。
	// 複数プロセスから呼ばれても同じスケジュールを二重に取得しない。
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Schedule, error)

	// RecordRun は実行したタスクIDを記録する。
	RecordRun(ctx context.Context, id string, taskID string) error

	// Delete は指定IDのスケジュールを削除する。
	Delete(ctx context.Context, id string) error
}
