package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/audiobrief/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用したタスクリポジトリ。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// Admit はユーザー単位のアドバイザリロックを取得してから未完了タスクを数え、上限未満の場合のみINSERTする。
// 同じユーザーのAdmitはロックにより直列化されるため、複数プロセスから呼ばれても上限を超えない。
func (r *PostgresTaskRepo) Admit(ctx context.Context, task *model.Task, maxInFlight int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "task_admit:"+task.UserID); err != nil {
		return false, fmt.Errorf("タスク受付ロックの取得に失敗しました: %w", err)
	}

	var open int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE user_id = $1 AND status IN ('pending', 'in_progress')`,
		task.UserID,
	).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("未完了タスク数の取得に失敗しました: %w", err)
	}
	if open >= maxInFlight {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, status, progress, message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID, task.UserID, string(task.Status), task.Progress, task.Message, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("タスクの作成に失敗しました: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("タスク作成のコミットに失敗しました: %w", err)
	}
	return true, nil
}

// Save はタスクをUPSERTする。保存済みの行が終端状態の場合は更新されない。
func (r *PostgresTaskRepo) Save(ctx context.Context, task *model.Task) error {
	var result, debug sql.NullString
	var err error
	if task.Result != nil {
		if result, err = jsonParam(task.Result); err != nil {
			return fmt.Errorf("タスク結果のエンコードに失敗しました: %w", err)
		}
	}
	if len(task.DebugInfo) > 0 {
		if debug, err = jsonParam(task.DebugInfo); err != nil {
			return fmt.Errorf("デバッグ情報のエンコードに失敗しました: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, status, progress, message, result, error, debug_info, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		    status = EXCLUDED.status,
		    progress = EXCLUDED.progress,
		    message = EXCLUDED.message,
		    result = EXCLUDED.result,
		    error = EXCLUDED.error,
		    debug_info = EXCLUDED.debug_info,
		    updated_at = EXCLUDED.updated_at
		 WHERE tasks.status NOT IN ('completed', 'failed')`,
		task.ID, task.UserID, string(task.Status), task.Progress, task.Message,
		result, nullString(task.Error), debug, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("タスクの保存に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (r *PostgresTaskRepo) FindByID(ctx context.Context, id string) (*model.Task, error) {
	task := &model.Task{}
	var status string
	var resultJSON, debugJSON []byte
	var errMessage sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, progress, message, result, error, debug_info, created_at, updated_at
		 FROM tasks WHERE id = $1`,
		id,
	).Scan(&task.ID, &task.UserID, &status, &task.Progress, &task.Message,
		&resultJSON, &errMessage, &debugJSON, &task.CreatedAt, &task.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}

	task.Status = model.TaskStatus(status)
	task.Error = nullStringValue(errMessage)
	if len(resultJSON) > 0 {
		task.Result = &model.BriefingResult{}
		if err := json.Unmarshal(resultJSON, task.Result); err != nil {
			return nil, fmt.Errorf("タスク結果のデコードに失敗しました: %w", err)
		}
	}
	if len(debugJSON) > 0 {
		if err := json.Unmarshal(debugJSON, &task.DebugInfo); err != nil {
			return nil, fmt.Errorf("デバッグ情報のデコードに失敗しました: %w", err)
		}
	}
	return task, nil
}

// FailStale はbeforeより前から更新のないpending/in_progressのタスクをfailedにする。
func (r *PostgresTaskRepo) FailStale(ctx context.Context, before time.Time, message string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET
		    status = 'failed',
		    message = $2,
		    error = $2,
		    updated_at = now()
		 WHERE status IN ('pending', 'in_progress')
		   AND updated_at < $1`,
		before, message,
	)
	if err != nil {
		return 0, fmt.Errorf("滞留タスクの更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected, nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// jsonParam は値をJSONBパラメータ用の文字列にエンコードする。
// lib/pqは[]byteをbyteaとして送るため文字列で渡す。
func jsonParam(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

var _ TaskRepository = (*PostgresTaskRepo)(nil)
