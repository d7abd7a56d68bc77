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

// PostgresScheduleRepo はPostgreSQLを使用したスケジュールリポジトリ。
type PostgresScheduleRepo struct {
	db *sql.DB
}

// NewPostgresScheduleRepo はPostgresScheduleRepoを生成する。
func NewPostgresScheduleRepo(db *sql.DB) *PostgresScheduleRepo {
	return &PostgresScheduleRepo{db: db}
}

const scheduleColumns = `id, user_id, max_articles, preferred_genres, excluded_genres, tier, language, voice,
	interval_minutes, next_run_at, last_task_id, enabled, created_at, updated_at`

// Create はスケジュールを作成する。
func (r *PostgresScheduleRepo) Create(ctx context.Context, s *model.Schedule) error {
	preferred, err := genresParam(s.PreferredGenres)
	if err != nil {
		return err
	}
	excluded, err := genresParam(s.ExcludedGenres)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO schedules (id, user_id, max_articles, preferred_genres, excluded_genres, tier, language, voice,
		                        interval_minutes, next_run_at, last_task_id, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.UserID, s.MaxArticles, preferred, excluded, string(s.Tier), s.Language, s.Voice,
		s.IntervalMinutes, s.NextRunAt, nullString(s.LastTaskID), s.Enabled, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("スケジュールの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのスケジュールを取得する。見つからない場合はnilを返す。
func (r *PostgresScheduleRepo) FindByID(ctx context.Context, id string) (*model.Schedule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スケジュールの取得に失敗しました: %w", err)
	}
	return s, nil
}

// ListByUserID はユーザーのスケジュールを作成順に返す。
func (r *PostgresScheduleRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("スケジュール一覧の取得に失敗しました: %w", err)
	}
	return collectSchedules(rows)
}

// ClaimDue は実行時刻に達したスケジュールをFOR UPDATE SKIP LOCKEDで排他的に取得し、
// 同じ文でnext_run_atを1周期先へ進める。
// 戻り値は元の実行予定時刻の昇順で、NextRunAtは更新後の値。
func (r *PostgresScheduleRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`WITH due AS (
		    SELECT id, next_run_at AS due_at FROM schedules
		    WHERE enabled = true AND next_run_at <= $1
		    ORDER BY next_run_at ASC
		    LIMIT $2
		    FOR UPDATE SKIP LOCKED
		 ), claimed AS (
		    UPDATE schedules s SET
		        next_run_at = $1::timestamptz + make_interval(mins => s.interval_minutes),
		        updated_at = $1
		    FROM due
		    WHERE s.id = due.id
		    RETURNING s.*, due.due_at
		 )
		 SELECT `+scheduleColumns+` FROM claimed ORDER BY due_at ASC, id ASC`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行対象スケジュールの取得に失敗しました: %w", err)
	}
	return collectSchedules(rows)
}

// RecordRun は実行したタスクIDを記録する。
func (r *PostgresScheduleRepo) RecordRun(ctx context.Context, id string, taskID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE schedules SET last_task_id = $2, updated_at = now() WHERE id = $1`,
		id, taskID,
	)
	if err != nil {
		return fmt.Errorf("スケジュールの実行記録に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDのスケジュールを削除する。
func (r *PostgresScheduleRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("スケジュールの削除に失敗しました: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	s := &model.Schedule{}
	var tier string
	var preferred, excluded []byte
	var lastTaskID sql.NullString
	if err := row.Scan(
		&s.ID, &s.UserID, &s.MaxArticles, &preferred, &excluded, &tier, &s.Language, &s.Voice,
		&s.IntervalMinutes, &s.NextRunAt, &lastTaskID, &s.Enabled, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Tier = model.UserTier(tier)
	s.LastTaskID = nullStringValue(lastTaskID)
	if err := json.Unmarshal(preferred, &s.PreferredGenres); err != nil {
		return nil, fmt.Errorf("preferred_genresのデコードに失敗しました: %w", err)
	}
	if err := json.Unmarshal(excluded, &s.ExcludedGenres); err != nil {
		return nil, fmt.Errorf("excluded_genresのデコードに失敗しました: %w", err)
	}
	return s, nil
}

func collectSchedules(rows *sql.Rows) ([]*model.Schedule, error) {
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("スケジュールの読み取りに失敗しました: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("スケジュールの走査に失敗しました: %w", err)
	}
	return schedules, nil
}

func genresParam(genres []model.Genre) (string, error) {
	if genres == nil {
		genres = []model.Genre{}
	}
	data, err := json.Marshal(genres)
	if err != nil {
		return "", fmt.Errorf("ジャンルのエンコードに失敗しました: %w", err)
	}
	return string(data), nil
}

var _ ScheduleRepository = (*PostgresScheduleRepo)(nil)
