package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/hitoshi/audiobrief/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用した嗜好プロファイルリポジトリ。
// ジャンル重みとインタラクション履歴はJSONBで保持する。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// profileUpdateRetries は未登録ユーザーの初回作成が競合した場合の再試行回数。
const profileUpdateRetries = 5

const selectProfileSQL = `SELECT user_id, genre_weights, interaction_history, updated_at
	FROM preference_profiles WHERE user_id = $1`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindByUserID は指定ユーザーのプロファイルを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.UserPreferenceProfile, error) {
	profile, _, err := queryProfile(ctx, r.db, selectProfileSQL, userID)
	return profile, err
}

// queryProfile は1行を読み取る。existsは行が存在したかどうかで、破損データでもtrueになる。
func queryProfile(ctx context.Context, q rowQuerier, query, userID string) (profile *model.UserPreferenceProfile, exists bool, err error) {
	var weightsJSON, historyJSON []byte
	p := &model.UserPreferenceProfile{}
	err = q.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &weightsJSON, &historyJSON, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("嗜好プロファイルの取得に失敗しました: %w", err)
	}

	if err := json.Unmarshal(weightsJSON, &p.GenreWeights); err != nil {
		return nil, true, fmt.Errorf("%w: genre_weights: %v", model.ErrProfileCorrupted, err)
	}
	if err := json.Unmarshal(historyJSON, &p.History); err != nil {
		return nil, true, fmt.Errorf("%w: interaction_history: %v", model.ErrProfileCorrupted, err)
	}
	if p.History == nil {
		p.History = []model.InteractionRecord{}
	}
	return p, true, nil
}

func encodeProfile(profile *model.UserPreferenceProfile) (weights, history string, err error) {
	weightsJSON, err := json.Marshal(profile.GenreWeights)
	if err != nil {
		return "", "", fmt.Errorf("ジャンル重みのエンコードに失敗しました: %w", err)
	}
	records := profile.History
	if records == nil {
		records = []model.InteractionRecord{}
	}
	historyJSON, err := json.Marshal(records)
	if err != nil {
		return "", "", fmt.Errorf("インタラクション履歴のエンコードに失敗しました: %w", err)
	}
	return string(weightsJSON), string(historyJSON), nil
}

// Save はプロファイルを作成または上書きする。
func (r *PostgresProfileRepo) Save(ctx context.Context, profile *model.UserPreferenceProfile) error {
	weights, history, err := encodeProfile(profile)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO preference_profiles (user_id, genre_weights, interaction_history, updated_at)
		 VALUES ($1, $2::jsonb, $3::jsonb, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		    genre_weights = EXCLUDED.genre_weights,
		    interaction_history = EXCLUDED.interaction_history,
		    updated_at = EXCLUDED.updated_at`,
		profile.UserID, weights, history, profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("嗜好プロファイルの保存に失敗しました: %w", err)
	}
	return nil
}

// Update はSELECT ... FOR UPDATEで行ロックを取得してからfnを適用する。
// 行が存在しない場合はINSERT ... ON CONFLICT DO NOTHINGで作成し、
// 他のトランザクションが先に作成していた場合は最初からやり直す。
func (r *PostgresProfileRepo) Update(ctx context.Context, userID string, fn ProfileUpdateFunc) (*model.UserPreferenceProfile, error) {
	for attempt := 0; attempt < profileUpdateRetries; attempt++ {
		saved, inserted, err := r.updateOnce(ctx, userID, fn)
		if err != nil {
			return nil, err
		}
		if inserted {
			return saved, nil
		}
	}
	return nil, fmt.Errorf("嗜好プロファイルの作成が競合しました: user_id=%s", userID)
}

// updateOnce は1回分のトランザクションを実行する。
// 新規作成が他のトランザクションに先を越された場合はok=falseを返す。
func (r *PostgresProfileRepo) updateOnce(ctx context.Context, userID string, fn ProfileUpdateFunc) (saved *model.UserPreferenceProfile, ok bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	current, exists, loadErr := queryProfile(ctx, tx, selectProfileSQL+" FOR UPDATE", userID)
	if loadErr != nil && !errors.Is(loadErr, model.ErrProfileCorrupted) {
		return nil, false, loadErr
	}
	next, err := fn(current, loadErr)
	if err != nil {
		return nil, false, err
	}
	weights, history, err := encodeProfile(next)
	if err != nil {
		return nil, false, err
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE preference_profiles
			    SET genre_weights = $2::jsonb, interaction_history = $3::jsonb, updated_at = $4
			  WHERE user_id = $1`,
			userID, weights, history, next.UpdatedAt,
		)
		if err != nil {
			return nil, false, fmt.Errorf("嗜好プロファイルの更新に失敗しました: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO preference_profiles (user_id, genre_weights, interaction_history, updated_at)
			 VALUES ($1, $2::jsonb, $3::jsonb, $4)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, weights, history, next.UpdatedAt,
		)
		if err != nil {
			return nil, false, fmt.Errorf("嗜好プロファイルの作成に失敗しました: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("嗜好プロファイルの作成件数の取得に失敗しました: %w", err)
		}
		if n == 0 {
			return nil, false, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("嗜好プロファイルのコミットに失敗しました: %w", err)
	}
	return next, true, nil
}

// Delete は指定ユーザーのプロファイルを削除する。
func (r *PostgresProfileRepo) Delete(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM preference_profiles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("嗜好プロファイルの削除に失敗しました: %w", err)
	}
	return nil
}

var _ ProfileRepository = (*PostgresProfileRepo)(nil)
