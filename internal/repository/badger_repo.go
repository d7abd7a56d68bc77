package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/hitoshi/audiobrief/internal/model"
)

// BadgerProfileRepo はBadgerDBを使用した嗜好プロファイルリポジトリ。
type BadgerProfileRepo struct {
	db *badger.DB
}

// NewBadgerProfileRepo はBadgerProfileRepoを生成する。
func NewBadgerProfileRepo(db *badger.DB) *BadgerProfileRepo {
	return &BadgerProfileRepo{db: db}
}

// FindByUserID は指定ユーザーのプロファイルを取得する。見つからない場合はnilを返す。
func (r *BadgerProfileRepo) FindByUserID(_ context.Context, userID string) (*model.UserPreferenceProfile, error) {
	var profile *model.UserPreferenceProfile
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		profile, err = getProfile(txn, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// Save はプロファイルを作成または上書きする。
func (r *BadgerProfileRepo) Save(_ context.Context, profile *model.UserPreferenceProfile) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return setProfile(txn, profile)
	})
}

// Update は同一トランザクション内で読み取りと書き込みを行う。
// 読み取り後に別の書き込みがコミットされた場合はbadger.ErrConflictとなり、最新の値で再実行する。
func (r *BadgerProfileRepo) Update(_ context.Context, userID string, fn ProfileUpdateFunc) (*model.UserPreferenceProfile, error) {
	var saved *model.UserPreferenceProfile
	err := updateWithRetry(r.db, func(txn *badger.Txn) error {
		current, loadErr := getProfile(txn, userID)
		if loadErr != nil && !errors.Is(loadErr, model.ErrProfileCorrupted) {
			return loadErr
		}
		next, err := fn(current, loadErr)
		if err != nil {
			return err
		}
		saved = next
		return setProfile(txn, next)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func getProfile(txn *badger.Txn, userID string) (*model.UserPreferenceProfile, error) {
	item, err := txn.Get([]byte(profileKeyPrefix + userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("嗜好プロファイルの取得に失敗しました: %w", err)
	}
	var profile *model.UserPreferenceProfile
	err = item.Value(func(val []byte) error {
		p := &model.UserPreferenceProfile{}
		if err := json.Unmarshal(val, p); err != nil {
			return fmt.Errorf("%w: %v", model.ErrProfileCorrupted, err)
		}
		profile = p
		return nil
	})
	return profile, err
}

func setProfile(txn *badger.Txn, profile *model.UserPreferenceProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("嗜好プロファイルのエンコードに失敗しました: %w", err)
	}
	return txn.Set([]byte(profileKeyPrefix+profile.UserID), data)
}

// Delete は指定ユーザーのプロファイルを削除する。
func (r *BadgerProfileRepo) Delete(_ context.Context, userID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(profileKeyPrefix + userID))
	})
}

// BadgerTaskRepo はBadgerDBを使用したタスクリポジトリ。
type BadgerTaskRepo struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerTaskRepo はBadgerTaskRepoを生成する。
func NewBadgerTaskRepo(db *badger.DB) *BadgerTaskRepo {
	return &BadgerTaskRepo{db: db, now: time.Now}
}

// Admit はユーザーごとの受付キーを読み書きしたうえで task_open:{userID}: の索引を数える。
// 同じユーザーの同時Admitは受付キーの書き込みでbadger.ErrConflictとなり、再実行される。
func (r *BadgerTaskRepo) Admit(_ context.Context, task *model.Task, maxInFlight int) (bool, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("タスクのエンコードに失敗しました: %w", err)
	}
	admitKey := []byte(taskAdmitKeyPrefix + task.UserID)

	var admitted bool
	err = updateWithRetry(r.db, func(txn *badger.Txn) error {
		admitted = false
		if _, err := txn.Get(admitKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("タスク受付キーの取得に失敗しました: %w", err)
		}

		open := 0
		prefix := []byte(taskOpenKeyPrefix + task.UserID + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			open++
		}
		it.Close()
		if open >= maxInFlight {
			return nil
		}

		if err := txn.Set(admitKey, []byte(task.ID)); err != nil {
			return err
		}
		if err := txn.Set([]byte(taskKeyPrefix+task.ID), data); err != nil {
			return err
		}
		admitted = true
		return txn.Set(taskOpenKey(task), nil)
	})
	if err != nil {
		return false, fmt.Errorf("タスクの受付に失敗しました: %w", err)
	}
	return admitted, nil
}

// Save はタスクを保存する。保存済みのタスクが終端状態の場合は何もしない。
// 未完了タスクの索引キーも状態に合わせて更新する。
func (r *BadgerTaskRepo) Save(_ context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("タスクのエンコードに失敗しました: %w", err)
	}
	key := []byte(taskKeyPrefix + task.ID)

	return updateWithRetry(r.db, func(txn *badger.Txn) error {
		stored, err := getTask(txn, key)
		if err != nil {
			return err
		}
		if stored != nil && stored.Status.IsTerminal() {
			return nil
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return txn.Delete(taskOpenKey(task))
		}
		return txn.Set(taskOpenKey(task), nil)
	})
}

func taskOpenKey(task *model.Task) []byte {
	return []byte(taskOpenKeyPrefix + task.UserID + ":" + task.ID)
}

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (r *BadgerTaskRepo) FindByID(_ context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		task, err = getTask(txn, []byte(taskKeyPrefix+id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// FailStale はbeforeより前から更新のないpending/in_progressのタスクをfailedにする。
func (r *BadgerTaskRepo) FailStale(_ context.Context, before time.Time, message string) (int64, error) {
	var count int64
	err := updateWithRetry(r.db, func(txn *badger.Txn) error {
		count = 0
		var stale []*model.Task

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte(taskKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			task := &model.Task{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, task)
			}); err != nil {
				it.Close()
				return fmt.Errorf("タスクのデコードに失敗しました: %w", err)
			}
			if !task.Status.IsTerminal() && task.UpdatedAt.Before(before) {
				stale = append(stale, task)
			}
		}
		it.Close()

		now := r.now()
		for _, task := range stale {
			task.Status = model.TaskStatusFailed
			task.Message = message
			task.Error = message
			task.UpdatedAt = now
			data, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("タスクのエンコードに失敗しました: %w", err)
			}
			if err := txn.Set([]byte(taskKeyPrefix+task.ID), data); err != nil {
				return err
			}
			if err := txn.Delete(taskOpenKey(task)); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("滞留タスクの更新に失敗しました: %w", err)
	}
	return count, nil
}

func getTask(txn *badger.Txn, key []byte) (*model.Task, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	task := &model.Task{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, task)
	}); err != nil {
		return nil, fmt.Errorf("タスクのデコードに失敗しました: %w", err)
	}
	return task, nil
}

// BadgerScheduleRepo はBadgerDBを使用したスケジュールリポジトリ。
// ユーザーごとの一覧用に schedule_user:{userID}:{id} の索引キーを持つ。
type BadgerScheduleRepo struct {
	db *badger.DB
}

// NewBadgerScheduleRepo はBadgerScheduleRepoを生成する。
func NewBadgerScheduleRepo(db *badger.DB) *BadgerScheduleRepo {
	return &BadgerScheduleRepo{db: db}
}

// Create はスケジュールを作成する。
func (r *BadgerScheduleRepo) Create(_ context.Context, s *model.Schedule) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("スケジュールのエンコードに失敗しました: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(scheduleKeyPrefix+s.ID), data); err != nil {
			return fmt.Errorf("スケジュールの作成に失敗しました: %w", err)
		}
		return txn.Set(scheduleUserKey(s.UserID, s.ID), []byte(s.ID))
	})
}

// FindByID は指定IDのスケジュールを取得する。見つからない場合はnilを返す。
func (r *BadgerScheduleRepo) FindByID(_ context.Context, id string) (*model.Schedule, error) {
	var s *model.Schedule
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = getSchedule(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByUserID はユーザーのスケジュールを作成順に返す。
func (r *BadgerScheduleRepo) ListByUserID(_ context.Context, userID string) ([]*model.Schedule, error) {
	var schedules []*model.Schedule
	err := r.db.View(func(txn *badger.Txn) error {
		var ids []string
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		prefix := scheduleUserKey(userID, "")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		it.Close()

		for _, id := range ids {
			s, err := getSchedule(txn, id)
			if err != nil {
				return err
			}
			if s != nil {
				schedules = append(schedules, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("スケジュール一覧の取得に失敗しました: %w", err)
	}
	sortSchedulesByCreatedAt(schedules)
	return schedules, nil
}

// ClaimDue は実行時刻に達したスケジュールを取得し、next_run_atを1周期先へ進める。
// 読み取りと更新は同一トランザクションで行い、競合した場合は再実行する。
func (r *BadgerScheduleRepo) ClaimDue(_ context.Context, now time.Time, limit int) ([]*model.Schedule, error) {
	var claimed []*model.Schedule
	err := updateWithRetry(r.db, func(txn *badger.Txn) error {
		claimed = nil
		var due []*model.Schedule

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte(scheduleKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			s := &model.Schedule{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, s)
			}); err != nil {
				it.Close()
				return fmt.Errorf("スケジュールのデコードに失敗しました: %w", err)
			}
			if s.Enabled && !s.NextRunAt.After(now) {
				due = append(due, s)
			}
		}
		it.Close()

		sort.SliceStable(due, func(i, j int) bool {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		})
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}

		for _, s := range due {
			s.NextRunAt = now.Add(time.Duration(s.IntervalMinutes) * time.Minute)
			s.UpdatedAt = now
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("スケジュールのエンコードに失敗しました: %w", err)
			}
			if err := txn.Set([]byte(scheduleKeyPrefix+s.ID), data); err != nil {
				return err
			}
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("実行対象スケジュールの取得に失敗しました: %w", err)
	}
	return claimed, nil
}

// RecordRun は実行したタスクIDを記録する。
func (r *BadgerScheduleRepo) RecordRun(_ context.Context, id string, taskID string) error {
	return updateWithRetry(r.db, func(txn *badger.Txn) error {
		s, err := getSchedule(txn, id)
		if err != nil || s == nil {
			return err
		}
		s.LastTaskID = taskID
		s.UpdatedAt = time.Now()
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("スケジュールのエンコードに失敗しました: %w", err)
		}
		return txn.Set([]byte(scheduleKeyPrefix+id), data)
	})
}

// Delete は指定IDのスケジュールと索引キーを削除する。
func (r *BadgerScheduleRepo) Delete(_ context.Context, id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		s, err := getSchedule(txn, id)
		if err != nil || s == nil {
			return err
		}
		if err := txn.Delete([]byte(scheduleKeyPrefix + id)); err != nil {
			return fmt.Errorf("スケジュールの削除に失敗しました: %w", err)
		}
		return txn.Delete(scheduleUserKey(s.UserID, id))
	})
}

func scheduleUserKey(userID, id string) []byte {
	return []byte(scheduleUserKeyPrefix + userID + ":" + id)
}

func getSchedule(txn *badger.Txn, id string) (*model.Schedule, error) {
	item, err := txn.Get([]byte(scheduleKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スケジュールの取得に失敗しました: %w", err)
	}
	s := &model.Schedule{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, s)
	}); err != nil {
		return nil, fmt.Errorf("スケジュールのデコードに失敗しました: %w", err)
	}
	return s, nil
}

func sortSchedulesByCreatedAt(schedules []*model.Schedule) {
	sort.SliceStable(schedules, func(i, j int) bool {
		if !schedules[i].CreatedAt.Equal(schedules[j].CreatedAt) {
			return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
		}
		return schedules[i].ID < schedules[j].ID
	})
}

var (
	_ ProfileRepository  = (*BadgerProfileRepo)(nil)
	_ TaskRepository     = (*BadgerTaskRepo)(nil)
	_ ScheduleRepository = (*BadgerScheduleRepo)(nil)
)
