package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
)

// MemoryProfileRepo はプロセス内で保持する嗜好プロファイルリポジトリ。
// STORAGE_DRIVER=memory およびテストで使用する。
type MemoryProfileRepo struct {
	mu       sync.RWMutex
	profiles map[string]*model.UserPreferenceProfile
}

// NewMemoryProfileRepo はMemoryProfileRepoを生成する。
func NewMemoryProfileRepo() *MemoryProfileRepo {
	return &MemoryProfileRepo{profiles: make(map[string]*model.UserPreferenceProfile)}
}

func (r *MemoryProfileRepo) FindByUserID(_ context.Context, userID string) (*model.UserPreferenceProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[userID].Clone(), nil
}

func (r *MemoryProfileRepo) Save(_ context.Context, profile *model.UserPreferenceProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.UserID] = profile.Clone()
	return nil
}

// Update はロックを保持したままfnを適用する。
func (r *MemoryProfileRepo) Update(_ context.Context, userID string, fn ProfileUpdateFunc) (*model.UserPreferenceProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := fn(r.profiles[userID].Clone(), nil)
	if err != nil {
		return nil, err
	}
	r.profiles[userID] = next.Clone()
	return next, nil
}

func (r *MemoryProfileRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, userID)
	return nil
}

// MemoryTaskRepo はプロセス内で保持するタスクリポジトリ。
type MemoryTaskRepo struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	now   func() time.Time
}

// NewMemoryTaskRepo はMemoryTaskRepoを生成する。
func NewMemoryTaskRepo() *MemoryTaskRepo {
	return &MemoryTaskRepo{tasks: make(map[string]*model.Task), now: time.Now}
}

// Admit はロックを保持したまま未完了タスクを数えて作成する。
func (r *MemoryTaskRepo) Admit(_ context.Context, task *model.Task, maxInFlight int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := 0
	for _, t := range r.tasks {
		if t.UserID == task.UserID && !t.Status.IsTerminal() {
			open++
		}
	}
	if open >= maxInFlight {
		return false, nil
	}
	r.tasks[task.ID] = task.Clone()
	return true, nil
}

func (r *MemoryTaskRepo) Save(_ context.Context, task *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.tasks[task.ID]; ok && stored.Status.IsTerminal() {
		return nil
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *MemoryTaskRepo) FindByID(_ context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id].Clone(), nil
}

func (r *MemoryTaskRepo) FailStale(_ context.Context, before time.Time, message string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	now := r.now()
	for _, t := range r.tasks {
		if t.Status.IsTerminal() || !t.UpdatedAt.Before(before) {
			continue
		}
		t.Status = model.TaskStatusFailed
		t.Message = message
		t.Error = message
		t.UpdatedAt = now
		count++
	}
	return count, nil
}

// MemoryScheduleRepo はプロセス内で保持するスケジュールリポジトリ。
type MemoryScheduleRepo struct {
	mu        sync.Mutex
	schedules map[string]*model.Schedule
}

// NewMemoryScheduleRepo はMemoryScheduleRepoを生成する。
func NewMemoryScheduleRepo() *MemoryScheduleRepo {
	return &MemoryScheduleRepo{schedules: make(map[string]*model.Schedule)}
}

func (r *MemoryScheduleRepo) Create(_ context.Context, s *model.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (r *MemoryScheduleRepo) FindByID(_ context.Context, id string) (*model.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSchedule(r.schedules[id]), nil
}

func (r *MemoryScheduleRepo) ListByUserID(_ context.Context, userID string) ([]*model.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []*model.Schedule
	for _, s := range r.schedules {
		if s.UserID == userID {
			list = append(list, cloneSchedule(s))
		}
	}
	sortSchedulesByCreatedAt(list)
	return list, nil
}

func (r *MemoryScheduleRepo) ClaimDue(_ context.Context, now time.Time, limit int) ([]*model.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*model.Schedule
	for _, s := range r.schedules {
		if s.Enabled && !s.NextRunAt.After(now) {
			due = append(due, s)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*model.Schedule, 0, len(due))
	for _, s := range due {
		s.NextRunAt = now.Add(time.Duration(s.IntervalMinutes) * time.Minute)
		s.UpdatedAt = now
		claimed = append(claimed, cloneSchedule(s))
	}
	return claimed, nil
}

func (r *MemoryScheduleRepo) RecordRun(_ context.Context, id string, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.schedules[id]; ok {
		s.LastTaskID = taskID
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MemoryScheduleRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedules, id)
	return nil
}

func cloneSchedule(s *model.Schedule) *model.Schedule {
	if s == nil {
		return nil
	}
	c := *s
	c.PreferredGenres = append([]model.Genre(nil), s.PreferredGenres...)
	c.ExcludedGenres = append([]model.Genre(nil), s.ExcludedGenres...)
	return &c
}

var (
	_ ProfileRepository  = (*MemoryProfileRepo)(nil)
	_ TaskRepository     = (*MemoryTaskRepo)(nil)
	_ ScheduleRepository = (*MemoryScheduleRepo)(nil)
)
