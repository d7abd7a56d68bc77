package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
)

// 各ドライバ共通の振る舞いを検証するテスト群。
// PostgreSQLはタイムスタンプがマイクロ秒精度のため、秒単位に丸めた時刻を使う。

var contractBase = time.Now().UTC().Truncate(time.Second)

func testProfileRepoContract(t *testing.T, repo ProfileRepository) {
	t.Helper()
	ctx := context.Background()

	t.Run("未登録ユーザーはnil", func(t *testing.T) {
		p, err := repo.FindByUserID(ctx, "nobody")
		if err != nil {
			t.Fatalf("FindByUserID() returned error: %v", err)
		}
		if p != nil {
			t.Errorf("未登録ユーザーはnilを返すべき: %+v", p)
		}
	})

	t.Run("保存と取得", func(t *testing.T) {
		profile := model.NewDefaultProfile("user-1", contractBase)
		profile.GenreWeights[model.GenreTechnology] = 1.25
		profile.History = append(profile.History, model.InteractionRecord{
			Interaction: model.Interaction{
				ArticleID: "a1",
				Type:      model.InteractionLiked,
				Genre:     model.GenreTechnology,
				Timestamp: contractBase,
			},
			LearningRate: 0.1,
			WeightBefore: 1.15,
			WeightAfter:  1.25,
		})
		if err := repo.Save(ctx, profile); err != nil {
			t.Fatalf("Save() returned error: %v", err)
		}

		got, err := repo.FindByUserID(ctx, "user-1")
		if err != nil {
			t.Fatalf("FindByUserID() returned error: %v", err)
		}
		if got == nil {
			t.Fatal("保存したプロファイルが取得できない")
		}
		if got.GenreWeights[model.GenreTechnology] != 1.25 {
			t.Errorf("technology = %v, want 1.25", got.GenreWeights[model.GenreTechnology])
		}
		if len(got.History) != 1 || got.History[0].ArticleID != "a1" || got.History[0].WeightAfter != 1.25 {
			t.Errorf("History = %+v", got.History)
		}
		if err := got.Validate(); err != nil {
			t.Errorf("復元したプロファイルは妥当であるべき: %v", err)
		}
	})

	t.Run("上書き", func(t *testing.T) {
		profile := model.NewDefaultProfile("user-1", contractBase.Add(time.Minute))
		profile.GenreWeights[model.GenreSports] = 0.5
		if err := repo.Save(ctx, profile); err != nil {
			t.Fatalf("Save() returned error: %v", err)
		}
		got, _ := repo.FindByUserID(ctx, "user-1")
		if got.GenreWeights[model.GenreSports] != 0.5 || got.GenreWeights[model.GenreTechnology] != 1.0 {
			t.Errorf("上書き後の重みが不正: %+v", got.GenreWeights)
		}
		if len(got.History) != 0 {
			t.Errorf("上書き後の履歴件数 = %d, want 0", len(got.History))
		}
	})

	t.Run("削除", func(t *testing.T) {
		if err := repo.Delete(ctx, "user-1"); err != nil {
			t.Fatalf("Delete() returned error: %v", err)
		}
		if got, _ := repo.FindByUserID(ctx, "user-1"); got != nil {
			t.Error("削除後はnilを返すべき")
		}
		if err := repo.Delete(ctx, "user-1"); err != nil {
			t.Errorf("存在しないプロファイルの削除はエラーにしないべき: %v", err)
		}
	})

	t.Run("Updateで未登録ユーザーを作成", func(t *testing.T) {
		saved, err := repo.Update(ctx, "user-2", func(current *model.UserPreferenceProfile, loadErr error) (*model.UserPreferenceProfile, error) {
			if current != nil || loadErr != nil {
				t.Errorf("未登録ユーザーはnil, nilで呼ばれるべき: %+v %v", current, loadErr)
			}
			p := model.NewDefaultProfile("user-2", contractBase)
			p.GenreWeights[model.GenreHealth] = 1.5
			return p, nil
		})
		if err != nil {
			t.Fatalf("Update() returned error: %v", err)
		}
		if saved.Weight(model.GenreHealth) != 1.5 {
			t.Errorf("戻り値の重み = %v, want 1.5", saved.Weight(model.GenreHealth))
		}
		got, _ := repo.FindByUserID(ctx, "user-2")
		if got == nil || got.Weight(model.GenreHealth) != 1.5 {
			t.Errorf("Update後の保存内容が不正: %+v", got)
		}
	})

	t.Run("Updateのエラーは保存しない", func(t *testing.T) {
		wantErr := errors.New("rejected")
		_, err := repo.Update(ctx, "user-2", func(current *model.UserPreferenceProfile, _ error) (*model.UserPreferenceProfile, error) {
			return nil, wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("err = %v, want %v", err, wantErr)
		}
		got, _ := repo.FindByUserID(ctx, "user-2")
		if got == nil || got.Weight(model.GenreHealth) != 1.5 {
			t.Errorf("失敗したUpdateで内容が変わってはならない: %+v", got)
		}
	})

	t.Run("同時Updateは更新を失わない", func(t *testing.T) {
		const n = 6
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.Update(ctx, "user-3", func(current *model.UserPreferenceProfile, _ error) (*model.UserPreferenceProfile, error) {
					if current == nil {
						current = model.NewDefaultProfile("user-3", contractBase)
					}
					next := current.Clone()
					next.History = append(next.History, model.InteractionRecord{
						Interaction: model.Interaction{
							ArticleID: fmt.Sprintf("a%d", i),
							Type:      model.InteractionLiked,
							Genre:     model.GenreSports,
							Timestamp: contractBase,
						},
					})
					return next, nil
				})
				if err != nil {
					t.Errorf("Update() returned error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		got, err := repo.FindByUserID(ctx, "user-3")
		if err != nil || got == nil {
			t.Fatalf("FindByUserID() = %v, %v", got, err)
		}
		if len(got.History) != n {
			t.Errorf("History length = %d, want %d", len(got.History), n)
		}
	})
}

func newContractTask(id string, status model.TaskStatus, updated time.Time) *model.Task {
	return &model.Task{
		ID:        id,
		UserID:    "user-1",
		Status:    status,
		Progress:  0,
		Message:   "受付済み",
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func testTaskRepoContract(t *testing.T, repo TaskRepository) {
	t.Helper()
	ctx := context.Background()

	t.Run("Admitは未完了タスク数の上限を守る", func(t *testing.T) {
		const n = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				task := newContractTask(fmt.Sprintf("admit-%d", i), model.TaskStatusPending, contractBase)
				task.UserID = "admit-user"
				ok, err := repo.Admit(ctx, task, 2)
				if err != nil {
					t.Errorf("Admit() returned error: %v", err)
					return
				}
				if ok {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if accepted != 2 {
			t.Fatalf("受け付けた件数 = %d, want 2", accepted)
		}

		// 1件を終端にすると枠が空く
		var open *model.Task
		for i := 0; i < n && open == nil; i++ {
			open, _ = repo.FindByID(ctx, fmt.Sprintf("admit-%d", i))
		}
		if open == nil {
			t.Fatal("受け付けたタスクが保存されていない")
		}
		open.Status = model.TaskStatusCompleted
		if err := repo.Save(ctx, open); err != nil {
			t.Fatalf("Save() returned error: %v", err)
		}
		next := newContractTask("admit-next", model.TaskStatusPending, contractBase)
		next.UserID = "admit-user"
		if ok, err := repo.Admit(ctx, next, 2); err != nil || !ok {
			t.Errorf("終端後のAdmit() = %v, %v, want true", ok, err)
		}

		other := newContractTask("admit-other", model.TaskStatusPending, contractBase)
		other.UserID = "other-user"
		if ok, err := repo.Admit(ctx, other, 1); err != nil || !ok {
			t.Errorf("別ユーザーのAdmit() = %v, %v, want true", ok, err)
		}
	})

	t.Run("未登録IDはnil", func(t *testing.T) {
		got, err := repo.FindByID(ctx, "missing")
		if err != nil || got != nil {
			t.Errorf("FindByID(missing) = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("状態のミラーと完了結果", func(t *testing.T) {
		task := newContractTask("task-1", model.TaskStatusPending, contractBase)
		if err := repo.Save(ctx, task); err != nil {
			t.Fatalf("Save(pending) returned error: %v", err)
		}

		task.Status = model.TaskStatusInProgress
		task.Progress = 50
		task.UpdatedAt = contractBase.Add(time.Second)
		if err := repo.Save(ctx, task); err != nil {
			t.Fatalf("Save(in_progress) returned error: %v", err)
		}

		task.Status = model.TaskStatusCompleted
		task.Progress = 100
		task.Result = &model.BriefingResult{
			Script:       "ニュースブリーフィングです。",
			TargetLength: 600,
			Language:     "ja",
			Articles:     []model.SelectedArticle{{ID: "a1", Title: "記事", Genre: model.GenreScience, Score: 1.5}},
		}
		task.DebugInfo = map[string]any{"duration_ms": 1200}
		if err := repo.Save(ctx, task); err != nil {
			t.Fatalf("Save(completed) returned error: %v", err)
		}

		got, err := repo.FindByID(ctx, "task-1")
		if err != nil {
			t.Fatalf("FindByID() returned error: %v", err)
		}
		if got.Status != model.TaskStatusCompleted || got.Progress != 100 {
			t.Errorf("status=%s progress=%d, want completed 100", got.Status, got.Progress)
		}
		if got.Result == nil || got.Result.Script != "ニュースブリーフィングです。" || len(got.Result.Articles) != 1 {
			t.Errorf("Result = %+v", got.Result)
		}
		if got.DebugInfo["duration_ms"] == nil {
			t.Errorf("DebugInfo = %v", got.DebugInfo)
		}
	})

	t.Run("終端状態は上書きされない", func(t *testing.T) {
		late := newContractTask("task-1", model.TaskStatusFailed, contractBase.Add(time.Minute))
		late.Error = "late"
		if err := repo.Save(ctx, late); err != nil {
			t.Fatalf("Save() returned error: %v", err)
		}
		got, _ := repo.FindByID(ctx, "task-1")
		if got.Status != model.TaskStatusCompleted || got.Error != "" {
			t.Errorf("終端状態のタスクが上書きされた: status=%s error=%q", got.Status, got.Error)
		}
	})

	t.Run("滞留タスクの失敗化", func(t *testing.T) {
		old := contractBase.Add(-2 * time.Hour)
		for _, task := range []*model.Task{
			newContractTask("stale-pending", model.TaskStatusPending, old),
			newContractTask("stale-running", model.TaskStatusInProgress, old),
			newContractTask("fresh", model.TaskStatusInProgress, contractBase),
		} {
			if err := repo.Save(ctx, task); err != nil {
				t.Fatalf("Save(%s) returned error: %v", task.ID, err)
			}
		}

		before := contractBase.Add(-30 * time.Minute)
		n, err := repo.FailStale(ctx, before, "タイムアウトしました")
		if err != nil {
			t.Fatalf("FailStale() returned error: %v", err)
		}
		if n != 2 {
			t.Errorf("FailStale() = %d, want 2", n)
		}

		got, _ := repo.FindByID(ctx, "stale-running")
		if got.Status != model.TaskStatusFailed || got.Error != "タイムアウトしました" {
			t.Errorf("stale-running = %s %q", got.Status, got.Error)
		}
		fresh, _ := repo.FindByID(ctx, "fresh")
		if fresh.Status != model.TaskStatusInProgress {
			t.Errorf("新しいタスクは変更されないべき: %s", fresh.Status)
		}

		n, err = repo.FailStale(ctx, before, "タイムアウトしました")
		if err != nil || n != 0 {
			t.Errorf("2回目のFailStale() = %d, %v; want 0, nil", n, err)
		}

		// 失敗化したタスクは未完了として数えない（user-1の未完了はfreshのみ）
		extra := newContractTask("after-stale", model.TaskStatusPending, contractBase)
		if ok, err := repo.Admit(ctx, extra, 2); err != nil || !ok {
			t.Errorf("Admit() = %v, %v, want true", ok, err)
		}
	})
}

func newContractSchedule(id, userID string, next time.Time) *model.Schedule {
	return &model.Schedule{
		ID:              id,
		UserID:          userID,
		MaxArticles:     5,
		PreferredGenres: []model.Genre{model.GenreTechnology},
		Tier:            model.TierStandard,
		Language:        "ja",
		IntervalMinutes: 60,
		NextRunAt:       next,
		Enabled:         true,
		CreatedAt:       next.Add(-time.Hour),
		UpdatedAt:       next.Add(-time.Hour),
	}
}

func testScheduleRepoContract(t *testing.T, repo ScheduleRepository) {
	t.Helper()
	ctx := context.Background()

	due1 := newContractSchedule("s1", "user-1", contractBase.Add(-10*time.Minute))
	due2 := newContractSchedule("s2", "user-1", contractBase.Add(-5*time.Minute))
	due2.CreatedAt = due1.CreatedAt.Add(time.Minute)
	future := newContractSchedule("s3", "user-2", contractBase.Add(time.Hour))
	disabled := newContractSchedule("s4", "user-2", contractBase.Add(-time.Hour))
	disabled.Enabled = false

	for _, s := range []*model.Schedule{due1, due2, future, disabled} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create(%s) returned error: %v", s.ID, err)
		}
	}

	t.Run("取得", func(t *testing.T) {
		got, err := repo.FindByID(ctx, "s1")
		if err != nil || got == nil {
			t.Fatalf("FindByID(s1) = %v, %v", got, err)
		}
		if got.UserID != "user-1" || len(got.PreferredGenres) != 1 || got.PreferredGenres[0] != model.GenreTechnology {
			t.Errorf("got = %+v", got)
		}
		if len(got.ExcludedGenres) != 0 {
			t.Errorf("ExcludedGenres = %v, want empty", got.ExcludedGenres)
		}
		if missing, err := repo.FindByID(ctx, "none"); err != nil || missing != nil {
			t.Errorf("FindByID(none) = %v, %v; want nil, nil", missing, err)
		}
	})

	t.Run("ユーザー別一覧", func(t *testing.T) {
		list, err := repo.ListByUserID(ctx, "user-1")
		if err != nil {
			t.Fatalf("ListByUserID() returned error: %v", err)
		}
		if len(list) != 2 || list[0].ID != "s1" || list[1].ID != "s2" {
			t.Errorf("一覧が作成順でない: %v", scheduleIDs(list))
		}
	})

	t.Run("実行対象の取得と次回時刻の前進", func(t *testing.T) {
		claimed, err := repo.ClaimDue(ctx, contractBase, 10)
		if err != nil {
			t.Fatalf("ClaimDue() returned error: %v", err)
		}
		if len(claimed) != 2 || claimed[0].ID != "s1" || claimed[1].ID != "s2" {
			t.Fatalf("claimed = %v, want [s1 s2]", scheduleIDs(claimed))
		}
		want := contractBase.Add(time.Hour)
		if !claimed[0].NextRunAt.Equal(want) {
			t.Errorf("NextRunAt = %v, want %v", claimed[0].NextRunAt, want)
		}

		again, err := repo.ClaimDue(ctx, contractBase, 10)
		if err != nil {
			t.Fatalf("2回目のClaimDue() returned error: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("同じスケジュールを二重に取得した: %v", scheduleIDs(again))
		}
	})

	t.Run("取得件数の上限", func(t *testing.T) {
		later := contractBase.Add(2 * time.Hour)
		claimed, err := repo.ClaimDue(ctx, later, 1)
		if err != nil {
			t.Fatalf("ClaimDue() returned error: %v", err)
		}
		if len(claimed) != 1 {
			t.Errorf("上限1で%d件取得した", len(claimed))
		}
	})

	t.Run("実行記録と削除", func(t *testing.T) {
		if err := repo.RecordRun(ctx, "s2", "task-9"); err != nil {
			t.Fatalf("RecordRun() returned error: %v", err)
		}
		got, _ := repo.FindByID(ctx, "s2")
		if got.LastTaskID != "task-9" {
			t.Errorf("LastTaskID = %q, want task-9", got.LastTaskID)
		}

		if err := repo.Delete(ctx, "s2"); err != nil {
			t.Fatalf("Delete() returned error: %v", err)
		}
		list, _ := repo.ListByUserID(ctx, "user-1")
		if len(list) != 1 || list[0].ID != "s1" {
			t.Errorf("削除後の一覧 = %v, want [s1]", scheduleIDs(list))
		}
	})
}

func scheduleIDs(list []*model.Schedule) []string {
	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	return ids
}

// errors.Isで破損を判定できること。
func assertCorrupted(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, model.ErrProfileCorrupted) {
		t.Errorf("ErrProfileCorruptedをラップするべき: %v", err)
	}
}

// assertUpdateOverwritesCorrupted は破損した"user-1"に対してUpdateが破損エラー付きで
// fnを呼び、fnの結果で上書きできることを検証する。
func assertUpdateOverwritesCorrupted(t *testing.T, repo ProfileRepository) {
	t.Helper()
	ctx := context.Background()
	_, err := repo.Update(ctx, "user-1", func(current *model.UserPreferenceProfile, loadErr error) (*model.UserPreferenceProfile, error) {
		assertCorrupted(t, loadErr)
		return model.NewDefaultProfile("user-1", contractBase), nil
	})
	if err != nil {
		t.Fatalf("破損データへのUpdateはfnの結果で上書きするべき: %v", err)
	}
	got, err := repo.FindByUserID(ctx, "user-1")
	if err != nil || got == nil {
		t.Fatalf("上書き後のFindByUserID() = %v, %v", got, err)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("上書き後のプロファイルは妥当であるべき: %v", err)
	}
}
