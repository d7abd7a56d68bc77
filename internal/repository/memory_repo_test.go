package repository

import (
	"context"
	"testing"

	"github.com/hitoshi/audiobrief/internal/model"
)

func TestMemoryProfileRepo_Contract(t *testing.T) {
	testProfileRepoContract(t, NewMemoryProfileRepo())
}

func TestMemoryTaskRepo_Contract(t *testing.T) {
	testTaskRepoContract(t, NewMemoryTaskRepo())
}

func TestMemoryScheduleRepo_Contract(t *testing.T) {
	testScheduleRepoContract(t, NewMemoryScheduleRepo())
}

// 取得したプロファイルを変更しても保存済みの値に影響しない。
func TestMemoryProfileRepo_ReturnsCopies(t *testing.T) {
	repo := NewMemoryProfileRepo()
	ctx := context.Background()
	profile := model.NewDefaultProfile("user-1", contractBase)
	if err := repo.Save(ctx, profile); err != nil {
		t.Fatalf("Save() returned error: %v", err)
	}
	profile.GenreWeights[model.GenreHealth] = 2.0

	got, _ := repo.FindByUserID(ctx, "user-1")
	got.GenreWeights[model.GenreScience] = 0.2

	again, _ := repo.FindByUserID(ctx, "user-1")
	if again.GenreWeights[model.GenreHealth] != 1.0 || again.GenreWeights[model.GenreScience] != 1.0 {
		t.Errorf("保存済みの値が外部から変更された: %+v", again.GenreWeights)
	}
}
