// Package task は非同期生成タスクの状態機械と実行基盤を提供する。
//
// 状態遷移: pending → in_progress → {completed, failed}
// 状態の正はメモリ上のOrchestratorが持ち、遷移のたびにTaskRepositoryへミラーする。
// 作成時の同時実行数の判定はTaskRepository.Admitで行い、プロセスをまたいで上限を守る。
// 終端状態への再遷移はErrTaskTerminalを返し、何も変更しない。
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/audiobrief/internal/model"
	"github.com/hitoshi/audiobrief/internal/repository"
)

// DefaultMaxInFlightPerUser はユーザーごとの同時実行タスク数の既定上限。
const DefaultMaxInFlightPerUser = 1

// KeepProgress はUpdateで進捗を変更しない場合に指定する値。
const KeepProgress = -1

// TaskMetrics はタスク状態遷移のメトリクス記録インターフェース。
type TaskMetrics interface {
	RecordTaskTransition(status string)
	RecordTaskDuration(status string, duration time.Duration)
	RecordAdmissionDenied()
}

// entry はメモリ上のタスクとリポジトリへのミラー順序を保証するロック。
type entry struct {
	task   *model.Task
	saveMu sync.Mutex
}

// Orchestrator はタスクの作成・状態遷移・参照を一元管理する。
type Orchestrator struct {
	mu          sync.RWMutex
	tasks       map[string]*entry
	inflight    map[string]int
	repo        repository.TaskRepository
	metrics     TaskMetrics
	logger      *slog.Logger
	maxInFlight int
	now         func() time.Time
	newID       func() string
}

// NewOrchestrator はOrchestratorを生成する。
// repoとmetricsはnilでもよい。maxInFlightが0以下の場合は既定値を使う。
func NewOrchestrator(repo repository.TaskRepository, metrics TaskMetrics, logger *slog.Logger, maxInFlight int) *Orchestrator {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlightPerUser
	}
	return &Orchestrator{
		tasks:       make(map[string]*entry),
		inflight:    make(map[string]int),
		repo:        repo,
		metrics:     metrics,
		logger:      logger,
		maxInFlight: maxInFlight,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// MaxInFlight はユーザーごとの同時実行タスク数上限を返す。
func (o *Orchestrator) MaxInFlight() int {
	return o.maxInFlight
}

// Create はpending状態のタスクを作成する。
// ユーザーの実行中タスク数が上限に達している場合はタスクを作らず
// ErrAdmissionDeniedをラップしたAPIErrorを返す。
// repoがある場合は、他プロセスが作成したタスクも含めてリポジトリ上の件数で上限を判定する。
func (o *Orchestrator) Create(ctx context.Context, userID string) (*model.Task, error) {
	now := o.now()
	task := &model.Task{
		ID:        o.newID(),
		UserID:    userID,
		Status:    model.TaskStatusPending,
		Progress:  0,
		Message:   "タスクを受け付けました",
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	if o.inflight[userID] >= o.maxInFlight {
		o.mu.Unlock()
		return nil, o.deny(userID)
	}
	o.inflight[userID]++
	o.mu.Unlock()

	if o.repo != nil {
		admitted, err := o.repo.Admit(ctx, task, o.maxInFlight)
		if err != nil || !admitted {
			o.mu.Lock()
			o.releaseLocked(userID)
			o.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("タスクの登録に失敗しました: %w", err)
			}
			return nil, o.deny(userID)
		}
	}

	o.mu.Lock()
	o.tasks[task.ID] = &entry{task: task}
	snapshot := task.Clone()
	o.mu.Unlock()

	o.recordTransition(snapshot)
	return snapshot, nil
}

func (o *Orchestrator) deny(userID string) error {
	if o.metrics != nil {
		o.metrics.RecordAdmissionDenied()
	}
	o.logger.Info("実行中タスク数の上限によりタスク作成を拒否しました",
		slog.String("user_id", userID),
		slog.Int("max_in_flight", o.maxInFlight),
	)
	return model.NewAdmissionDeniedError(o.maxInFlight)
}

// Update は進捗とメッセージを更新する。pendingのタスクはin_progressに遷移する。
// progressにKeepProgress、messageに空文字列を指定した項目は変更しない。
// 進捗の減少はErrProgressRegression、終端状態のタスクはErrTaskTerminalを返す。
func (o *Orchestrator) Update(ctx context.Context, id string, progress int, message string) error {
	return o.transition(ctx, id, func(t *model.Task) error {
		if progress != KeepProgress {
			if progress < t.Progress {
				return fmt.Errorf("%w: %d -> %d", model.ErrProgressRegression, t.Progress, progress)
			}
			if progress > 100 {
				progress = 100
			}
			t.Progress = progress
		}
		if message != "" {
			t.Message = message
		}
		t.Status = model.TaskStatusInProgress
		return nil
	})
}

// Complete はタスクをcompletedに遷移させる。
func (o *Orchestrator) Complete(ctx context.Context, id string, result *model.BriefingResult, debugInfo map[string]any) error {
	return o.transition(ctx, id, func(t *model.Task) error {
		t.Status = model.TaskStatusCompleted
		t.Progress = 100
		t.Message = "音声ブリーフィングの生成が完了しました"
		t.Result = result
		t.DebugInfo = mergeDebug(t.DebugInfo, debugInfo)
		return nil
	})
}

// Fail はタスクをfailedに遷移させる。進捗は変更しない。
// errMessageはユーザー向けの文言とし、技術的な詳細はdebugInfoに入れる。
func (o *Orchestrator) Fail(ctx context.Context, id string, errMessage string, debugInfo map[string]any) error {
	return o.transition(ctx, id, func(t *model.Task) error {
		t.Status = model.TaskStatusFailed
		t.Error = errMessage
		t.Message = errMessage
		t.DebugInfo = mergeDebug(t.DebugInfo, debugInfo)
		return nil
	})
}

// transition はタスクに変更を適用し、成功した場合のみリポジトリへミラーする。
func (o *Orchestrator) transition(ctx context.Context, id string, apply func(t *model.Task) error) error {
	o.mu.RLock()
	e, ok := o.tasks[id]
	o.mu.RUnlock()
	if !ok {
		return model.NewTaskNotFoundError(id)
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	o.mu.Lock()
	if e.task.Status.IsTerminal() {
		status := e.task.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s (%s)", model.ErrTaskTerminal, id, status)
	}

	draft := e.task.Clone()
	if err := apply(draft); err != nil {
		o.mu.Unlock()
		return err
	}
	statusChanged := draft.Status != e.task.Status
	draft.UpdatedAt = o.now()
	e.task = draft
	if draft.Status.IsTerminal() {
		o.releaseLocked(draft.UserID)
	}
	snapshot := draft.Clone()
	o.mu.Unlock()

	if statusChanged {
		o.recordTransition(snapshot)
	}
	o.mirror(ctx, snapshot)
	return nil
}

// Get はタスクのスナップショットを返す。
// メモリにない場合はリポジトリを参照し、どちらにもない場合はErrTaskNotFoundをラップしたエラーを返す。
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.Task, error) {
	o.mu.RLock()
	e, ok := o.tasks[id]
	var snapshot *model.Task
	if ok {
		snapshot = e.task.Clone()
	}
	o.mu.RUnlock()
	if ok {
		return snapshot, nil
	}

	if o.repo != nil {
		stored, err := o.repo.FindByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("タスクの取得に失敗: %w", err)
		}
		if stored != nil {
			return stored, nil
		}
	}
	return nil, model.NewTaskNotFoundError(id)
}

// InFlight はユーザーのpending/in_progressタスク数を返す。
func (o *Orchestrator) InFlight(userID string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.inflight[userID]
}

// FailStale はupdated_atがbeforeより古い未終了タスクをfailedにし、件数を返す。
func (o *Orchestrator) FailStale(ctx context.Context, before time.Time, message string) int {
	o.mu.RLock()
	var stale []string
	for id, e := range o.tasks {
		if !e.task.Status.IsTerminal() && e.task.UpdatedAt.Before(before) {
			stale = append(stale, id)
		}
	}
	o.mu.RUnlock()

	failed := 0
	for _, id := range stale {
		err := o.Fail(ctx, id, message, map[string]any{"reason": "stale"})
		if err == nil {
			failed++
		}
	}
	return failed
}

// Prune は終端状態になってからbefore以前のタスクをメモリから取り除き、件数を返す。
// 取り除いたタスクはリポジトリから参照できる。
func (o *Orchestrator) Prune(before time.Time) int {
	if o.repo == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	pruned := 0
	for id, e := range o.tasks {
		if e.task.Status.IsTerminal() && e.task.UpdatedAt.Before(before) {
			delete(o.tasks, id)
			pruned++
		}
	}
	return pruned
}

// releaseLocked は呼び出し側でo.muを保持していることを前提とする。
func (o *Orchestrator) releaseLocked(userID string) {
	if o.inflight[userID] <= 1 {
		delete(o.inflight, userID)
		return
	}
	o.inflight[userID]--
}

// mirror はリポジトリへの保存を行う。失敗はログに記録するのみでメモリ上の状態は正のまま。
func (o *Orchestrator) mirror(ctx context.Context, t *model.Task) {
	if o.repo == nil {
		return
	}
	// 呼び出し元のキャンセルに関係なく状態を保存する
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.repo.Save(saveCtx, t); err != nil {
		o.logger.Warn("タスク状態の永続化に失敗しました",
			slog.String("task_id", t.ID),
			slog.String("status", string(t.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) recordTransition(t *model.Task) {
	o.logger.Info("タスクの状態が遷移しました",
		slog.String("task_id", t.ID),
		slog.String("user_id", t.UserID),
		slog.String("status", string(t.Status)),
		slog.Int("progress", t.Progress),
	)
	if o.metrics == nil {
		return
	}
	o.metrics.RecordTaskTransition(string(t.Status))
	if t.Status.IsTerminal() {
		o.metrics.RecordTaskDuration(string(t.Status), t.UpdatedAt.Sub(t.CreatedAt))
	}
}

func mergeDebug(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
