package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hitoshi/audiobrief/internal/model"
)

// DefaultWorkers はRunnerの既定の同時実行数。
const DefaultWorkers = 4

// Job はタスク1件分の処理。正常終了時はジョブ自身がComplete/Failで終端させる。
type Job func(ctx context.Context) error

// Runner はジョブを有限個のワーカーで実行する。
// ジョブがエラーを返した場合やパニックした場合、
// 終端に達しないまま戻った場合もタスクを必ずfailedで終わらせる。
type Runner struct {
	orch   *Orchestrator
	logger *slog.Logger
	sem    chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner はRunnerを生成する。workersが0以下の場合は既定値を使う。
func NewRunner(orch *Orchestrator, logger *slog.Logger, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		orch:   orch,
		logger: logger,
		sem:    make(chan struct{}, workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit はジョブを非同期に実行する。空きワーカーがない間はタスクはpendingのまま待機する。
// ジョブのコンテキストはリクエストのコンテキストから切り離され、Shutdownでキャンセルされる。
// Shutdown後に投入されたジョブは実行せず、タスクをその場でfailedにする。
func (r *Runner) Submit(taskID string, job Job) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("停止処理中のためタスクを受け付けません", slog.String("task_id", taskID))
		r.failIfOpen(taskID, "shutdown", errors.New("runner is shutting down"))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		select {
		case r.sem <- struct{}{}:
		case <-r.ctx.Done():
			r.failIfOpen(taskID, "shutdown", r.ctx.Err())
			return
		}
		defer func() { <-r.sem }()

		r.run(taskID, job)
	}()
}

func (r *Runner) run(taskID string, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("タスク実行中にパニックが発生しました",
				slog.String("task_id", taskID),
				slog.Any("panic", rec),
			)
			r.fail(taskID, map[string]any{
				"stage": "panic",
				"error": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			})
		}
	}()

	if err := job(r.ctx); err != nil {
		r.logger.Error("タスクの実行に失敗しました",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		r.failIfOpen(taskID, "job", err)
		return
	}
	// ジョブが終端化を忘れた場合でもin_progressに取り残さない
	r.failIfOpen(taskID, "unfinished", errors.New("job returned without terminal state"))
}

func (r *Runner) failIfOpen(taskID, stage string, cause error) {
	r.fail(taskID, map[string]any{"stage": stage, "error": cause.Error()})
}

func (r *Runner) fail(taskID string, debugInfo map[string]any) {
	err := r.orch.Fail(context.Background(), taskID, model.MessageInternalFailure, debugInfo)
	if err != nil && !errors.Is(err, model.ErrTaskTerminal) {
		r.logger.Error("タスクを失敗状態にできませんでした",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// Shutdown は実行中のジョブをキャンセルし、全ジョブの終了を待つ。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait は投入済みの全ジョブの終了を待つ。
func (r *Runner) Wait() {
	r.wg.Wait()
}
