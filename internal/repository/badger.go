package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badgerのキープレフィックス
const (
	profileKeyPrefix      = "profile:"
	taskKeyPrefix         = "task:"
	taskOpenKeyPrefix     = "task_open:"
	taskAdmitKeyPrefix    = "task_admit:"
	scheduleKeyPrefix     = "schedule:"
	scheduleUserKeyPrefix = "schedule_user:"
)

// badgerConflictRetries はトランザクション競合時の再試行回数。
const badgerConflictRetries = 10

// OpenBadger はBadgerDBを開く。pathが空の場合はインメモリで開く。
func OpenBadger(path string, logger *slog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("BadgerDBのオープンに失敗しました (%s): %w", path, err)
	}
	return db, nil
}

// badgerLogger はBadger内部のログをslogへ流す。
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// updateWithRetry はbadger.ErrConflictの場合にトランザクションを再実行する。
func updateWithRetry(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// BadgerGC はValueLogのガベージコレクションを定期実行するサービス。
type BadgerGC struct {
	db       *badger.DB
	logger   *slog.Logger
	interval time.Duration
}

// NewBadgerGC はBadgerGCを生成する。intervalが0以下の場合は10分。
func NewBadgerGC(db *badger.DB, logger *slog.Logger, interval time.Duration) *BadgerGC {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &BadgerGC{db: db, logger: logger, interval: interval}
}

// Serve はコンテキストがキャンセルされるまでGCを繰り返す。
func (g *BadgerGC) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.RunOnce()
		}
	}
}

// RunOnce は回収対象がなくなるまでGCを実行し、回収回数を返す。
func (g *BadgerGC) RunOnce() int {
	if g.db.Opts().InMemory {
		return 0
	}
	count := 0
	for {
		err := g.db.RunValueLogGC(0.5)
		if err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				g.logger.Warn("BadgerのGCに失敗しました", slog.String("error", err.Error()))
			}
			return count
		}
		count++
	}
}
