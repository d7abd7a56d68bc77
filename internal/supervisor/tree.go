// Package supervisor はsutureによるサービス監視ツリーを提供する。
// バックグラウンドジョブとHTTPサーバーを別レイヤーに分け、
// 片方のクラッシュがもう片方の再起動を巻き込まないようにする。
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig は監視ツリーの再起動ポリシー。
type TreeConfig struct {
	FailureThreshold float64       // バックオフに入るまでの失敗回数（デフォルト: 5）
	FailureDecay     float64       // 失敗回数の減衰時間（秒、デフォルト: 30）
	FailureBackoff   time.Duration // バックオフ時間（デフォルト: 15秒）
	ShutdownTimeout  time.Duration // サービス停止の待機上限（デフォルト: 10秒）
}

// DefaultTreeConfig はデフォルトのTreeConfigを返す。
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree はルートと2つのレイヤーからなる監視ツリー。
//
//	audiobrief
//	├── workers  (スケジューラ、滞留タスク回収、Badger GC)
//	└── api      (HTTPサーバー)
type Tree struct {
	root    *suture.Supervisor
	workers *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

// NewTree は監視ツリーを構築する。ゼロ値の設定項目にはデフォルト値を使う。
// 再起動やバックオフのイベントはloggerに構造化ログとして出力される。
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay <= 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff <= 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	// MustHookはポインタレシーバ
	handler := &sutureslog.Handler{Logger: logger}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = handler.MustHook()

	root := suture.New("audiobrief", rootSpec)
	workers := suture.New("workers", childSpec)
	api := suture.New("api", childSpec)
	root.Add(workers)
	root.Add(api)

	return &Tree{root: root, workers: workers, api: api, config: config}
}

// AddWorker はworkersレイヤーにサービスを追加する。
func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// AddAPI はapiレイヤーにサービスを追加する。
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve はコンテキストがキャンセルされるまでツリーを実行する。
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground はツリーをバックグラウンドで起動し、終了時のエラーを返すチャネルを返す。
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport は停止タイムアウト内に止まらなかったサービスを返す。
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Named はsuture.Serviceにログ用の名前を付ける。
// 名前を持たないサービスはsutureのログで型名として表示されるため、ツリー追加時に包む。
func Named(name string, svc suture.Service) suture.Service {
	return &namedService{name: name, svc: svc}
}

type namedService struct {
	name string
	svc  suture.Service
}

func (n *namedService) Serve(ctx context.Context) error { return n.svc.Serve(ctx) }
func (n *namedService) String() string                  { return n.name }
