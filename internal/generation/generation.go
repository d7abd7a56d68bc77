// Package generation は台本生成と音声合成の外部コラボレーターを提供する。
// 外部APIはJSONのHTTPエンドポイントとして呼び出し、サーキットブレーカーで保護する。
// APIが設定されていない場合はローカルのダイジェスト生成にフォールバックする。
package generation

import (
	"context"

	"github.com/hitoshi/audiobrief/internal/model"
)

// ScriptRequest は台本生成の入力。
type ScriptRequest struct {
	Articles     []model.Article
	TargetLength int // 台本全体の目標文字数
	PerArticle   int // 記事1件あたりの目標文字数
	Style        string
	Language     string
}

// ScriptGenerator は選定記事から読み上げ台本を生成する。
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, req ScriptRequest) (string, error)
}

// AudioResult は音声合成の結果。
type AudioResult struct {
	URL             string  `json:"audio_url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// AudioSynthesizer は台本から音声を合成する。
type AudioSynthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (*AudioResult, error)
}
