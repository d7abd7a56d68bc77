package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hitoshi/audiobrief/internal/model"
)

// maxResponseSize は外部APIレスポンスの読み取り上限。
const maxResponseSize = 4 * 1024 * 1024

// ClientConfig は外部生成APIクライアントの設定。
type ClientConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// newBreaker は外部API用のサーキットブレーカーを生成する。
// 5回以上のリクエストで失敗率60%以上になると開き、30秒後に半開状態へ移る。
func newBreaker[T any](name string, logger *slog.Logger) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// 呼び出し元のキャンセルは外部APIの障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// postJSON はJSONリクエストを送信し、2xxのレスポンスをoutにデコードする。
func postJSON(ctx context.Context, client *http.Client, cfg ClientConfig, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("リクエストのエンコードに失敗: %w", err)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("外部APIの呼び出しに失敗: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("外部APIがステータス %d を返しました: %s", resp.StatusCode, snippet(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("レスポンスのデコードに失敗: %w", err)
	}
	return nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// wrapGenerationError は外部処理の失敗をErrGenerationでラップする。
func wrapGenerationError(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: サーキットブレーカーにより遮断: %v", model.ErrGeneration, op, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrGeneration, op, err)
}

type scriptArticle struct {
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	SourceName string `json:"source_name"`
	Genre      string `json:"genre"`
	Link       string `json:"link,omitempty"`
}

type scriptPayload struct {
	Articles     []scriptArticle `json:"articles"`
	TargetLength int             `json:"target_length"`
	PerArticle   int             `json:"per_article_length"`
	Style        string          `json:"style,omitempty"`
	Language     string          `json:"language"`
}

type scriptResponse struct {
	Script string `json:"script"`
}

// HTTPScriptGenerator は外部の台本生成APIを呼び出すScriptGenerator。
type HTTPScriptGenerator struct {
	cfg    ClientConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker[string]
}

// NewHTTPScriptGenerator はHTTPScriptGeneratorを生成する。
func NewHTTPScriptGenerator(cfg ClientConfig, client *http.Client, logger *slog.Logger) *HTTPScriptGenerator {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPScriptGenerator{
		cfg:    cfg,
		client: client,
		cb:     newBreaker[string]("script-api", logger),
	}
}

// GenerateScript は台本を生成する。失敗時はmodel.ErrGenerationをラップしたエラーを返す。
func (g *HTTPScriptGenerator) GenerateScript(ctx context.Context, req ScriptRequest) (string, error) {
	payload := scriptPayload{
		Articles:     make([]scriptArticle, 0, len(req.Articles)),
		TargetLength: req.TargetLength,
		PerArticle:   req.PerArticle,
		Style:        req.Style,
		Language:     req.Language,
	}
	for _, a := range req.Articles {
		payload.Articles = append(payload.Articles, scriptArticle{
			Title:      a.Title,
			Summary:    a.Summary,
			SourceName: a.SourceName,
			Genre:      string(a.Genre),
			Link:       a.Link,
		})
	}

	script, err := g.cb.Execute(func() (string, error) {
		var resp scriptResponse
		if err := postJSON(ctx, g.client, g.cfg, payload, &resp); err != nil {
			return "", err
		}
		if strings.TrimSpace(resp.Script) == "" {
			return "", errors.New("空の台本が返されました")
		}
		return resp.Script, nil
	})
	if err != nil {
		return "", wrapGenerationError("台本生成", err)
	}
	return script, nil
}

type audioPayload struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// HTTPAudioSynthesizer は外部の音声合成APIを呼び出すAudioSynthesizer。
type HTTPAudioSynthesizer struct {
	cfg    ClientConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker[*AudioResult]
}

// NewHTTPAudioSynthesizer はHTTPAudioSynthesizerを生成する。
func NewHTTPAudioSynthesizer(cfg ClientConfig, client *http.Client, logger *slog.Logger) *HTTPAudioSynthesizer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAudioSynthesizer{
		cfg:    cfg,
		client: client,
		cb:     newBreaker[*AudioResult]("tts-api", logger),
	}
}

// Synthesize は音声を合成する。失敗時はmodel.ErrGenerationをラップしたエラーを返す。
func (s *HTTPAudioSynthesizer) Synthesize(ctx context.Context, text, voice string) (*AudioResult, error) {
	result, err := s.cb.Execute(func() (*AudioResult, error) {
		var resp AudioResult
		if err := postJSON(ctx, s.client, s.cfg, audioPayload{Text: text, Voice: voice}, &resp); err != nil {
			return nil, err
		}
		if resp.URL == "" {
			return nil, errors.New("音声URLが返されませんでした")
		}
		return &resp, nil
	})
	if err != nil {
		return nil, wrapGenerationError("音声合成", err)
	}
	return result, nil
}
