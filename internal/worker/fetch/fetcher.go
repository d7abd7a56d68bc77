// Package fetch はRSSソースの並列フェッチと記事抽出を提供する。
// キャッシュ確認、SSRF検証、再試行付きHTTP取得、gofeedによるパース、
// 記事の正規化とジャンル分類を行う。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/audiobrief/internal/feed"
	"github.com/hitoshi/audiobrief/internal/model"
	"github.com/hitoshi/audiobrief/internal/security"
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// GenreClassifier は記事のジャンル判定のインターフェース。
type GenreClassifier interface {
	Classify(title, summary string) model.Genre
}

// FetchMetrics はフェッチ処理のメトリクス記録インターフェース。
type FetchMetrics interface {
	RecordFetchSuccess(sourceURL string)
	RecordFetchFailure(sourceURL string, reason string)
	RecordParseFailure(sourceURL string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordCacheHit()
	RecordCacheMiss()
	RecordArticlesExtracted(count int)
}

// Config はフェッチャーの設定。
type Config struct {
	Timeout           time.Duration
	MaxBodySize       int64
	MaxConcurrency    int
	MaxRetries        int
	MaxItemsPerSource int
	RetryBaseDelay    time.Duration
	UserAgent         string
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		MaxBodySize:       5 * 1024 * 1024,
		MaxConcurrency:    6,
		MaxRetries:        2,
		MaxItemsPerSource: 20,
		RetryBaseDelay:    defaultRetryBaseDelay,
		UserAgent:         "AudioBrief/1.0 RSS Fetcher",
	}
}

// Fetcher は複数のRSSソースを並列にフェッチし、記事に変換する。
type Fetcher struct {
	cache      *feed.Cache
	ssrfGuard  SSRFValidator
	classifier GenreClassifier
	extractor  security.TextExtractorService
	metrics    FetchMetrics
	logger     *slog.Logger
	cfg        Config

	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
	newID  func() string

	// resolved はHTMLページを指すソースURLから検出したフィードURLへの対応。
	resolved sync.Map
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewFetcher(
	cache *feed.Cache,
	ssrfGuard SSRFValidator,
	classifier GenreClassifier,
	extractor security.TextExtractorService,
	metrics FetchMetrics,
	logger *slog.Logger,
	cfg Config,
) *Fetcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxItemsPerSource <= 0 {
		cfg.MaxItemsPerSource = def.MaxItemsPerSource
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Fetcher{
		cache:      cache,
		ssrfGuard:  ssrfGuard,
		classifier: classifier,
		extractor:  extractor,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		client:     ssrfGuard.NewSafeClient(cfg.Timeout, cfg.MaxBodySize),
		sleep:      sleepContext,
		newID:      uuid.NewString,
	}
}

// FetchMany は全ソースを並列にフェッチし、抽出した記事を返す。
// 1ソースの失敗は他のソースに影響せず、そのソースは0件としてログに記録される。
// 出力順はフェッチ完了順であり、入力順は保持されない。
func (f *Fetcher) FetchMany(ctx context.Context, sources []feed.Source) []model.Article {
	start := time.Now()

	var (
		mu       sync.Mutex
		articles []model.Article
		failed   int
		skipped  int
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, f.cfg.MaxConcurrency)
	var wg sync.WaitGroup

launch:
	for i, src := range sources {
		acquired := false
		select {
		case sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			// キャンセル後は残りのソースに着手しない
			if acquired {
				<-sem
			}
			skipped = len(sources) - i
			break launch
		}
		wg.Add(1)

		go func(src feed.Source) {
			defer wg.Done()
			defer func() { <-sem }()

			extracted, err := f.FetchSource(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			articles = append(articles, extracted...)
		}(src)
	}

	wg.Wait()

	f.logger.Info("RSSソースのフェッチが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Int("failed_count", failed),
		slog.Int("skipped_count", skipped),
		slog.Int("article_count", len(articles)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	if articles == nil {
		articles = []model.Article{}
	}
	return articles
}

// FetchSource はソース1件から記事を抽出する。
// エラーはログとメトリクスに記録したうえで返す。
func (f *Fetcher) FetchSource(ctx context.Context, src feed.Source) (articles []model.Article, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SourceError{URL: src.URL, Kind: ErrorKindParse, Err: fmt.Errorf("panic: %v", r)}
			f.logger.Error("フィード処理中にパニックが発生しました",
				slog.String("source_url", src.URL),
				slog.Any("panic", r),
			)
		}
	}()

	parsed, err := f.loadFeed(ctx, src)
	if err != nil {
		f.logger.Warn("RSSソースのフェッチに失敗しました",
			slog.String("source_name", src.Name),
			slog.String("source_url", src.URL),
			slog.String("kind", string(kindOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	articles = f.extract(src, parsed)
	if f.metrics != nil {
		f.metrics.RecordArticlesExtracted(len(articles))
	}
	return articles, nil
}

// loadFeed は鮮度内のキャッシュがあればそれを返し、なければフェッチしてキャッシュに格納する。
// ソースURLがHTMLページの場合は検出済みのフィードURLを使う。
func (f *Fetcher) loadFeed(ctx context.Context, src feed.Source) (*gofeed.Feed, error) {
	feedURL := f.feedURLFor(src.URL)
	if entry, ok := f.cache.Get(feedURL); ok {
		if f.metrics != nil {
			f.metrics.RecordCacheHit()
		}
		return entry.Feed, nil
	}
	if f.metrics != nil {
		f.metrics.RecordCacheMiss()
	}

	if err := f.ssrfGuard.ValidateURL(feedURL); err != nil {
		f.recordFailure(feedURL, "blocked")
		return nil, &SourceError{URL: feedURL, Kind: ErrorKindBlocked, Err: err}
	}

	// 検出済みのURLから再度ページを辿ることはしない
	allowDiscovery := feedURL == src.URL

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		parsed, retryAfter, err := f.fetchOnce(ctx, feedURL, allowDiscovery)
		if err == nil {
			return parsed, nil
		}
		lastErr = err

		var se *SourceError
		if !errors.As(err, &se) || !se.Retryable() || attempt == f.cfg.MaxRetries || ctx.Err() != nil {
			break
		}

		delay := RetryDelay(attempt, f.cfg.RetryBaseDelay, retryAfter)
		f.logger.Info("RSSソースのフェッチを再試行します",
			slog.String("source_url", src.URL),
			slog.Int("attempt", attempt+1),
			slog.Int("http_status", se.StatusCode),
			slog.Duration("delay", delay),
		)
		if err := f.sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

func (f *Fetcher) feedURLFor(sourceURL string) string {
	if v, ok := f.resolved.Load(sourceURL); ok {
		return v.(string)
	}
	return sourceURL
}

// discoverFeed はHTMLページのheadからフィードURLを検出し、ソースURLに対応付ける。
// 検出できない場合やSSRF検証に通らない場合は空文字を返す。
func (f *Fetcher) discoverFeed(pageURL, contentType string, body []byte) string {
	if !feed.IsHTML(contentType) {
		return ""
	}
	best := feed.SelectFeedLink(feed.DiscoverFeedLinks(body, pageURL), pageURL)
	if best == nil || best.URL == pageURL {
		return ""
	}
	if err := f.ssrfGuard.ValidateURL(best.URL); err != nil {
		f.logger.Warn("検出したフィードURLがブロックされました",
			slog.String("source_url", pageURL),
			slog.String("feed_url", best.URL),
		)
		return ""
	}
	f.resolved.Store(pageURL, best.URL)
	f.logger.Info("HTMLページからフィードURLを検出しました",
		slog.String("source_url", pageURL),
		slog.String("feed_url", best.URL),
		slog.String("feed_type", string(best.Type)),
	)
	return best.URL
}

// fetchOnce は1回のHTTP取得とパースを行う。
// 2番目の戻り値は再試行時に参照するRetry-Afterヘッダーの値。
// allowDiscoveryがtrueでレスポンスがHTMLの場合は、ページ内のフィードリンクを辿る。
func (f *Fetcher) fetchOnce(ctx context.Context, url string, allowDiscovery bool) (*gofeed.Feed, string, error) {
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &SourceError{URL: url, Kind: ErrorKindStop, Err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	// 期限切れのキャッシュがあれば条件付きGETを行う
	stale, hasStale := f.cache.Peek(url)
	if hasStale {
		if stale.ETag != "" {
			req.Header.Set("If-None-Match", stale.ETag)
		}
		if stale.LastModified != "" {
			req.Header.Set("If-Modified-Since", stale.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.recordFailure(url, "network")
		return nil, "", &SourceError{URL: url, Kind: ErrorKindTransient, Err: err}
	}
	defer resp.Body.Close()

	if f.metrics != nil {
		f.metrics.RecordHTTPStatus(resp.StatusCode)
		f.metrics.RecordFetchLatency(time.Since(start))
	}

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
		// 以下で処理を続行
	case FetchResultNotModified:
		if hasStale && f.cache.Touch(url) {
			f.logger.Debug("フィードは未変更です（304）", slog.String("source_url", url))
			if f.metrics != nil {
				f.metrics.RecordFetchSuccess(url)
			}
			return stale.Feed, "", nil
		}
		f.recordFailure(url, "http_status")
		return nil, "", &SourceError{URL: url, Kind: ErrorKindStop, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("キャッシュがない状態で304を受信しました")}
	case FetchResultRetry:
		f.recordFailure(url, "http_status")
		return nil, resp.Header.Get("Retry-After"), &SourceError{URL: url, Kind: ErrorKindTransient, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("HTTPステータス %d", resp.StatusCode)}
	default:
		f.recordFailure(url, "http_status")
		return nil, "", &SourceError{URL: url, Kind: ErrorKindStop, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("HTTPステータス %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodySize))
	if err != nil {
		f.recordFailure(url, "read")
		return nil, "", &SourceError{URL: url, Kind: ErrorKindTransient, Err: fmt.Errorf("レスポンス読み取り失敗: %w", err)}
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		if allowDiscovery {
			if feedURL := f.discoverFeed(url, resp.Header.Get("Content-Type"), body); feedURL != "" {
				return f.fetchOnce(ctx, feedURL, false)
			}
		}
		if f.metrics != nil {
			f.metrics.RecordParseFailure(url)
		}
		return nil, "", &SourceError{URL: url, Kind: ErrorKindParse, Err: err}
	}

	f.cache.PutValidated(url, parsed, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"))
	if f.metrics != nil {
		f.metrics.RecordFetchSuccess(url)
	}
	f.logger.Debug("RSSソースをフェッチしました",
		slog.String("source_url", url),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("items_total", len(parsed.Items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return parsed, "", nil
}

func (f *Fetcher) recordFailure(url, reason string) {
	if f.metrics != nil {
		f.metrics.RecordFetchFailure(url, reason)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
