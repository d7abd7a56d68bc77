// Package feed はRSSソースの定義とパース済みフィードのTTLキャッシュを提供する。
package feed

import (
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
)

// DefaultCacheTTL はキャッシュエントリの既定の有効期間。
const DefaultCacheTTL = 300 * time.Second

// CacheEntry はURLごとのパース済みフィードとフェッチ時刻。
// ETag/LastModifiedは期限切れ後の条件付きGETに使う。
type CacheEntry struct {
	URL          string
	Feed         *gofeed.Feed
	FetchedAt    time.Time
	ETag         string
	LastModified string
}

// CacheStats はキャッシュの統計情報。
// Expiredは呼び出し時点の時刻で再計算される。
type CacheStats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Expired    int `json:"expired"`
	TTLSeconds int `json:"ttl_seconds"`
}

// Cache はソースURLをキーとするTTLキャッシュ。
// バックグラウンドでの削除は行わず、鮮度は読み出し時に判定する（遅延失効）。
// 書き込みはURL単位で後勝ち。
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache はCacheを生成する。ttlが0以下の場合はDefaultCacheTTLを使用する。
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock はテスト用に時刻取得関数を差し替える。
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get はURLに対応する鮮度内のエントリを返す。
// フェッチは行わない。エントリが存在しても期限切れの場合はfalseを返す。
func (c *Cache) Get(url string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[url]
	if !ok {
		return CacheEntry{}, false
	}
	if !c.isFresh(entry) {
		return CacheEntry{}, false
	}
	return entry, true
}

// Put はURLのエントリを無条件に上書きする。
func (c *Cache) Put(url string, parsed *gofeed.Feed) {
	c.PutValidated(url, parsed, "", "")
}

// PutValidated はHTTPの検証子付きでエントリを上書きする。
func (c *Cache) PutValidated(url string, parsed *gofeed.Feed, etag, lastModified string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[url] = CacheEntry{
		URL:          url,
		Feed:         parsed,
		FetchedAt:    c.now(),
		ETag:         etag,
		LastModified: lastModified,
	}
}

// Peek は鮮度に関係なくエントリを返す。条件付きGETの検証子の取得に使う。
func (c *Cache) Peek(url string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[url]
	return entry, ok
}

// Touch は既存エントリのフェッチ時刻を現在時刻に更新する（304 Not Modified応答時）。
// エントリが存在しない場合はfalseを返す。
func (c *Cache) Touch(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[url]
	if !ok {
		return false
	}
	entry.FetchedAt = c.now()
	c.entries[url] = entry
	return true
}

// Clear は全エントリを削除する。
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]CacheEntry)
}

// Len は期限切れを含むエントリ数を返す。
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats は総数・有効数・期限切れ数を返す。
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{Total: len(c.entries), TTLSeconds: int(c.ttl.Seconds())}
	for _, entry := range c.entries {
		if c.isFresh(entry) {
			stats.Active++
		} else {
			stats.Expired++
		}
	}
	return stats
}

// TTL は設定された有効期間を返す。
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// isFresh は呼び出し側でロックを保持していることを前提とする。
func (c *Cache) isFresh(entry CacheEntry) bool {
	return c.now().Sub(entry.FetchedAt) < c.ttl
}
