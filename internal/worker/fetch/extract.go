package fetch

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/hitoshi/audiobrief/internal/feed"
	"github.com/hitoshi/audiobrief/internal/model"
	"github.com/hitoshi/audiobrief/internal/security"
)

// 抽出時のフィールド長上限（rune数）
const (
	maxTitleRunes   = 300
	maxSummaryRunes = 1000
	maxContentRunes = 8000
)

// extract はパース済みフィードから記事を取り出す。
// 新しい順に並べ、ソースあたりMaxItemsPerSource件を上限とする。
// タイトルとサマリーがともに空の記事は捨てる。
func (f *Fetcher) extract(src feed.Source, parsed *gofeed.Feed) []model.Article {
	if parsed == nil || len(parsed.Items) == 0 {
		return []model.Article{}
	}

	items := make([]*gofeed.Item, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item != nil {
			items = append(items, item)
		}
	}
	sortNewestFirst(items)
	if len(items) > f.cfg.MaxItemsPerSource {
		items = items[:f.cfg.MaxItemsPerSource]
	}

	sourceName := strings.TrimSpace(src.Name)
	if sourceName == "" {
		sourceName = strings.TrimSpace(parsed.Title)
	}

	articles := make([]model.Article, 0, len(items))
	skipped := 0
	for _, item := range items {
		article := f.toArticle(item, sourceName)
		if !article.IsValid() {
			skipped++
			continue
		}
		articles = append(articles, article)
	}

	if skipped > 0 {
		f.logger.Debug("タイトルとサマリーが空の記事をスキップしました",
			slog.String("source_url", src.URL),
			slog.Int("skipped", skipped),
		)
	}
	return articles
}

func (f *Fetcher) toArticle(item *gofeed.Item, sourceName string) model.Article {
	title := security.Truncate(f.extractor.PlainText(item.Title), maxTitleRunes)
	summary := security.Truncate(f.extractor.PlainText(item.Description), maxSummaryRunes)
	content := security.Truncate(f.extractor.PlainText(item.Content), maxContentRunes)
	if summary == "" && content != "" {
		summary = security.Truncate(content, maxSummaryRunes)
	}

	link := strings.TrimSpace(item.Link)
	if link == "" && isHTTPURL(item.GUID) {
		link = strings.TrimSpace(item.GUID)
	}

	return model.Article{
		ID:           f.newID(),
		Title:        title,
		Summary:      summary,
		Content:      content,
		Link:         link,
		Published:    publishedString(item),
		SourceName:   sourceName,
		Genre:        model.NormalizeGenre(f.classifier.Classify(title, summary)),
		ThumbnailURL: findThumbnail(item, link),
	}
}

// sortNewestFirst は公開日時の新しい順に安定ソートする。日時のない記事は末尾に回す。
func sortNewestFirst(items []*gofeed.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, iok := itemTime(items[i])
		tj, jok := itemTime(items[j])
		switch {
		case iok && jok:
			return ti.After(tj)
		case iok:
			return true
		default:
			return false
		}
	})
}

func itemTime(item *gofeed.Item) (time.Time, bool) {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed, true
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed, true
	}
	return time.Time{}, false
}

// publishedString はRFC3339（UTC）の公開日時を返す。不明な場合は空文字列。
func publishedString(item *gofeed.Item) string {
	t, ok := itemTime(item)
	if !ok {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// findThumbnail は記事のサムネイルURLを次の順で探す。
//  1. item.Image
//  2. 画像タイプのエンクロージャ
//  3. media:thumbnail / media:content 拡張
//  4. 本文・説明文HTML中の最初の<img>
func findThumbnail(item *gofeed.Item, link string) string {
	if item.Image != nil && item.Image.URL != "" {
		return resolveURL(item.Image.URL, link)
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(strings.ToLower(enc.Type), "image/") {
			return resolveURL(enc.URL, link)
		}
	}
	if u := mediaThumbnail(item.Extensions); u != "" {
		return resolveURL(u, link)
	}
	for _, html := range []string{item.Content, item.Description} {
		if u := firstImageSrc(html); u != "" {
			return resolveURL(u, link)
		}
	}
	return ""
}

func mediaThumbnail(extensions ext.Extensions) string {
	media, ok := extensions["media"]
	if !ok {
		return ""
	}
	for _, name := range []string{"thumbnail", "content"} {
		for _, e := range media[name] {
			if u := e.Attrs["url"]; u != "" {
				if name == "content" && !isImageMedia(e) {
					continue
				}
				return u
			}
		}
	}
	// media:group配下のmedia:thumbnail
	for _, group := range media["group"] {
		for _, e := range group.Children["thumbnail"] {
			if u := e.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	return ""
}

func isImageMedia(e ext.Extension) bool {
	if medium := e.Attrs["medium"]; medium != "" {
		return medium == "image"
	}
	t := e.Attrs["type"]
	return t == "" || strings.HasPrefix(strings.ToLower(t), "image/")
}

func firstImageSrc(rawHTML string) string {
	if !strings.Contains(strings.ToLower(rawHTML), "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return strings.TrimSpace(src)
}

// resolveURL は相対URLを記事リンク基準で絶対URLに解決する。
// http/https以外になる場合は空文字列を返す。
func resolveURL(raw, base string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if !ref.IsAbs() {
		baseURL, err := url.Parse(base)
		if err != nil || base == "" {
			return ""
		}
		ref = baseURL.ResolveReference(ref)
	}
	if !isHTTPURL(ref.String()) {
		return ""
	}
	return ref.String()
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
