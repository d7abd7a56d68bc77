package feed

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LinkType はHTMLから検出したフィードリンクの種類。
type LinkType string

const (
	LinkTypeRSS  LinkType = "rss"
	LinkTypeAtom LinkType = "atom"
)

// FeedLink はHTMLのheadから検出したフィード候補。
type FeedLink struct {
	URL   string
	Type  LinkType
	Title string
}

// sniffSize はフィード判定で検査するボディ先頭のバイト数。
const sniffSize = 4096

// mediaType はContent-Typeからパラメータを除いた小文字のメディアタイプを返す。
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// IsHTML はContent-TypeがHTMLかを判定する。
func IsHTML(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// LooksLikeFeed はContent-Typeとボディ先頭からRSS/Atom文書かを判定する。
func LooksLikeFeed(contentType string, body []byte) bool {
	switch mediaType(contentType) {
	case "application/rss+xml", "application/atom+xml":
		return true
	case "text/xml", "application/xml":
	default:
		return false
	}

	head := body
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	prefix := strings.ToLower(string(head))
	switch {
	case strings.Contains(prefix, "<rss"), strings.Contains(prefix, "<rdf:rdf"):
		return true
	case strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom"):
		return true
	}
	return false
}

// DiscoverFeedLinks はHTMLのhead内にある rel="alternate" のRSS/Atomリンクを文書順に返す。
// 相対URLはpageURLを基準に解決する。
func DiscoverFeedLinks(htmlBody []byte, pageURL string) []FeedLink {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
	if err != nil {
		return nil
	}

	var links []FeedLink
	doc.Find("head link[href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		if !containsToken(rel, "alternate") {
			return
		}

		var lt LinkType
		switch strings.ToLower(strings.TrimSpace(s.AttrOr("type", ""))) {
		case "application/rss+xml":
			lt = LinkTypeRSS
		case "application/atom+xml":
			lt = LinkTypeAtom
		default:
			return
		}

		ref, err := url.Parse(strings.TrimSpace(s.AttrOr("href", "")))
		if err != nil {
			return
		}
		links = append(links, FeedLink{
			URL:   base.ResolveReference(ref).String(),
			Type:  lt,
			Title: strings.TrimSpace(s.AttrOr("title", "")),
		})
	})
	return links
}

// SelectFeedLink は候補から1件を選ぶ。
// 優先順位: 同一ホスト > Atom > 文書順。候補がない場合はnilを返す。
func SelectFeedLink(links []FeedLink, pageURL string) *FeedLink {
	if len(links) == 0 {
		return nil
	}
	pageHost := hostOf(pageURL)

	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == pageHost {
			score += 100
		}
		if l.Type == LinkTypeAtom {
			score += 10
		}
		// 同点の場合は先に現れた候補を残す
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return &links[best]
}

func containsToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if f == token {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
