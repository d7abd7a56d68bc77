// Package security はRSS取得時のSSRF防止と、記事本文のHTML除去を提供する。
//
// TextExtractorService はフィード記事のHTMLから読み上げ用のプレーンテキストを取り出す。
// bluemondayのStrictPolicyで全タグを除去したうえで、
// HTMLエンティティの復元と空白の正規化を行う。
package security

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextExtractorService はHTMLからプレーンテキストを取り出す機能のインターフェース。
type TextExtractorService interface {
	// PlainText はHTMLの全タグを除去し、エンティティを復元して空白を1つにまとめたテキストを返す。
	// script/style要素の中身は出力に含まれない。
	PlainText(rawHTML string) string
}

// blockBoundary はブロック要素の境界。タグ除去後に単語が連結されないよう空白を挿入する。
var blockBoundary = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/h[1-6]|/tr|/blockquote)\s*/?>`)

// whitespaceRun は連続する空白文字。
var whitespaceRun = regexp.MustCompile(`\s+`)

// textExtractor はTextExtractorServiceの実装。
// bluemondayのポリシーはスレッドセーフなため、1インスタンスを共有する。
type textExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorServiceの新しいインスタンスを生成する。
func NewTextExtractor() *textExtractor {
	return &textExtractor{
		policy: bluemonday.StrictPolicy(),
	}
}

// PlainText はHTMLからプレーンテキストを取り出す。
func (e *textExtractor) PlainText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	withBreaks := blockBoundary.ReplaceAllString(rawHTML, " ")
	stripped := e.policy.Sanitize(withBreaks)
	// StrictPolicyはエスケープ済みテキストを返すため、読み上げ用に復元する
	text := html.UnescapeString(stripped)
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Truncate はテキストをmaxRunes文字以内に切り詰める。
// 切り詰めた場合は末尾に「…」を付与する。
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}
