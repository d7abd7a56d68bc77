package generation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/audiobrief/internal/model"
	"github.com/hitoshi/audiobrief/internal/security"
)

// digestPhrases は言語ごとの定型文。
type digestPhrases struct {
	opening   string // %d: 記事数
	item      string // %d: 番号, %s: ソース名, %s: タイトル
	closing   string
	separator string
}

var (
	jaPhrases = digestPhrases{
		opening:   "ニュースブリーフィングです。今回は%d本のニュースをお伝えします。",
		item:      "%d本目、%sから。%s。",
		closing:   "以上、ニュースブリーフィングでした。",
		separator: "",
	}
	enPhrases = digestPhrases{
		opening:   "Here is your news briefing with %d stories.",
		item:      "Story %d, from %s: %s.",
		closing:   "That's all for this briefing.",
		separator: " ",
	}
)

// DigestScriptGenerator は外部APIを使わずにタイトルとサマリーから台本を組み立てる。
// 記事ごとのサマリーはPerArticleの文字数に収まるよう切り詰める。
type DigestScriptGenerator struct{}

// NewDigestScriptGenerator はDigestScriptGeneratorを生成する。
func NewDigestScriptGenerator() *DigestScriptGenerator {
	return &DigestScriptGenerator{}
}

// GenerateScript は台本を生成する。記事がない場合はErrGenerationを返す。
func (g *DigestScriptGenerator) GenerateScript(ctx context.Context, req ScriptRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", wrapGenerationError("台本生成", err)
	}
	if len(req.Articles) == 0 {
		return "", fmt.Errorf("%w: 台本生成: 記事がありません", model.ErrGeneration)
	}

	phrases := jaPhrases
	if strings.HasPrefix(strings.ToLower(req.Language), "en") {
		phrases = enPhrases
	}

	perArticle := req.PerArticle
	if perArticle <= 0 && req.TargetLength > 0 {
		perArticle = req.TargetLength / len(req.Articles)
	}

	parts := make([]string, 0, len(req.Articles)+2)
	parts = append(parts, fmt.Sprintf(phrases.opening, len(req.Articles)))
	for i, a := range req.Articles {
		source := a.SourceName
		if source == "" {
			source = "news"
			if phrases == jaPhrases {
				source = "ニュースサイト"
			}
		}
		head := fmt.Sprintf(phrases.item, i+1, source, strings.TrimSpace(a.Title))
		segment := head
		if summary := strings.TrimSpace(a.Summary); summary != "" {
			budget := perArticle - utf8.RuneCountInString(head)
			if perArticle <= 0 {
				budget = utf8.RuneCountInString(summary)
			}
			if budget > 0 {
				segment = head + phrases.separator + security.Truncate(summary, budget)
			}
		}
		parts = append(parts, segment)
	}
	parts = append(parts, phrases.closing)

	return strings.Join(parts, "\n"), nil
}
