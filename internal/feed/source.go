package feed

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source はRSS取得元1件を表す。
type Source struct {
	Name     string `yaml:"name" json:"name"`
	URL      string `yaml:"url" json:"url"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	Language string `yaml:"language,omitempty" json:"language,omitempty"`
}

// catalogFile はソースカタログYAMLのルート構造。
type catalogFile struct {
	Sources []Source `yaml:"sources"`
}

// ErrInvalidSource はソース定義が不正な場合のエラー。
var ErrInvalidSource = errors.New("invalid feed source")

// Validate はソース定義を検証する。
func (s Source) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidSource)
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid url %q", ErrInvalidSource, s.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSource, u.Scheme)
	}
	return nil
}

// LoadCatalog はYAMLファイルからソースカタログを読み込む。
// pathが空の場合はDefaultCatalogを返す。
func LoadCatalog(path string) ([]Source, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ソースカタログの読み込みに失敗: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog はYAMLバイト列をパースし、検証・URL重複除去済みのソース一覧を返す。
func ParseCatalog(data []byte) ([]Source, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ソースカタログのパースに失敗: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, fmt.Errorf("%w: catalog has no sources", ErrInvalidSource)
	}

	seen := make(map[string]struct{}, len(file.Sources))
	sources := make([]Source, 0, len(file.Sources))
	for i, s := range file.Sources {
		s.Name = strings.TrimSpace(s.Name)
		s.URL = strings.TrimSpace(s.URL)
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[s.URL]; dup {
			continue
		}
		seen[s.URL] = struct{}{}
		sources = append(sources, s)
	}
	return sources, nil
}

// DefaultCatalog は組み込みのソースカタログを返す。
func DefaultCatalog() []Source {
	return []Source{
		{Name: "NHKニュース 主要", URL: "https://www3.nhk.or.jp/rss/news/cat0.xml", Category: "general", Language: "ja"},
		{Name: "NHKニュース 経済", URL: "https://www3.nhk.or.jp/rss/news/cat5.xml", Category: "economy", Language: "ja"},
		{Name: "NHKニュース 国際", URL: "https://www3.nhk.or.jp/rss/news/cat6.xml", Category: "international", Language: "ja"},
		{Name: "ITmedia NEWS", URL: "https://rss.itmedia.co.jp/rss/2.0/news_bursts.xml", Category: "technology", Language: "ja"},
		{Name: "BBC News Technology", URL: "https://feeds.bbci.co.uk/news/technology/rss.xml", Category: "technology", Language: "en"},
		{Name: "BBC News Business", URL: "https://feeds.bbci.co.uk/news/business/rss.xml", Category: "economy", Language: "en"},
		{Name: "BBC Sport", URL: "https://feeds.bbci.co.uk/sport/rss.xml", Category: "sports", Language: "en"},
		{Name: "BBC Science", URL: "https://feeds.bbci.co.uk/news/science_and_environment/rss.xml", Category: "science", Language: "en"},
	}
}
