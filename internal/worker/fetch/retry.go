package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultStop は再試行しても成功しないステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultRetry は再試行対象のステータス（429/5xx）。
	FetchResultRetry
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// defaultRetryBaseDelay は再試行の初回遅延。
	defaultRetryBaseDelay = 500 * time.Millisecond
	// maxRetryDelay は再試行遅延の上限。Retry-Afterもこの値で打ち切る。
	maxRetryDelay = 5 * time.Second
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == http.StatusOK:
		return FetchResultOK
	case statusCode == http.StatusNotModified:
		return FetchResultNotModified
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return FetchResultStop
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return FetchResultStop
	case statusCode == http.StatusTooManyRequests:
		return FetchResultRetry
	case statusCode >= 500:
		return FetchResultRetry
	default:
		return FetchResultUnknown
	}
}

// RetryDelay は再試行回数（0始まり）に応じた遅延を返す。
// baseから2倍ずつ増加し、maxRetryDelayで打ち切る。
// Retry-Afterヘッダー（秒数）が指定されている場合はそちらを優先する。
func RetryDelay(attempt int, base time.Duration, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d > maxRetryDelay {
			return maxRetryDelay
		}
		return d
	}
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// ErrorKind はソース単位のエラー分類。
type ErrorKind string

const (
	// ErrorKindTransient はタイムアウト、5xx、接続断などの一時的エラー。
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindParse はフィードの形式不正。
	ErrorKindParse ErrorKind = "parse"
	// ErrorKindStop は404/403など再試行しても成功しないエラー。
	ErrorKindStop ErrorKind = "stop"
	// ErrorKindBlocked はSSRF防止ポリシーにより拒否されたURL。
	ErrorKindBlocked ErrorKind = "blocked"
)

// SourceError はソース1件のフェッチ・パースの失敗を表す。
// FetchManyはこのエラーをログに記録して吸収し、呼び出し側には返さない。
type SourceError struct {
	URL        string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source %s: %s: %v", e.URL, e.Kind, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *SourceError) Unwrap() error {
	return e.Err
}

// Retryable は再試行対象のエラーかを判定する。
func (e *SourceError) Retryable() bool {
	return e.Kind == ErrorKindTransient
}

// kindOf はエラーからErrorKindを取り出す。SourceError以外は一時的エラーとして扱う。
func kindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindTransient
}
