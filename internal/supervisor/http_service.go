package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer は*http.Serverのライフサイクルメソッド。
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService はHTTPサーバーをsuture.Serviceとして扱うラッパー。
// コンテキストがキャンセルされるとShutdownでグレースフルに停止する。
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

var _ HTTPServer = (*http.Server)(nil)

// NewHTTPService は新しいHTTPServiceを生成する。
// shutdownTimeoutが0以下の場合は10秒を使う。
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve はサーバーを起動し、停止要求かサーバーエラーまでブロックする。
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// 元のコンテキストはキャンセル済みのため新しいコンテキストで停止する
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}
