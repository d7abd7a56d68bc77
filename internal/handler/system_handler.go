package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker は依存先の疎通確認を行う。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SystemHandler はヘルスチェックとフィードキャッシュ管理のHTTPハンドラー。
type SystemHandler struct {
	service BriefingService
	health  HealthChecker
	logger  *slog.Logger
}

// NewSystemHandler はSystemHandlerを生成する。healthはnilでもよい。
func NewSystemHandler(service BriefingService, health HealthChecker, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{service: service, health: health, logger: logger}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health はプロセスと永続化層の状態を返す。
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.PingContext(ctx); err != nil {
			h.logger.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// FeedCacheStats はフィードキャッシュの統計を返す。
// GET /api/feed-cache/stats
func (h *SystemHandler) FeedCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.FeedCacheStats())
}

// ClearFeedCache はフィードキャッシュを全削除する。
// DELETE /api/feed-cache
func (h *SystemHandler) ClearFeedCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearFeedCache()
	w.WriteHeader(http.StatusNoContent)
}
