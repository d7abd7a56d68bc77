package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/audiobrief/internal/model"
)

// PreferenceHandler は嗜好プロファイルとインタラクション記録のHTTPハンドラー。
type PreferenceHandler struct {
	service BriefingService
	logger  *slog.Logger
}

// NewPreferenceHandler はPreferenceHandlerを生成する。
func NewPreferenceHandler(service BriefingService, logger *slog.Logger) *PreferenceHandler {
	return &PreferenceHandler{service: service, logger: logger}
}

// interactionRequest はインタラクション記録リクエストのボディ。
// interaction_typeの空文字列はサービス層でINVALID_INTERACTION_TYPEとして扱う。
type interactionRequest struct {
	ArticleID       string                     `json:"article_id" validate:"max=256"`
	AudioID         string                     `json:"audio_id" validate:"max=256"`
	InteractionType string                     `json:"interaction_type" validate:"max=64"`
	Genre           model.Genre                `json:"genre" validate:"max=64"`
	Timestamp       *time.Time                 `json:"timestamp"`
	Metadata        *model.InteractionMetadata `json:"metadata"`
}

// RecordInteraction はユーザー行動を学習に反映し、更新後の要約を返す。
// POST /api/interactions
func (h *PreferenceHandler) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req interactionRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	if req.Metadata != nil && req.Metadata.CompletionPercent != nil {
		if p := *req.Metadata.CompletionPercent; p < 0 || p > 100 {
			writeErr(w, model.NewInvalidRequestError("completion_percent は 0〜100 の範囲で指定してください"))
			return
		}
	}

	it := model.Interaction{
		ArticleID: req.ArticleID,
		AudioID:   req.AudioID,
		Type:      model.InteractionType(req.InteractionType),
		Genre:     req.Genre,
		Metadata:  req.Metadata,
	}
	if req.Timestamp != nil {
		it.Timestamp = *req.Timestamp
	}

	summary, err := h.service.RecordInteraction(r.Context(), userID, it)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetPreferences は嗜好プロファイルの要約を返す。
// GET /api/preferences
func (h *PreferenceHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	summary, err := h.service.GetPreferences(r.Context(), userID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ResetPreferences は嗜好プロファイルを初期状態に戻す。
// DELETE /api/preferences
func (h *PreferenceHandler) ResetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.ResetPreferences(r.Context(), userID); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
