package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/audiobrief/internal/model"
)

// ScheduleHandler は定期実行スケジュールのHTTPハンドラー。
type ScheduleHandler struct {
	service BriefingService
	logger  *slog.Logger
}

// NewScheduleHandler はScheduleHandlerを生成する。
func NewScheduleHandler(service BriefingService, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{service: service, logger: logger}
}

// createScheduleRequest はスケジュール登録リクエストのボディ。
// 間隔の範囲はサービス層で検証する。
type createScheduleRequest struct {
	MaxArticles     int           `json:"max_articles" validate:"omitempty,min=1,max=20"`
	PreferredGenres []model.Genre `json:"preferred_genres" validate:"omitempty,max=12,dive,required"`
	ExcludedGenres  []model.Genre `json:"excluded_genres" validate:"omitempty,max=12,dive,required"`
	Tier            string        `json:"tier" validate:"omitempty,oneof=free standard premium"`
	Language        string        `json:"language" validate:"omitempty,max=16"`
	Voice           string        `json:"voice" validate:"omitempty,max=64"`
	IntervalMinutes int           `json:"interval_minutes" validate:"required"`
}

type scheduleListResponse struct {
	Schedules []*model.Schedule `json:"schedules"`
}

// ListSchedules はユーザーのスケジュール一覧を返す。
// GET /api/schedules
func (h *ScheduleHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListSchedules(r.Context(), userID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleListResponse{Schedules: list})
}

// CreateSchedule は定期実行スケジュールを登録する。
// POST /api/schedules
func (h *ScheduleHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createScheduleRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeErr(w, apiErr)
		return
	}

	created, err := h.service.CreateSchedule(r.Context(), &model.Schedule{
		UserID:          userID,
		MaxArticles:     req.MaxArticles,
		PreferredGenres: req.PreferredGenres,
		ExcludedGenres:  req.ExcludedGenres,
		Tier:            model.UserTier(req.Tier),
		Language:        req.Language,
		Voice:           req.Voice,
		IntervalMinutes: req.IntervalMinutes,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// DeleteSchedule はユーザー自身のスケジュールを削除する。
// DELETE /api/schedules/{id}
func (h *ScheduleHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	scheduleID := chi.URLParam(r, "id")

	if err := h.service.DeleteSchedule(r.Context(), userID, scheduleID); err != nil {
		if errors.Is(err, model.ErrScheduleNotFound) {
			writeErr(w, model.NewScheduleNotFoundError(scheduleID))
			return
		}
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
