package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/audiobrief/internal/model"
)

// TaskHandler は選定タスクのHTTPハンドラー。
type TaskHandler struct {
	service BriefingService
	logger  *slog.Logger
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(service BriefingService, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{service: service, logger: logger}
}

// createTaskRequest は選定タスク作成リクエストのボディ。
// ジャンル名の妥当性はサービス層でINVALID_GENREとして判定する。
type createTaskRequest struct {
	MaxArticles     int           `json:"max_articles" validate:"omitempty,min=1,max=20"`
	PreferredGenres []model.Genre `json:"preferred_genres" validate:"omitempty,max=12,dive,required"`
	ExcludedGenres  []model.Genre `json:"excluded_genres" validate:"omitempty,max=12,dive,required"`
	Tier            string        `json:"tier" validate:"omitempty,oneof=free standard premium"`
	Language        string        `json:"language" validate:"omitempty,max=16"`
	Style           string        `json:"style" validate:"omitempty,max=32"`
	Voice           string        `json:"voice" validate:"omitempty,max=64"`
	RecencyFirst    bool          `json:"recency_first"`
}

// createTaskResponse は作成直後のタスク参照。
type createTaskResponse struct {
	TaskID    string           `json:"task_id"`
	Status    model.TaskStatus `json:"status"`
	StatusURL string           `json:"status_url"`
}

// CreateTask は選定タスクを作成し、パイプラインを非同期に開始する。
// POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeErr(w, apiErr)
		return
	}

	created, err := h.service.CreateSelectionTask(r.Context(), model.SelectionRequest{
		UserID:          userID,
		MaxArticles:     req.MaxArticles,
		PreferredGenres: req.PreferredGenres,
		ExcludedGenres:  req.ExcludedGenres,
		Tier:            model.UserTier(req.Tier),
		Language:        req.Language,
		Style:           req.Style,
		Voice:           req.Voice,
		RecencyFirst:    req.RecencyFirst,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/tasks/"+created.ID)
	writeJSON(w, http.StatusAccepted, createTaskResponse{
		TaskID:    created.ID,
		Status:    created.Status,
		StatusURL: "/api/tasks/" + created.ID,
	})
}

// GetTask はタスクのスナップショットを返す。
// 他ユーザーのタスクは存在しないものとして扱う。
// GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "id")

	t, err := h.service.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if t.UserID != userID {
		writeErr(w, model.NewTaskNotFoundError(taskID))
		return
	}

	writeJSON(w, http.StatusOK, t)
}
