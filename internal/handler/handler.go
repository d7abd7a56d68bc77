// Package handler はコア操作を公開するHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hitoshi/audiobrief/internal/feed"
	"github.com/hitoshi/audiobrief/internal/middleware"
	"github.com/hitoshi/audiobrief/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 64 * 1024

// BriefingService はハンドラーが必要とするコア操作のインターフェース。
// briefing.Serviceが実装する。
type BriefingService interface {
	CreateSelectionTask(ctx context.Context, req model.SelectionRequest) (*model.Task, error)
	GetTaskStatus(ctx context.Context, taskID string) (*model.Task, error)
	RecordInteraction(ctx context.Context, userID string, it model.Interaction) (model.ProfileSummary, error)
	GetPreferences(ctx context.Context, userID string) (model.ProfileSummary, error)
	ResetPreferences(ctx context.Context, userID string) error
	ClearFeedCache()
	FeedCacheStats() feed.CacheStats
	CreateSchedule(ctx context.Context, sched *model.Schedule) (*model.Schedule, error)
	ListSchedules(ctx context.Context, userID string) ([]*model.Schedule, error)
	DeleteSchedule(ctx context.Context, userID, scheduleID string) error
}

// validate はリクエストボディの検証に使う共有インスタンス。
// エラーメッセージにはJSONのフィールド名を使う。
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON はリクエストボディをデコードして検証する。
// 失敗時は統一フォーマットのAPIErrorを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewInvalidRequestError("リクエストボディが空です")
		}
		return model.NewInvalidRequestError("JSONの解析に失敗しました")
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError は検証エラーの先頭1件をAPIErrorに変換する。
func validationError(err error) *model.APIError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return model.NewInvalidRequestError(err.Error())
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return model.NewInvalidRequestError(fmt.Sprintf("%s が条件 %s=%s を満たしていません", fe.Field(), fe.Tag(), fe.Param()))
	}
	return model.NewInvalidRequestError(fmt.Sprintf("%s が条件 %s を満たしていません", fe.Field(), fe.Tag()))
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requireUserID はコンテキストからユーザーIDを取り出す。取れない場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// handleServiceError はサービス層から返されたエラーを統一フォーマットで書き込む。
// APIError以外は内部エラーとしてログに残し、詳細はレスポンスに含めない。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	switch {
	case errors.Is(err, model.ErrTaskNotFound):
		middleware.WriteAPIError(w, model.NewTaskNotFoundError(""))
		return
	case errors.Is(err, model.ErrScheduleNotFound):
		middleware.WriteAPIError(w, model.NewScheduleNotFoundError(""))
		return
	}

	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

func writeErr(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteAPIError(w, apiErr)
}
