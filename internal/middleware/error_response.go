package middleware

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hitoshi/audiobrief/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードごとのHTTPステータス。
var statusByCode = map[string]int{
	model.ErrCodeInvalidRequest:   http.StatusBadRequest,
	model.ErrCodeInvalidGenre:     http.StatusBadRequest,
	model.ErrCodeInvalidType:      http.StatusBadRequest,
	model.ErrCodeUnauthorized:     http.StatusUnauthorized,
	model.ErrCodeTaskNotFound:     http.StatusNotFound,
	model.ErrCodeScheduleNotFound: http.StatusNotFound,
	model.ErrCodeTooManyInFlight:  http.StatusConflict,
	model.ErrCodeRateLimited:      http.StatusTooManyRequests,
	model.ErrCodeNoArticles:       http.StatusUnprocessableEntity,
	model.ErrCodeGenerationFailed: http.StatusBadGateway,
	model.ErrCodeInternal:         http.StatusInternalServerError,
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。未知のコードは500。
func StatusForCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteAPIError はAPIErrorのコードからステータスを決めて書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
