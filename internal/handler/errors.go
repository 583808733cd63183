package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedsub/internal/middleware"
	"github.com/hitoshi/feedsub/internal/model"
)

// apiErrorResponse はエラーレスポンスのJSONボディ。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("レスポンスのエンコードに失敗しました", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSON(w, statusCode, apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// APIError以外のエラーは詳細をログにのみ記録し、500を返す。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	slog.ErrorContext(r.Context(), "内部エラーが発生しました",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidURL,
		model.ErrCodeInvalidRequest,
		model.ErrCodeNoFeedsSubmitted,
		model.ErrCodeTooManyFeeds:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeSubscriptionNotFound:
		return http.StatusNotFound
	case model.ErrCodeFeedNotDetected, model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// requireUserID はコンテキストからユーザーIDを取り出す。
// 取り出せない場合は401を書き込んでfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
