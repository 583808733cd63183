package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsub/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限サイズ。
const maxRequestBodyBytes = 1 << 20

// DefaultMaxFeedsPerRequest は1回の登録リクエストで受け付けるURL数のデフォルト上限。
const DefaultMaxFeedsPerRequest = 50

// SubscriptionServiceInterface は購読ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	// Subscribe はURLの一覧を解決して購読を登録する。
	Subscribe(ctx context.Context, userID string, urls []string, siteURL string) (*subscribeResponse, error)
	// ListSubscriptions はユーザーの購読一覧を返す。
	ListSubscriptions(ctx context.Context, userID string) ([]subscriptionResponse, error)
	// ExportOPML はユーザーの購読一覧をOPML文書として返す。
	ExportOPML(ctx context.Context, userID string) ([]byte, error)
	// Unsubscribe は購読を1件解除する。
	Unsubscribe(ctx context.Context, userID, subscriptionID string) error
	// BulkUnsubscribe は所有する購読のみを一括解除し、解除件数を返す。
	BulkUnsubscribe(ctx context.Context, userID string, subscriptionIDs []string) (int64, error)
	// BulkUpdate は所有する購読のみのタイトルとプッシュ設定を一括更新し、更新件数を返す。
	BulkUpdate(ctx context.Context, userID string, updates map[string]model.SubscriptionFields) (int, error)
	// UnsubscribeAll はユーザーの全購読を解除する。
	UnsubscribeAll(ctx context.Context, userID string) (int64, error)
}

// SubscriptionHandler は購読管理のHTTPハンドラー。
type SubscriptionHandler struct {
	service  SubscriptionServiceInterface
	maxFeeds int
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
// maxFeedsが0以下の場合はDefaultMaxFeedsPerRequestを使用する。
func NewSubscriptionHandler(service SubscriptionServiceInterface, maxFeeds int) *SubscriptionHandler {
	if maxFeeds <= 0 {
		maxFeeds = DefaultMaxFeedsPerRequest
	}
	return &SubscriptionHandler{
		service:  service,
		maxFeeds: maxFeeds,
	}
}

// subscriptionResponse は購読情報のAPIレスポンス。
type subscriptionResponse struct {
	ID         string    `json:"id"`
	FeedID     string    `json:"feed_id"`
	Title      string    `json:"title"`
	FeedTitle  string    `json:"feed_title"`
	FeedURL    string    `json:"feed_url"`
	SiteURL    string    `json:"site_url,omitempty"`
	FaviconURL *string   `json:"favicon_url,omitempty"`
	Push       bool      `json:"push"`
	CreatedAt  time.Time `json:"created_at"`
}

// feedResponse は登録に成功したフィードのAPIレスポンス。
type feedResponse struct {
	ID      string `json:"id"`
	FeedURL string `json:"feed_url"`
	SiteURL string `json:"site_url,omitempty"`
	Title   string `json:"title"`
}

// feedOptionResponse は選択が必要なフィード候補のAPIレスポンス。
type feedOptionResponse struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	FeedType string `json:"feed_type"`
}

// subscribeResponse は購読登録のAPIレスポンス。
// feeds、selected_feed_id、favicon_hash は登録に成功したフィードがある場合のみ含める。
type subscribeResponse struct {
	Success        []feedResponse         `json:"success"`
	Options        [][]feedOptionResponse `json:"options"`
	Failed         []string               `json:"failed"`
	Feeds          []subscriptionResponse `json:"feeds,omitempty"`
	SelectedFeedID string                 `json:"selected_feed_id,omitempty"`
	FaviconHash    string                 `json:"favicon_hash,omitempty"`
}

// subscribeRequest は購読登録リクエストのボディ。
type subscribeRequest struct {
	Feeds   []string `json:"feeds"`
	SiteURL string   `json:"site_url"`
}

// bulkDeleteRequest は一括解除リクエストのボディ。
type bulkDeleteRequest struct {
	SubscriptionIDs []string `json:"subscription_ids"`
}

// subscriptionFieldsRequest は一括更新で変更できるフィールド。
type subscriptionFieldsRequest struct {
	Title *string `json:"title"`
	Push  *bool   `json:"push"`
}

// bulkPatchRequest は一括操作リクエストのボディ。
// unsubscribeがtrueならsubscription_idsを解除し、それ以外はsubscriptionsの内容で更新する。
type bulkPatchRequest struct {
	Unsubscribe     bool                                 `json:"unsubscribe"`
	SubscriptionIDs []string                             `json:"subscription_ids"`
	Subscriptions   map[string]subscriptionFieldsRequest `json:"subscriptions"`
}

// decodeJSONBody はボディサイズを制限してJSONをデコードする。
// 失敗した場合はINVALID_REQUESTを書き込んでfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// Subscribe はURLの一覧を購読登録する。
// POST /api/subscriptions
//
// 1件でも登録に成功すれば201、それ以外は200を返す。
// 個々のURLの失敗はリクエスト全体のエラーにしない。
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req subscribeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	urls := make([]string, 0, len(req.Feeds))
	for _, u := range req.Feeds {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewNoFeedsSubmittedError())
		return
	}
	if len(urls) > h.maxFeeds {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewTooManyFeedsError(h.maxFeeds))
		return
	}

	resp, err := h.service.Subscribe(r.Context(), userID, urls, strings.TrimSpace(req.SiteURL))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if len(resp.Success) > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// ListSubscriptions はユーザーの購読一覧を取得する。
// GET /api/subscriptions
func (h *SubscriptionHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	subs, err := h.service.ListSubscriptions(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if subs == nil {
		subs = []subscriptionResponse{}
	}

	writeJSON(w, http.StatusOK, subs)
}

// ExportOPML はユーザーの購読一覧をOPMLとしてダウンロードさせる。
// GET /api/subscriptions/export
func (h *SubscriptionHandler) ExportOPML(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	doc, err := h.service.ExportOPML(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/x-opml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="subscriptions.opml"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc); err != nil {
		slog.ErrorContext(r.Context(), "OPMLの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

// Unsubscribe は購読を1件解除する。
// DELETE /api/subscriptions/{id}
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Unsubscribe(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BulkUnsubscribe は指定された購読を一括解除する。所有していないIDは黙って無視する。
// DELETE /api/subscriptions
func (h *SubscriptionHandler) BulkUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req bulkDeleteRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if _, err := h.service.BulkUnsubscribe(r.Context(), userID, req.SubscriptionIDs); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeAll はユーザーの全購読を解除する。
// DELETE /api/subscriptions/all
func (h *SubscriptionHandler) UnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if _, err := h.service.UnsubscribeAll(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BulkPatch は一括解除または一括更新を行う。
// PATCH /api/subscriptions
func (h *SubscriptionHandler) BulkPatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req bulkPatchRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Unsubscribe {
		deleted, err := h.service.BulkUnsubscribe(r.Context(), userID, req.SubscriptionIDs)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
		return
	}

	updates := make(map[string]model.SubscriptionFields, len(req.Subscriptions))
	for id, f := range req.Subscriptions {
		updates[id] = model.SubscriptionFields{Title: f.Title, Push: f.Push}
	}

	updated, err := h.service.BulkUpdate(r.Context(), userID, updates)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
