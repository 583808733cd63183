package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/feedsub/internal/security"
)

// maxFaviconSize はfaviconの最大サイズ（2MB）。
const maxFaviconSize = 2 * 1024 * 1024

// defaultFaviconTimeout はfavicon取得のタイムアウトのデフォルト値。
const defaultFaviconTimeout = 5 * time.Second

// FaviconFetcher はfavicon取得機能の実装。
// 取得に失敗した場合はnilデータと空MIMEを返し、エラーは返さない。
type FaviconFetcher struct {
	guard   security.URLGuard
	timeout time.Duration
	logger  *slog.Logger
}

// NewFaviconFetcher はFaviconFetcherの新しいインスタンスを生成する。
func NewFaviconFetcher(guard security.URLGuard, timeout time.Duration, logger *slog.Logger) *FaviconFetcher {
	if timeout <= 0 {
		timeout = defaultFaviconTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FaviconFetcher{
		guard:   guard,
		timeout: timeout,
		logger:  logger,
	}
}

// FetchFavicon は指定URLからfaviconを取得する。
// 取得できなかったfaviconはnullとして保存されるため、失敗はログにのみ記録する。
func (f *FaviconFetcher) FetchFavicon(ctx context.Context, faviconURL string) ([]byte, string, error) {
	if faviconURL == "" {
		return nil, "", nil
	}

	checked, err := f.guard.Check(faviconURL)
	if err != nil {
		f.logger.Warn("favicon取得: URL検証で拒否", "url", faviconURL, "error", err)
		return nil, "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checked.String(), nil)
	if err != nil {
		f.logger.Warn("favicon取得: リクエスト作成失敗", "url", faviconURL, "error", err)
		return nil, "", nil
	}
	req.Header.Set("User-Agent", "Feedsub/1.0 Favicon Fetcher")

	resp, err := f.guard.NewSafeClient(f.timeout).Do(req)
	if err != nil {
		f.logger.Warn("favicon取得: HTTPリクエスト失敗", "url", faviconURL, "error", err)
		return nil, "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Warn("favicon取得: HTTPステータス異常", "url", faviconURL, "status", resp.StatusCode)
		return nil, "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFaviconSize+1))
	if err != nil {
		f.logger.Warn("favicon取得: レスポンス読み取り失敗", "url", faviconURL, "error", err)
		return nil, "", nil
	}
	if len(body) > maxFaviconSize {
		f.logger.Warn("favicon取得: サイズ超過", "url", faviconURL, "size", len(body))
		return nil, "", nil
	}

	mimeType := mediaTypeOf(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		f.logger.Warn("favicon取得: 画像以外のContent-Type", "url", faviconURL, "contentType", mimeType)
		return nil, "", nil
	}

	return body, mimeType, nil
}

// FetchFaviconForSite はサイトの /favicon.ico を取得する。
func (f *FaviconFetcher) FetchFaviconForSite(ctx context.Context, siteURL string) ([]byte, string, error) {
	faviconURL := guessDefaultFaviconURL(siteURL)
	if faviconURL == "" {
		return nil, "", nil
	}
	return f.FetchFavicon(ctx, faviconURL)
}

// guessDefaultFaviconURL はサイトURLから /favicon.ico のURLを組み立てる。
func guessDefaultFaviconURL(siteURL string) string {
	if siteURL == "" {
		return ""
	}

	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return ""
	}

	u.Path = "/favicon.ico"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil

	return u.String()
}
