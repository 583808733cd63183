// Package feed はURLからフィード候補を検出する処理とfavicon取得を提供する。
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/feedsub/internal/model"
	"github.com/hitoshi/feedsub/internal/security"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
)

// maxBodySize は検出時に読み込むレスポンスボディの上限（5MB）。
const maxBodySize = 5 * 1024 * 1024

// defaultFetchTimeout は検出時のHTTPタイムアウトのデフォルト値。
const defaultFetchTimeout = 10 * time.Second

// Candidate は検出されたフィード候補を表す。
type Candidate struct {
	URL      string
	FeedType model.FeedType
	Title    string
	// SiteURL はフィードが属するサイトのURL。
	// フィードを直接取得した場合はフィード内のlink、HTMLから検出した場合はそのページのURL。
	SiteURL string
}

// Option はCandidateを利用者向けの選択肢に変換する。
func (c Candidate) Option() model.FeedOption {
	return model.FeedOption{
		Title:    c.Title,
		URL:      c.URL,
		FeedType: c.FeedType,
	}
}

// FeedDetector はURLからフィード候補を検出する。
// URLが直接フィードを指す場合は1件、HTMLページの場合は <link rel="alternate"> の全件を返す。
type FeedDetector struct {
	guard     security.URLGuard
	sanitizer security.TitleSanitizer
	timeout   time.Duration
}

// NewFeedDetector はFeedDetectorの新しいインスタンスを生成する。
// timeoutが0以下の場合はデフォルト値（10秒）を使用する。
func NewFeedDetector(guard security.URLGuard, sanitizer security.TitleSanitizer, timeout time.Duration) *FeedDetector {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &FeedDetector{
		guard:     guard,
		sanitizer: sanitizer,
		timeout:   timeout,
	}
}

// feedContentTypes はボディを見ずにフィードと判定するContent-Type。
var feedContentTypes = map[string]model.FeedType{
	"application/rss+xml":  model.FeedTypeRSS,
	"application/atom+xml": model.FeedTypeAtom,
	"application/rdf+xml":  model.FeedTypeRSS,
}

// DetectFeedType はContent-Typeとボディからフィードの種類を判定する。
// フィードでない場合は空文字列とfalseを返す。
// 汎用XMLや不明なContent-Typeの場合はgofeedでボディを嗅ぎ分ける。
func DetectFeedType(contentType string, body []byte) (model.FeedType, bool) {
	mediaType := mediaTypeOf(contentType)

	if ft, ok := feedContentTypes[mediaType]; ok {
		return ft, true
	}
	if strings.Contains(mediaType, "html") || len(body) == 0 {
		return "", false
	}

	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS:
		return model.FeedTypeRSS, true
	case gofeed.FeedTypeAtom:
		return model.FeedTypeAtom, true
	default:
		return "", false
	}
}

// ParseFeedLinksFromHTML はHTMLのheadからRSS/Atomの <link rel="alternate"> を抽出する。
// 相対URLはbaseURLを基準に絶対URLへ解決し、同じURLは最初の1件だけを残す。
func ParseFeedLinksFromHTML(htmlBody []byte, baseURL string) []Candidate {
	candidates := []Candidate{}

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return candidates
	}

	seen := make(map[string]struct{})
	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return candidates

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			switch {
			case tagName == "head":
				inHead = true
				continue
			case tagName == "body":
				return candidates
			case !inHead || tagName != "link" || !hasAttr:
				continue
			}

			var rel, linkType, href, title string
			for {
				key, val, more := tokenizer.TagAttr()
				v := string(val)
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(v)
				case "type":
					linkType = mediaTypeOf(v)
				case "href":
					href = strings.TrimSpace(v)
				case "title":
					title = v
				}
				if !more {
					break
				}
			}

			if !hasRel(rel, "alternate") || href == "" {
				continue
			}
			feedType, ok := feedContentTypes[linkType]
			if !ok {
				continue
			}

			resolved := resolveURL(baseU, href)
			if resolved == "" {
				continue
			}
			if _, dup := seen[resolved]; dup {
				continue
			}
			seen[resolved] = struct{}{}

			candidates = append(candidates, Candidate{
				URL:      resolved,
				FeedType: feedType,
				Title:    title,
				SiteURL:  baseURL,
			})

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "head" {
				return candidates
			}
		}
	}
}

// RankCandidates は候補を優先順位の高い順に安定ソートした新しいスライスを返す。
// 優先順位: 入力URLと同一ホスト(+100) > Atom(+10) > 文書中の出現順。
func RankCandidates(candidates []Candidate, inputURL string) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)

	inputHost := HostOf(inputURL)
	score := func(c Candidate) int {
		s := 0
		if inputHost != "" && HostOf(c.URL) == inputHost {
			s += 100
		}
		if c.FeedType == model.FeedTypeAtom {
			s += 10
		}
		return s
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return score(ranked[i]) > score(ranked[j])
	})
	return ranked
}

// Detect はURLを取得し、フィード候補を0件以上返す。
//
// URLの検証に失敗した場合、HTTP取得に失敗した場合、フィードの解析に失敗した場合は
// *model.APIError を返す。HTMLページにフィードリンクが無い場合はエラーではなく空スライスを返す。
func (d *FeedDetector) Detect(ctx context.Context, inputURL string) ([]Candidate, error) {
	checked, err := d.guard.Check(inputURL)
	if err != nil {
		if errors.Is(err, security.ErrBlockedURL) {
			return nil, model.NewSSRFBlockedError()
		}
		return nil, model.NewInvalidURLError(err.Error())
	}
	target := checked.String()

	contentType, body, err := d.fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	if feedType, ok := DetectFeedType(contentType, body); ok {
		c, err := d.parseDirectFeed(body, target, feedType)
		if err != nil {
			return nil, err
		}
		return []Candidate{c}, nil
	}

	if !strings.Contains(mediaTypeOf(contentType), "html") {
		return []Candidate{}, nil
	}

	candidates := ParseFeedLinksFromHTML(body, target)
	for i := range candidates {
		candidates[i].Title = d.sanitizer.Sanitize(candidates[i].Title)
	}
	return candidates, nil
}

// fetch はURLを取得し、Content-Typeとボディ（最大5MB）を返す。
func (d *FeedDetector) fetch(ctx context.Context, target string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", "Feedsub/1.0 Feed Discovery")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")

	resp, err := d.guard.NewSafeClient(d.timeout).Do(req)
	if err != nil {
		return "", nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	return resp.Header.Get("Content-Type"), body, nil
}

// parseDirectFeed はフィード本体を解析してタイトルとサイトURLを取り出す。
// gofeed.Parserは内部状態を持つため呼び出しごとに生成する。
func (d *FeedDetector) parseDirectFeed(body []byte, feedURL string, feedType model.FeedType) (Candidate, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return Candidate{}, model.NewParseFailedError()
	}

	switch parsed.FeedType {
	case "atom":
		feedType = model.FeedTypeAtom
	case "rss":
		feedType = model.FeedTypeRSS
	}

	siteURL := strings.TrimSpace(parsed.Link)
	if siteURL == "" {
		siteURL = originOf(feedURL)
	} else if base, err := url.Parse(feedURL); err == nil {
		if resolved := resolveURL(base, siteURL); resolved != "" {
			siteURL = resolved
		}
	}

	return Candidate{
		URL:      feedURL,
		FeedType: feedType,
		Title:    d.sanitizer.Sanitize(parsed.Title),
		SiteURL:  siteURL,
	}, nil
}

// HostOf はURLのホスト名を小文字で返す。解析できない場合は空文字列を返す。
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mediaType)
}

func hasRel(rel, want string) bool {
	for _, r := range strings.Fields(rel) {
		if r == want {
			return true
		}
	}
	return false
}

func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
