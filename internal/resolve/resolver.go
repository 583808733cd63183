package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/feedsub/internal/feed"
	"github.com/hitoshi/feedsub/internal/metrics"
	"github.com/hitoshi/feedsub/internal/model"
	"github.com/hitoshi/feedsub/internal/repository"
)

// DefaultTimeout は1件の解決にかける時間の上限のデフォルト値。
const DefaultTimeout = 10 * time.Second

// Stage は障害の発生箇所を表す。
type Stage string

const (
	StageDiscovery Stage = "discovery"
	StageTimeout   Stage = "timeout"
	StagePanic     Stage = "panic"
	StagePersist   Stage = "persist"
)

// Detector はURLからフィード候補を検出する外部コラボレーター。
// feed.FeedDetector が実装する。
type Detector interface {
	Detect(ctx context.Context, rawURL string) ([]feed.Candidate, error)
}

// ErrorReporter は解決中に発生した障害を記録する。
// 記録された障害は利用者には返さない。
type ErrorReporter interface {
	Report(ctx context.Context, stage Stage, rawURL string, err error)
}

// Resolver は入力URLを1つのフィードに解決する。
// 複数のゴルーチンから同時に呼び出してよい。
type Resolver struct {
	detector Detector
	feeds    repository.FeedRepository
	reporter ErrorReporter
	metrics  metrics.MetricsCollector
	timeout  time.Duration
}

// NewResolver はResolverを生成する。timeoutが0以下の場合はDefaultTimeoutを使用する。
func NewResolver(detector Detector, feeds repository.FeedRepository, reporter ErrorReporter, m metrics.MetricsCollector, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		detector: detector,
		feeds:    feeds,
		reporter: reporter,
		metrics:  m,
		timeout:  timeout,
	}
}

// Resolve はrawURLを解決する。siteURLは候補が複数ある場合の絞り込みに使うヒントで、空でもよい。
//
//   - 候補0件、または検出・保存で障害が起きた場合は Failed
//   - 候補1件、またはヒントで1件に絞り込めた場合は Resolved（この場合のみフィードを保存する）
//   - それ以外は Ambiguous（候補は同一ホスト、Atom、出現順の優先順位で並べる）
func (r *Resolver) Resolve(ctx context.Context, rawURL, siteURL string) (outcome Outcome) {
	start := time.Now()
	defer func() {
		r.metrics.RecordResolveLatency(time.Since(start))
		r.metrics.RecordResolveOutcome(outcome.Kind().String())
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	candidates, stage, err := r.detect(ctx, rawURL)
	if err != nil {
		r.reporter.Report(ctx, stage, rawURL, err)
		return Failed(err)
	}

	var selected *feed.Candidate
	switch len(candidates) {
	case 0:
		return Failed(model.NewFeedNotDetectedError(rawURL))
	case 1:
		selected = &candidates[0]
	default:
		selected = SelectByHint(candidates, siteURL)
	}

	if selected == nil {
		reference := siteURL
		if reference == "" {
			reference = rawURL
		}
		ranked := feed.RankCandidates(candidates, reference)
		options := make([]model.FeedOption, 0, len(ranked))
		for _, c := range ranked {
			options = append(options, c.Option())
		}
		return Ambiguous(options)
	}

	saved, err := r.feeds.FindOrCreate(ctx, &model.Feed{
		FeedURL: selected.URL,
		SiteURL: selected.SiteURL,
		Title:   selected.Title,
	})
	if err != nil {
		r.reporter.Report(ctx, StagePersist, rawURL, err)
		return Failed(err)
	}
	return Resolved(saved)
}

// detect は検出処理を呼び出し、panicとタイムアウトをエラーに変換する。
func (r *Resolver) detect(ctx context.Context, rawURL string) (candidates []feed.Candidate, stage Stage, err error) {
	defer func() {
		if p := recover(); p != nil {
			candidates = nil
			stage = StagePanic
			err = fmt.Errorf("resolve: discovery panicked: %v", p)
		}
	}()

	candidates, err = r.detector.Detect(ctx, rawURL)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, StageTimeout, fmt.Errorf("resolve: timed out after %s: %w", r.timeout, err)
		}
		return nil, StageDiscovery, err
	}
	return candidates, "", nil
}

// SelectByHint はsiteURLのヒントで候補を1件に絞り込む。
// 正規化したURLが一致する候補を最優先し、無ければヒントと同一ホストの候補を探す。
// どちらの段階でも1件に定まらない場合はnilを返す。
func SelectByHint(candidates []feed.Candidate, siteURL string) *feed.Candidate {
	if strings.TrimSpace(siteURL) == "" {
		return nil
	}

	if key := NormalizeURL(siteURL); key != "" {
		for i := range candidates {
			if NormalizeURL(candidates[i].URL) == key {
				return &candidates[i]
			}
		}
	}

	hintHost := feed.HostOf(siteURL)
	if hintHost == "" {
		return nil
	}
	var match *feed.Candidate
	for i := range candidates {
		if feed.HostOf(candidates[i].URL) != hintHost {
			continue
		}
		if match != nil {
			return nil
		}
		match = &candidates[i]
	}
	return match
}

// NormalizeURL は比較用にURLを正規化する。
// スキームと既定ポート、フラグメント、末尾のスラッシュを無視し、ホストは小文字にする。
// 解析できない場合やホストが無い場合は空文字列を返す。
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}

	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	key := host + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
