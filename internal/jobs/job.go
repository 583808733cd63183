// Package jobs はRabbitMQを使ったバックグラウンドジョブの投入と消費を提供する。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/feedsub/internal/batch"
)

// Type はジョブの種類。
type Type string

const (
	// TypeFaviconRefresh はユーザーのfavicon集合全体のリフレッシュ要求。
	TypeFaviconRefresh Type = "favicon_refresh"
	// TypeFaviconRefreshRange はfavicon集合のうち1範囲分のリフレッシュ。
	TypeFaviconRefreshRange Type = "favicon_refresh_range"
)

var (
	// ErrUnknownType は未知のジョブ種別の場合に返される。
	ErrUnknownType = errors.New("jobs: 未知のジョブ種別です")
	// ErrMissingUserID はユーザーIDが空の場合に返される。
	ErrMissingUserID = errors.New("jobs: user_id が指定されていません")
	// ErrMissingRange は範囲ジョブに範囲が無い場合に返される。
	ErrMissingRange = errors.New("jobs: 範囲ジョブには range が必要です")
	// ErrFeedIDsMismatch は範囲ジョブのフィードIDの件数が範囲の長さと一致しない場合に返される。
	ErrFeedIDsMismatch = errors.New("jobs: feed_ids の件数が範囲と一致しません")
)

// Job はキューに投入する1件のジョブ。JSONでメッセージ本文にエンコードする。
//
// 範囲ジョブは、全体リフレッシュ開始時点の世代番号と、その範囲に含まれるフィードIDを持つ。
// 範囲の処理中に購読が増減しても担当するフィードは変わらない。
type Job struct {
	Type       Type         `json:"type"`
	UserID     string       `json:"user_id"`
	Generation int64        `json:"generation,omitempty"`
	Range      *batch.Range `json:"range,omitempty"`
	FeedIDs    []string     `json:"feed_ids,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// NewFaviconRefresh はfavicon集合全体のリフレッシュジョブを生成する。
func NewFaviconRefresh(userID string) Job {
	return Job{Type: TypeFaviconRefresh, UserID: userID, EnqueuedAt: time.Now().UTC()}
}

// NewFaviconRefreshRange は1範囲分のリフレッシュジョブを生成する。
// feedIDs は範囲に含まれるフィードIDで、件数は r.Len() と一致すること。
func NewFaviconRefreshRange(userID string, generation int64, r batch.Range, feedIDs []string) Job {
	return Job{
		Type:       TypeFaviconRefreshRange,
		UserID:     userID,
		Generation: generation,
		Range:      &r,
		FeedIDs:    feedIDs,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Validate はジョブの内容を検証する。
func (j Job) Validate() error {
	if j.UserID == "" {
		return ErrMissingUserID
	}
	switch j.Type {
	case TypeFaviconRefresh:
		return nil
	case TypeFaviconRefreshRange:
		if j.Range == nil || j.Range.Len() == 0 {
			return ErrMissingRange
		}
		if len(j.FeedIDs) != j.Range.Len() {
			return fmt.Errorf("%w: range %s に対して feed_ids が %d 件", ErrFeedIDsMismatch, j.Range, len(j.FeedIDs))
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, j.Type)
	}
}

// Publisher はジョブをキューに投入する。
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Handler は受信したジョブを処理する。エラーを返すとジョブは失敗として扱われる。
type Handler func(ctx context.Context, job Job) error

// PublishRanges は feedIDs を size 件ごとの範囲に分割し、範囲ごとに1件の範囲ジョブを投入する。
// 各ジョブには範囲の位置（1始まり）に対応するフィードIDを持たせる。
// 投入した範囲の数を返す。途中で失敗した場合はそれまでに投入した件数とエラーを返す。
func PublishRanges(ctx context.Context, pub Publisher, userID string, generation int64, feedIDs []string, size int) (int, error) {
	ranges, err := batch.Partition(len(feedIDs), size)
	if err != nil {
		return 0, err
	}

	for i, r := range ranges {
		ids := make([]string, 0, r.Len())
		for _, pos := range r.IDs() {
			ids = append(ids, feedIDs[pos-1])
		}
		if err := pub.Publish(ctx, NewFaviconRefreshRange(userID, generation, r, ids)); err != nil {
			return i, fmt.Errorf("範囲ジョブ %s の投入に失敗しました: %w", r, err)
		}
	}
	return len(ranges), nil
}
