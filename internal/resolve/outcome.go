// Package resolve はユーザーが入力したURLを1つのフィードに解決する。
//
// 解決結果は Resolved / Ambiguous / Failed のいずれか1つで、
// Outcome のコンストラクタ以外では生成しない。
package resolve

import "github.com/hitoshi/feedsub/internal/model"

// Kind は解決結果の種類を表す。
type Kind uint8

const (
	// KindFailed は解決できなかったことを表す。Outcomeのゼロ値はFailedになる。
	KindFailed Kind = iota
	// KindResolved は1つのフィードに解決できたことを表す。
	KindResolved
	// KindAmbiguous は候補が複数あり、利用者の選択が必要なことを表す。
	KindAmbiguous
)

// String はメトリクスのラベルとログ出力に使う名前を返す。
func (k Kind) String() string {
	switch k {
	case KindResolved:
		return "resolved"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "failed"
	}
}

// Outcome は1件のURLの解決結果。
type Outcome struct {
	kind    Kind
	feed    *model.Feed
	options []model.FeedOption
	err     error
}

// Resolved は解決済みのOutcomeを生成する。
func Resolved(feed *model.Feed) Outcome {
	return Outcome{kind: KindResolved, feed: feed}
}

// Ambiguous は候補が複数あるOutcomeを生成する。optionsは1件以上であること。
func Ambiguous(options []model.FeedOption) Outcome {
	return Outcome{kind: KindAmbiguous, options: options}
}

// Failed は解決失敗のOutcomeを生成する。errは利用者には返さず、ログにのみ記録する。
func Failed(err error) Outcome {
	return Outcome{kind: KindFailed, err: err}
}

// Kind は解決結果の種類を返す。
func (o Outcome) Kind() Kind { return o.kind }

// Feed はResolvedの場合に解決されたフィードを返す。それ以外はnil。
func (o Outcome) Feed() *model.Feed { return o.feed }

// Options はAmbiguousの場合に候補を返す。それ以外はnil。
func (o Outcome) Options() []model.FeedOption { return o.options }

// Err はFailedの場合に失敗原因を返す。
func (o Outcome) Err() error { return o.err }
