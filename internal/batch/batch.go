// Package batch は一括バックグラウンドジョブ向けのID範囲分割を提供する。
//
// 総レコード数を固定サイズの連続したID範囲（1始まり、両端を含む）に分割する。
// 各ジョブは自身の範囲 [Start, Finish] だけを引数に持つため、
// メッセージサイズを抑えつつ、失敗した範囲だけを個別に再実行できる。
package batch

import (
	"errors"
	"fmt"
)

// DefaultSize はバッチサイズのデフォルト値。
const DefaultSize = 1000

var (
	// ErrInvalidBatchSize はバッチサイズが0以下の場合に返される。
	ErrInvalidBatchSize = errors.New("batch: バッチサイズは1以上である必要があります")
	// ErrNegativeTotal は総レコード数が負の場合に返される。
	ErrNegativeTotal = errors.New("batch: 総レコード数は0以上である必要があります")
)

// Range は1つのバッチジョブが担当するIDの範囲を表す。
// Start と Finish はいずれも1始まりで、両端を含む。
type Range struct {
	Start  int `json:"start"`
	Finish int `json:"finish"`
}

// Len は範囲に含まれるIDの数を返す。
func (r Range) Len() int {
	if r.Finish < r.Start {
		return 0
	}
	return r.Finish - r.Start + 1
}

// IDs は範囲に含まれるIDを昇順で返す。
func (r Range) IDs() []int {
	ids := make([]int, 0, r.Len())
	for id := r.Start; id <= r.Finish; id++ {
		ids = append(ids, id)
	}
	return ids
}

// String はログ出力用の表現を返す。
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.Finish)
}

// Count は総レコード数をバッチサイズで割ったバッチ数（切り上げ）を返す。
func Count(total, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBatchSize, size)
	}
	if total < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeTotal, total)
	}
	return (total + size - 1) / size, nil
}

// Partition は総レコード数を size 件ごとの範囲に分割する。
// k番目（1始まり）の範囲は [(k-1)*size+1, min(k*size, total)]。
// total が0の場合は空スライスを返す。
// 同じ引数に対しては常に同じ結果を返し、副作用を持たない。
func Partition(total, size int) ([]Range, error) {
	count, err := Count(total, size)
	if err != nil {
		return nil, err
	}

	ranges := make([]Range, 0, count)
	for k := 1; k <= count; k++ {
		finish := k * size
		if finish > total {
			finish = total
		}
		ranges = append(ranges, Range{
			Start:  (k-1)*size + 1,
			Finish: finish,
		})
	}
	return ranges, nil
}
